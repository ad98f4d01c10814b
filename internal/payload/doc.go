// Package payload assembles the JSON bodies sent to the 3DS server.
//
// Amounts are converted to minor units with decimal arithmetic, currency and
// merchant country codes resolve to ISO 4217 / ISO 3166 numeric form, and
// cardholder phone numbers in additional data are split into the EMV
// {cc, subscriber} shape. Caller additional data never overrides the
// protocol fields the engine sets.
package payload
