// Package browserinfo decodes and normalizes the browser fingerprint blob
// posted by the 3DS method page: base64 of a JSON object with the EMV
// browser* fields.
package browserinfo
