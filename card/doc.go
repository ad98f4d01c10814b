// Package card holds the card-number and expiry checks applied before an
// authentication request leaves the process: Luhn validation, advisory
// brand detection, MM/YY expiry parsing and masking for logs.
package card
