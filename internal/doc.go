// Package internal groups the private building blocks of goThreeDS.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - payload: 3DS request body assembly (amounts, currencies, phone numbers)
//   - rate: Redis-backed fixed-window rate limiting
//   - remote: HTTP client for the 3DS server endpoints
//   - signal: per-transaction notification hub and Redis pub/sub relay
//   - stores: Redis snapshots of in-flight transactions
//
// # What this package must NOT do
//
//   - Export types that appear in the public goThreeDS API.
//   - Be imported by any package outside the goThreeDS module.
package internal
