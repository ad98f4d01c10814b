// Package stores provides the Redis-backed snapshot store for in-flight
// 3-D Secure transactions.
//
// # Design
//
// Each snapshot is a versioned, binary-encoded record with a TTL bounded by
// the lifetime of one authentication attempt. Updates run in WATCH/MULTI
// optimistic transactions with retry on contention, and merge the
// progress flags so that a flag set by any process is never cleared.
// A secondary key maps the requestor transaction ID to the server one.
//
// # What this package must NOT do
//
//   - Import goThreeDS or any sibling internal package.
//   - Persist full card numbers. Callers hand in masked values only.
package stores
