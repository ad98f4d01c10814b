// Package rate provides the Redis-backed fixed-window limiter guarding the
// action dispatcher and the notification endpoint.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Keys:
//   - <prefix>:a:<action>:<ip> : dispatcher action per client IP
//   - <prefix>:n:<ip>          : notification posts per client IP
//
// # What this package must NOT do
//
//   - Decide which actions are limited (the engine configuration does).
//   - Be imported outside the goThreeDS module.
package rate
