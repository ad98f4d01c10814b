// Package goThreeDS orchestrates EMV 3-D Secure 2.x browser authentication against a
// remote 3DS server: initiate, fingerprint collection, authentication, and the optional
// challenge sub-flow up to a translated outcome.
//
// Engine methods are safe to call from multiple goroutines after initialization through
// [Builder.Build]. One [TransactionContext] exists per attempt; its write-once fields and
// compare-and-swap flags make duplicate or late notifications harmless.
//
// # Architecture boundaries
//
// goThreeDS is the public surface. It exposes [Engine], [Builder], [Config], and value types
// ([Outcome], [Notification], [MetricsSnapshot], etc.). The 3DS server client, payload
// assembly, Redis snapshots, the notification hub and relay, rate limiting and audit
// dispatch live under internal/ and are never exported.
//
// # Signals
//
// Out-of-band notifications reach an Engine through [Engine.Notify] with a token bound to
// the requestor transaction ID. Each active transaction has one listener goroutine; with
// Store.RelayEnabled, notifications received by another process are forwarded over Redis
// pub/sub to the one holding the listener.
//
// # What this package must NOT do
//
//   - Persist or log full card numbers. Snapshots, audit events and log lines carry the
//     masked form only.
//   - Retry upstream calls. The only substitution is treating an "already completed"
//     challenge status answer as success.
//   - Import any sub-package that re-imports goThreeDS (no import cycles).
package goThreeDS
