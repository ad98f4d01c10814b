// Package audit implements async event dispatching for 3DS transaction phases.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, zap logger, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full semantics.
//   - [Event]: structured audit record with timestamp, phase, transaction IDs, masked card, IP, metadata.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which events
// to emit; the Engine does.
//
// # What this package must NOT do
//
//   - Receive or log unmasked card numbers.
//   - Import goThreeDS or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
