// Package middleware exposes the HTTP surface of a goThreeDS.Engine.
//
// # Handlers
//
//   - [Guard] restricts methods and body size and attaches the client IP and
//     request ID to the request context.
//   - [Dispatcher] serves the JSON action endpoint (init, auth,
//     getAuthResult, updateChallengeStatus).
//   - [NotificationHandler] receives 3DS method, callback and challenge
//     notifications.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. Status codes come
// from goThreeDS.HTTPStatus and error text from goThreeDS.PublicMessage.
//
// # What this package must NOT do
//
//   - Parse or verify notification tokens (delegates to Engine.Notify).
//   - Access Redis (Engine handles I/O).
//   - Log request bodies; they carry card numbers.
package middleware
