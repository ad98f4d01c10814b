// Package jwt signs and verifies the notification tokens embedded in the
// event callback URL handed to the 3DS server. A token binds a notification
// to one requestor transaction ID for the lifetime of the attempt.
package jwt
