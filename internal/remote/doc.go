// Package remote is the HTTP client for the 3DS authentication server.
//
// Every call requires HTTP 200 with a JSON object body. Other statuses are
// returned as *StatusError carrying the provider's errorCode and
// errorDescription; transport failures wrap ErrUnavailable.
package remote
