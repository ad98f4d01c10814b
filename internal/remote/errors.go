package remote

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrUnavailable       = errors.New("3ds server unavailable")
	ErrMalformedResponse = errors.New("malformed 3ds server response")
)

// StatusError is a non-200 answer from the 3DS server.
type StatusError struct {
	StatusCode  int
	ErrorCode   string
	Description string
	Body        []byte
}

func newStatusError(status int, body []byte) *StatusError {
	se := &StatusError{StatusCode: status, Body: body}
	if gjson.ValidBytes(body) {
		doc := gjson.ParseBytes(body)
		se.ErrorCode = doc.Get("errorCode").String()
		se.Description = doc.Get("errorDescription").String()
		if se.Description == "" {
			se.Description = doc.Get("errorDetail").String()
		}
	}
	return se
}

func (e *StatusError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("3ds server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("3ds server returned status %d: error %s: %s", e.StatusCode, e.ErrorCode, e.Description)
}
