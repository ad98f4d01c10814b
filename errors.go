package goThreeDS

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MrEthical07/goThreeDS/internal/remote"
)

// ErrorKind classifies engine errors for callers and the HTTP layer.
type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindUpstream
	KindProtocol
	KindNotFound
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUpstream:
		return "upstream"
	case KindProtocol:
		return "protocol"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error is the error type returned by Engine operations.
//
// errors.Is matches an *Error against the category sentinels (ErrValidation,
// ErrUpstream, ...) by kind, and against specific sentinels by identity.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	// Only bare category sentinels match by kind.
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func validationError(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }

var (
	// Category sentinels.
	ErrValidation  = &Error{Kind: KindValidation}
	ErrUpstream    = &Error{Kind: KindUpstream}
	ErrProtocol    = &Error{Kind: KindProtocol}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrRateLimited = &Error{Kind: KindRateLimited}
	ErrInternal    = &Error{Kind: KindInternal}

	ErrCardNumberRequired       = validationError("card number required")
	ErrCardNumberInvalid        = validationError("card number failed validation")
	ErrCardNumberMismatch       = validationError("card number does not match transaction")
	ErrMerchantIDRequired       = validationError("merchant id required")
	ErrMerchantIDMismatch       = validationError("merchant id does not match transaction")
	ErrTransactionIDRequired    = validationError("transaction ids required")
	ErrTransactionIDInvalid     = validationError("server transaction id is not a valid uuid")
	ErrTransactionIDMismatch    = validationError("transaction ids do not match")
	ErrMissingBrowserInfo       = validationError("browser info not received")
	ErrInvalidBrowserInfo       = validationError("browser info is not base64 encoded json")
	ErrExpiryInvalid            = validationError("card expiry invalid")
	ErrExpiryMismatch           = validationError("card expiry does not match transaction")
	ErrAmountInvalid            = validationError("purchase amount invalid")
	ErrAmountMismatch           = validationError("purchase amount does not match transaction")
	ErrCurrencyInvalid          = validationError("purchase currency invalid")
	ErrCurrencyMismatch         = validationError("purchase currency does not match transaction")
	ErrPurchaseDateInvalid      = validationError("purchase date must be YYYYMMDDHHMMSS")
	ErrAdditionalDataInvalid    = validationError("additional data invalid")
	ErrNotInitiated             = validationError("transaction not initiated")
	ErrAlreadyInitiated         = validationError("transaction already initiated")
	ErrChallengeNotArmed        = validationError("no challenge pending for transaction")
	ErrChallengeNotListening    = validationError("challenge completion is not observed by this instance")
	ErrNotificationInvalid      = validationError("notification invalid")
	ErrNotificationUnauthorized = validationError("notification token invalid")

	ErrUnknownAction    = &Error{Kind: KindProtocol, Message: "unknown action"}
	ErrMalformedRequest = &Error{Kind: KindProtocol, Message: "malformed request"}

	ErrTransactionNotFound = &Error{Kind: KindNotFound, Message: "transaction not found"}

	ErrDispatchRateLimited     = &Error{Kind: KindRateLimited, Message: "too many requests"}
	ErrNotificationRateLimited = &Error{Kind: KindRateLimited, Message: "too many notifications"}

	ErrChallengeTimeout = &Error{Kind: KindUpstream, Message: "challenge not completed in time"}

	ErrEngineNotReady     = &Error{Kind: KindInternal, Message: "engine not initialized"}
	ErrTransactionExists  = &Error{Kind: KindInternal, Message: "transaction already registered"}
	ErrFieldAlreadySet    = &Error{Kind: KindInternal, Message: "transaction field already set"}
	ErrStoreUnavailable   = &Error{Kind: KindInternal, Message: "transaction store unavailable"}
	ErrListenerRegistered = &Error{Kind: KindInternal, Message: "transaction already has a listener"}
)

// UpstreamError describes a failed call to the 3DS server.
type UpstreamError struct {
	Operation   string
	StatusCode  int
	ErrorCode   string
	Description string
	Err         error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	b.WriteString(" failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " with status %d", e.StatusCode)
	}
	if e.ErrorCode != "" {
		fmt.Fprintf(&b, " (error %s: %s)", e.ErrorCode, e.Description)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

func upstreamError(op string, err error) error {
	if err == nil {
		return nil
	}
	ue := &UpstreamError{Operation: op, Err: err}
	var se *remote.StatusError
	if errors.As(err, &se) {
		ue.StatusCode = se.StatusCode
		ue.ErrorCode = se.ErrorCode
		ue.Description = se.Description
	}
	return ue
}

func malformedResponse(op, detail string) error {
	return &UpstreamError{Operation: op, Err: fmt.Errorf("%w: %s", remote.ErrMalformedResponse, detail)}
}

// KindOf returns the category of err. Errors not produced by the engine
// are internal.
func KindOf(err error) ErrorKind {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return KindUpstream
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to the status code the dispatcher answers with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindValidation, KindProtocol:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the error text safe to show a client. Upstream and
// internal details are only exposed in debug mode.
func PublicMessage(err error, debug bool) string {
	if err == nil {
		return ""
	}
	if debug {
		return err.Error()
	}
	switch KindOf(err) {
	case KindUpstream:
		return "authentication service error"
	case KindInternal:
		return "internal error"
	}
	return err.Error()
}
