package goThreeDS

import (
	"context"
	"encoding/json"
	"time"
)

// InitiateRequest opens a transaction. MerchantID falls back to the
// configured merchant.
type InitiateRequest struct {
	CardNumber string
	MerchantID string
}

// InitiateResult carries the URLs the fingerprint channels need.
type InitiateResult struct {
	ServerTransID     string `json:"threeDSServerTransID"`
	CallbackURL       string `json:"threeDSServerCallbackUrl"`
	AuthURL           string `json:"authUrl"`
	MonitoringURL     string `json:"monUrl,omitempty"`
	RequestorTransID  string `json:"threeDSRequestorTransID"`
	NotificationToken string `json:"notificationToken,omitempty"`
}

// AuthenticateRequest holds the per-call authentication inputs. Empty
// fields fall back to what the transaction already holds, then to the
// merchant configuration.
type AuthenticateRequest struct {
	ServerTransID    string
	RequestorTransID string
	CardNumber       string
	// BrowserInfo is a base64(JSON) blob supplied alongside the request. It
	// only fills the transaction's browser info when none was collected.
	BrowserInfo      string
	CardExpiryDate   string // MM/YY
	PurchaseAmount   string
	PurchaseCurrency string
	MerchantID       string
	PurchaseDate     string // YYYYMMDDHHMMSS, UTC
	AdditionalData   json.RawMessage
}

// AuthResult is the 3DS server's authentication response. Raw is returned
// unmodified; the other fields are read from it.
type AuthResult struct {
	TransStatus  string
	ChallengeURL string
	ACSTransID   string
	Raw          json.RawMessage
}

// ChallengeRequired reports whether the issuer asked for a challenge.
func (r *AuthResult) ChallengeRequired() bool {
	return r != nil && r.TransStatus == "C"
}

// Outcome translates the frictionless transStatus with Raw as details.
func (r *AuthResult) Outcome() Outcome {
	out := TranslateStatus(r.TransStatus)
	out.Details = r.Raw
	return out
}

// MarshalJSON renders the raw response.
func (r *AuthResult) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte(`{}`), nil
	}
	return r.Raw, nil
}

// ChallengeStatusResult is the answer to a challenge status update.
// AlreadyCompleted is set when the server reported the challenge as already
// finalized, which the engine treats as success.
type ChallengeStatusResult struct {
	AlreadyCompleted bool
	Raw              json.RawMessage
}

// MarshalJSON renders the raw provider response.
func (r *ChallengeStatusResult) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte(`{}`), nil
	}
	return r.Raw, nil
}

// RunRequest drives a whole attempt through Engine.Run.
type RunRequest struct {
	Initiate     InitiateRequest
	Authenticate AuthenticateRequest

	// FingerprintTimeout overrides Config.Fingerprint.Timeout when > 0.
	FingerprintTimeout time.Duration

	// OnInitiated exposes the init URLs to the out-of-band channels. It must
	// not block until the fingerprint completes.
	OnInitiated func(ctx context.Context, tx *TransactionContext, res *InitiateResult) error
	// OnChallenge presents the challenge URL to the cardholder.
	OnChallenge func(ctx context.Context, tx *TransactionContext, res *AuthResult) error
}
