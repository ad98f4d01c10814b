package goThreeDS

import "encoding/json"

// OutcomeCategory is the user-facing classification of a transStatus code.
type OutcomeCategory string

const (
	OutcomeSuccess   OutcomeCategory = "success"
	OutcomeFailed    OutcomeCategory = "failed"
	OutcomeError     OutcomeCategory = "error"
	OutcomePartial   OutcomeCategory = "partial"
	OutcomeChallenge OutcomeCategory = "challenge"
	OutcomeDecoupled OutcomeCategory = "decoupled"
	OutcomeRejected  OutcomeCategory = "rejected"
	OutcomeCompleted OutcomeCategory = "completed"
)

// Outcome is the translated result of an authentication attempt.
type Outcome struct {
	Category  OutcomeCategory `json:"status"`
	Message   string          `json:"message"`
	RawStatus string          `json:"transStatus"`
	Details   json.RawMessage `json:"details,omitempty"`
}

type statusTranslation struct {
	category OutcomeCategory
	message  string
}

var statusTable = map[string]statusTranslation{
	"Y": {OutcomeSuccess, "Payment Authenticated Successfully"},
	"N": {OutcomeFailed, "Authentication Failed - Not Authenticated"},
	"U": {OutcomeError, "Authentication Error - Technical Issue"},
	"A": {OutcomePartial, "Authentication Attempted but Not Verified"},
	"C": {OutcomeChallenge, "Challenge Required"},
	"D": {OutcomeDecoupled, "Decoupled Authentication Required"},
	"R": {OutcomeRejected, "Authentication Rejected by Issuer"},
}

// TranslateStatus maps a raw transStatus code. It is total: unknown or
// empty codes map to OutcomeCompleted.
func TranslateStatus(code string) Outcome {
	t, ok := statusTable[code]
	if !ok {
		t = statusTranslation{OutcomeCompleted, "Authentication Completed"}
	}
	return Outcome{
		Category:  t.category,
		Message:   t.message,
		RawStatus: code,
	}
}

// Terminal reports whether no further protocol step follows the outcome.
func (o Outcome) Terminal() bool {
	return o.Category != OutcomeChallenge
}
