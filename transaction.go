package goThreeDS

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goThreeDS/browserinfo"
	"github.com/MrEthical07/goThreeDS/card"
)

// ChallengeState is the coordinator state derived from a transaction.
type ChallengeState uint8

const (
	ChallengeNotArmed ChallengeState = iota
	ChallengeArmed
	ChallengeCompleting
	ChallengeCompleted
)

func (s ChallengeState) String() string {
	switch s {
	case ChallengeArmed:
		return "armed"
	case ChallengeCompleting:
		return "completing"
	case ChallengeCompleted:
		return "completed"
	default:
		return "not_armed"
	}
}

// TransactionContext is the state of one authentication attempt.
//
// String fields are write-once: each moves from empty to a value exactly
// once and a second write with a different value fails with
// ErrFieldAlreadySet. The eventReceived and challengeCompleted flags only
// move from false to true, by compare-and-swap, so exactly one signal wins
// each of them.
type TransactionContext struct {
	mu sync.RWMutex

	serverTransID    string
	requestorTransID string
	callbackURL      string
	monitoringURL    string
	authURL          string
	challengeURL     string
	acsTransID       string
	notifyToken      string

	browserInfo *browserinfo.Info

	cardNumber     string
	maskedCard     string
	merchantID     string
	purchaseAmount string
	currency       string
	expiry         string

	rawTransStatus string
	createdAt      time.Time
	rehydrated     bool

	eventReceived      atomic.Bool
	challengeCompleted atomic.Bool

	fingerprintDone chan struct{}
	challengeArmed  chan struct{}
	challengeDone   chan struct{}
	armOnce         sync.Once
	outcome         *Outcome
	outcomeErr      error
}

func newTransactionContext(requestorTransID, cardNumber, merchantID string, now time.Time) *TransactionContext {
	return &TransactionContext{
		requestorTransID: requestorTransID,
		cardNumber:       cardNumber,
		maskedCard:       card.Mask(cardNumber),
		merchantID:       merchantID,
		createdAt:        now,
		fingerprintDone:  make(chan struct{}),
		challengeArmed:   make(chan struct{}),
		challengeDone:    make(chan struct{}),
	}
}

// TransactionSnapshot is an externalized copy of a context with the card
// number masked.
type TransactionSnapshot struct {
	ServerTransID      string            `json:"threeDSServerTransID"`
	RequestorTransID   string            `json:"threeDSRequestorTransID"`
	CallbackURL        string            `json:"threeDSServerCallbackUrl,omitempty"`
	MonitoringURL      string            `json:"monUrl,omitempty"`
	AuthURL            string            `json:"authUrl,omitempty"`
	ChallengeURL       string            `json:"challengeUrl,omitempty"`
	ACSTransID         string            `json:"acsTransID,omitempty"`
	CardNumber         string            `json:"acctNumber,omitempty"`
	MerchantID         string            `json:"merchantId,omitempty"`
	PurchaseAmount     string            `json:"purchaseAmount,omitempty"`
	Currency           string            `json:"purchaseCurrency,omitempty"`
	Expiry             string            `json:"cardExpiryDate,omitempty"`
	RawTransStatus     string            `json:"transStatus,omitempty"`
	BrowserInfo        *browserinfo.Info `json:"browserInfo,omitempty"`
	EventReceived      bool              `json:"eventReceived"`
	ChallengeCompleted bool              `json:"challengeCompleted"`
	ChallengeState     string            `json:"challengeState"`
	CreatedAt          time.Time         `json:"createdAt"`
}

func (t *TransactionContext) ServerTransactionID() string    { return t.get(&t.serverTransID) }
func (t *TransactionContext) RequestorTransactionID() string { return t.get(&t.requestorTransID) }
func (t *TransactionContext) CallbackURL() string            { return t.get(&t.callbackURL) }
func (t *TransactionContext) MonitoringURL() string          { return t.get(&t.monitoringURL) }
func (t *TransactionContext) AuthURL() string                { return t.get(&t.authURL) }
func (t *TransactionContext) ChallengeURL() string           { return t.get(&t.challengeURL) }
func (t *TransactionContext) ACSTransactionID() string       { return t.get(&t.acsTransID) }
func (t *TransactionContext) MaskedCardNumber() string       { return t.get(&t.maskedCard) }
func (t *TransactionContext) MerchantID() string             { return t.get(&t.merchantID) }
func (t *TransactionContext) PurchaseAmount() string         { return t.get(&t.purchaseAmount) }
func (t *TransactionContext) Currency() string               { return t.get(&t.currency) }
func (t *TransactionContext) Expiry() string                 { return t.get(&t.expiry) }
func (t *TransactionContext) RawTransStatus() string         { return t.get(&t.rawTransStatus) }

// NotificationToken is the token bound into the event callback URL.
func (t *TransactionContext) NotificationToken() string { return t.get(&t.notifyToken) }

func (t *TransactionContext) CreatedAt() time.Time {
	return t.createdAt
}

func (t *TransactionContext) EventReceived() bool {
	return t.eventReceived.Load()
}

func (t *TransactionContext) ChallengeCompleted() bool {
	return t.challengeCompleted.Load()
}

// BrowserInfo returns the normalized browser info once one was accepted.
func (t *TransactionContext) BrowserInfo() (browserinfo.Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.browserInfo == nil {
		return browserinfo.Info{}, false
	}
	return *t.browserInfo, true
}

// SupplyBrowserInfo records a blob that arrived outside the notification
// channels, such as the browserInfo field of an auth request. It does not
// count as the fingerprint completion event.
func (t *TransactionContext) SupplyBrowserInfo(blob string) error {
	info, err := browserinfo.Decode(blob)
	if err != nil {
		return ErrInvalidBrowserInfo
	}
	t.setBrowserInfo(info)
	return nil
}

// ChallengeState reports where the challenge sub-flow stands.
func (t *TransactionContext) ChallengeState() ChallengeState {
	if !t.challengeOpen() {
		return ChallengeNotArmed
	}
	if !t.challengeCompleted.Load() {
		return ChallengeArmed
	}
	select {
	case <-t.challengeDone:
		return ChallengeCompleted
	default:
		return ChallengeCompleting
	}
}

// Snapshot describes the snapshot operation and its observable behavior.
//
// Snapshot never exposes the full card number.
func (t *TransactionContext) Snapshot() TransactionSnapshot {
	t.mu.RLock()
	s := TransactionSnapshot{
		ServerTransID:    t.serverTransID,
		RequestorTransID: t.requestorTransID,
		CallbackURL:      t.callbackURL,
		MonitoringURL:    t.monitoringURL,
		AuthURL:          t.authURL,
		ChallengeURL:     t.challengeURL,
		ACSTransID:       t.acsTransID,
		CardNumber:       t.maskedCard,
		MerchantID:       t.merchantID,
		PurchaseAmount:   t.purchaseAmount,
		Currency:         t.currency,
		Expiry:           t.expiry,
		RawTransStatus:   t.rawTransStatus,
		CreatedAt:        t.createdAt,
	}
	if t.browserInfo != nil {
		info := *t.browserInfo
		s.BrowserInfo = &info
	}
	t.mu.RUnlock()

	s.EventReceived = t.eventReceived.Load()
	s.ChallengeCompleted = t.challengeCompleted.Load()
	s.ChallengeState = t.ChallengeState().String()
	return s
}

func (t *TransactionContext) get(field *string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *field
}

// setOnce writes the fields in order under one lock. Writing the value a
// field already holds is a no-op. Nothing is written if any field conflicts.
func (t *TransactionContext) setOnce(pairs ...fieldWrite) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range pairs {
		if *p.field != "" && *p.field != p.value {
			return ErrFieldAlreadySet
		}
	}
	for _, p := range pairs {
		if p.value != "" {
			*p.field = p.value
		}
	}
	return nil
}

type fieldWrite struct {
	field *string
	value string
}

func (t *TransactionContext) card() string {
	return t.get(&t.cardNumber)
}

func (t *TransactionContext) setBrowserInfo(info browserinfo.Info) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browserInfo != nil {
		return false
	}
	t.browserInfo = &info
	return true
}

// armChallenge records the challenge URL and opens the challenge in one step.
func (t *TransactionContext) armChallenge(challengeURL, acsTransID string) error {
	if err := t.recordChallenge(challengeURL, acsTransID); err != nil {
		return err
	}
	t.openChallenge()
	return nil
}

// recordChallenge stores the challenge URL without arming. Signals stay held
// until openChallenge.
func (t *TransactionContext) recordChallenge(challengeURL, acsTransID string) error {
	return t.setOnce(
		fieldWrite{&t.challengeURL, challengeURL},
		fieldWrite{&t.acsTransID, acsTransID},
	)
}

// openChallenge wakes anything waiting for the challenge to become armed.
func (t *TransactionContext) openChallenge() {
	t.armOnce.Do(func() { close(t.challengeArmed) })
}

func (t *TransactionContext) challengeOpen() bool {
	select {
	case <-t.challengeArmed:
		return true
	default:
		return false
	}
}

func (t *TransactionContext) setRawTransStatus(code string) {
	t.mu.Lock()
	t.rawTransStatus = code
	t.mu.Unlock()
}

// markEventReceived wins the fingerprint flag at most once.
func (t *TransactionContext) markEventReceived() bool {
	if !t.eventReceived.CompareAndSwap(false, true) {
		return false
	}
	close(t.fingerprintDone)
	return true
}

// markChallengeCompleted wins the challenge flag at most once. The winner
// must call finishChallenge.
func (t *TransactionContext) markChallengeCompleted() bool {
	return t.challengeCompleted.CompareAndSwap(false, true)
}

func (t *TransactionContext) finishChallenge(out *Outcome, err error) {
	t.mu.Lock()
	t.outcome = out
	t.outcomeErr = err
	t.mu.Unlock()
	close(t.challengeDone)
}

func (t *TransactionContext) challengeResult() (*Outcome, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.outcome, t.outcomeErr
}
