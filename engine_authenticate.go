package goThreeDS

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/goThreeDS/browserinfo"
	"github.com/MrEthical07/goThreeDS/card"
	"github.com/MrEthical07/goThreeDS/internal/payload"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// authInput is a fully validated authentication call. Nothing in it has
// been written to the transaction yet.
type authInput struct {
	card     string
	merchant string
	expiry   string
	amount   string
	currency payload.Currency
	browser  browserinfo.Info
	supplied bool
	body     []byte
}

// Authenticate describes the authenticate operation and its observable behavior.
//
// Authenticate validates req against tx before any network call; a
// validation failure leaves tx untouched, and so does an upstream failure:
// the captured fields are written only once the server answers with a
// transStatus. On "C" the challenge URL and ACS transaction ID are recorded
// and the challenge is armed last. Any other status is terminal and stops
// the transaction's listener.
func (e *Engine) Authenticate(ctx context.Context, tx *TransactionContext, req AuthenticateRequest) (*AuthResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if tx == nil {
		return nil, ErrNotInitiated
	}

	in, err := e.validateAuth(tx, req)
	if err != nil {
		e.metricInc(MetricValidationFailure)
		e.emitAudit(ctx, auditEventAuthFailure, phaseAuthenticate, tx, false, err, nil)
		return nil, err
	}

	sid := tx.ServerTransactionID()
	start := time.Now()
	resp, err := e.client.Authenticate(ctx, tx.AuthURL(), in.body)
	e.observe(MetricUpstreamLatency, time.Since(start))
	if err != nil {
		return nil, e.authFailed(ctx, tx, upstreamError("authenticate", err))
	}

	status := strings.TrimSpace(resp.Get("transStatus").String())
	if status == "" {
		return nil, e.authFailed(ctx, tx, malformedResponse("authenticate", "missing transStatus"))
	}
	result := &AuthResult{
		TransStatus: status,
		Raw:         resp.Body,
	}

	if result.ChallengeRequired() {
		result.ChallengeURL = strings.TrimSpace(resp.Get("challengeUrl").String())
		result.ACSTransID = strings.TrimSpace(resp.Get("acsTransID").String())
		if result.ChallengeURL == "" {
			return nil, e.authFailed(ctx, tx, malformedResponse("authenticate", "challenge without challengeUrl"))
		}
	}

	// The server accepted the request: capture the inputs it saw.
	if err := tx.setOnce(
		fieldWrite{&tx.cardNumber, in.card},
		fieldWrite{&tx.merchantID, in.merchant},
		fieldWrite{&tx.purchaseAmount, in.amount},
		fieldWrite{&tx.currency, in.currency.Alpha},
		fieldWrite{&tx.expiry, in.expiry},
	); err != nil {
		return nil, e.authFailed(ctx, tx, err)
	}
	if in.supplied {
		tx.setBrowserInfo(in.browser)
	}
	if result.ChallengeRequired() {
		if err := tx.recordChallenge(result.ChallengeURL, result.ACSTransID); err != nil {
			return nil, e.authFailed(ctx, tx, err)
		}
		e.metricInc(MetricAuthChallenge)
	} else {
		e.metricInc(MetricAuthFrictionless)
	}
	tx.setRawTransStatus(status)
	e.persist(ctx, tx, 0)
	if result.ChallengeRequired() {
		// Held challenge signals may run from here on.
		tx.openChallenge()
	}

	e.emitAudit(ctx, auditEventAuthSuccess, phaseAuthenticate, tx, true, nil, func() map[string]string {
		return map[string]string{"trans_status": status}
	})
	e.logger.Debug("transaction authenticated",
		zap.String("server_trans_id", sid),
		zap.String("trans_status", status),
	)

	if !result.ChallengeRequired() && e.owned(tx) {
		e.release(sid)
	}
	return result, nil
}

func (e *Engine) authFailed(ctx context.Context, tx *TransactionContext, err error) error {
	e.metricInc(MetricAuthFailure)
	e.emitAudit(ctx, auditEventAuthFailure, phaseAuthenticate, tx, false, err, nil)
	e.logger.Warn("transaction authentication failed",
		zap.String("server_trans_id", tx.ServerTransactionID()),
		zap.String("card", tx.MaskedCardNumber()),
		zap.Error(err),
	)
	return err
}

// validateAuth checks every input and builds the request body. It only
// reads from tx.
func (e *Engine) validateAuth(tx *TransactionContext, req AuthenticateRequest) (*authInput, error) {
	sid := tx.ServerTransactionID()
	if sid == "" || tx.AuthURL() == "" {
		return nil, ErrNotInitiated
	}

	// Transaction IDs
	reqSID := strings.TrimSpace(req.ServerTransID)
	reqRID := strings.TrimSpace(req.RequestorTransID)
	if reqSID == "" || reqRID == "" {
		return nil, ErrTransactionIDRequired
	}
	if !strictUUID(reqSID) {
		return nil, ErrTransactionIDInvalid
	}
	if reqSID != sid || reqRID != tx.RequestorTransactionID() {
		return nil, ErrTransactionIDMismatch
	}

	// Card
	number := card.Sanitize(strings.TrimSpace(req.CardNumber))
	if number == "" {
		return nil, ErrCardNumberRequired
	}
	if !card.Valid(number) {
		return nil, ErrCardNumberInvalid
	}
	if known := tx.card(); known != "" {
		if known != number {
			return nil, ErrCardNumberMismatch
		}
	} else if masked := tx.MaskedCardNumber(); masked != "" && masked != card.Mask(number) {
		return nil, ErrCardNumberMismatch
	}
	if brand := card.DetectBrand(number); brand == card.BrandUnknown {
		e.logger.Warn("card brand not recognized",
			zap.String("server_trans_id", sid),
			zap.String("card", card.Mask(number)),
		)
	}

	// Merchant
	merchant := firstNonEmpty(req.MerchantID, tx.MerchantID(), e.config.Merchant.ID)
	if merchant == "" {
		return nil, ErrMerchantIDRequired
	}
	if current := tx.MerchantID(); current != "" && current != merchant {
		return nil, ErrMerchantIDMismatch
	}

	in := &authInput{card: number, merchant: merchant}

	// Browser info
	var supplied *browserinfo.Info
	if blob := strings.TrimSpace(req.BrowserInfo); blob != "" {
		info, err := browserinfo.Decode(blob)
		if err != nil {
			return nil, ErrInvalidBrowserInfo
		}
		supplied = &info
	}
	if current, ok := tx.BrowserInfo(); ok {
		in.browser = current
	} else if supplied != nil {
		in.browser = *supplied
		in.supplied = true
	} else {
		return nil, ErrMissingBrowserInfo
	}

	// Expiry
	now := e.now()
	var expiryEMV string
	if raw := firstNonEmpty(req.CardExpiryDate, tx.Expiry(), e.config.Merchant.DefaultExpiry); raw != "" {
		exp, err := card.ValidateExpiry(raw, now)
		if err != nil {
			return nil, ErrExpiryInvalid
		}
		if current := tx.Expiry(); current != "" && current != exp.String() {
			return nil, ErrExpiryMismatch
		}
		in.expiry = exp.String()
		expiryEMV = exp.EMV()
	}

	// Amount and currency
	currency, err := payload.ResolveCurrency(firstNonEmpty(req.PurchaseCurrency, tx.Currency(), e.config.Merchant.DefaultCurrency))
	if err != nil {
		return nil, ErrCurrencyInvalid
	}
	if current := tx.Currency(); current != "" && current != currency.Alpha {
		return nil, ErrCurrencyMismatch
	}
	amount, err := payload.MinorUnits(firstNonEmpty(req.PurchaseAmount, tx.PurchaseAmount(), e.config.Merchant.DefaultAmount), currency.Exponent)
	if err != nil {
		return nil, ErrAmountInvalid
	}
	if current := tx.PurchaseAmount(); current != "" && current != amount {
		return nil, ErrAmountMismatch
	}
	in.currency = currency
	in.amount = amount

	// Purchase date
	purchaseDate := strings.TrimSpace(req.PurchaseDate)
	if purchaseDate == "" {
		purchaseDate = now.UTC().Format(payload.PurchaseDateLayout)
	} else if _, err := time.Parse(payload.PurchaseDateLayout, purchaseDate); err != nil {
		return nil, ErrPurchaseDateInvalid
	}

	var country string
	if e.config.Merchant.Country != "" {
		country, _ = payload.ResolveCountry(e.config.Merchant.Country)
	}

	body, err := payload.BuildAuth(payload.Auth{
		ServerTransID:    sid,
		RequestorTransID: tx.RequestorTransactionID(),
		AcctNumber:       number,
		MerchantID:       merchant,
		MerchantCountry:  country,
		CardExpiryDate:   expiryEMV,
		PurchaseAmount:   amount,
		Currency:         currency,
		PurchaseDate:     purchaseDate,
		Browser:          in.browser,
		AdditionalData:   req.AdditionalData,
		PhoneRegion:      e.config.Merchant.PhoneRegion,
	})
	if err != nil {
		if errors.Is(err, payload.ErrInvalidAdditionalData) || errors.Is(err, payload.ErrInvalidPhone) {
			return nil, ErrAdditionalDataInvalid
		}
		return nil, &Error{Kind: KindInternal, Message: "build auth payload", Err: err}
	}
	in.body = body

	return in, nil
}

// strictUUID accepts only the canonical 36 character hyphenated form.
func strictUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
