package goThreeDS

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/goThreeDS/card"
	"github.com/MrEthical07/goThreeDS/internal/payload"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Initiate describes the initiate operation and its observable behavior.
//
// Initiate creates a transaction context with a fresh requestor transaction
// ID and opens it on the 3DS server. On an upstream failure the context is
// still returned so the caller can retry with InitiateTransaction.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (*TransactionContext, *InitiateResult, error) {
	if e == nil {
		return nil, nil, ErrEngineNotReady
	}

	number := card.Sanitize(strings.TrimSpace(req.CardNumber))
	if number == "" {
		e.metricInc(MetricValidationFailure)
		e.emitAudit(ctx, auditEventInitFailure, phaseInitiate, nil, false, ErrCardNumberRequired, nil)
		return nil, nil, ErrCardNumberRequired
	}
	merchant := strings.TrimSpace(req.MerchantID)
	if merchant == "" {
		merchant = e.config.Merchant.ID
	}

	tx := newTransactionContext(uuid.NewString(), number, merchant, e.now())
	res, err := e.InitiateTransaction(ctx, tx)
	return tx, res, err
}

// InitiateTransaction sends the init call for a context created by
// Initiate. It fails with ErrAlreadyInitiated once the server transaction ID
// is set, so retrying after an upstream error never overwrites a field.
func (e *Engine) InitiateTransaction(ctx context.Context, tx *TransactionContext) (*InitiateResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if tx == nil {
		return nil, ErrNotInitiated
	}
	if tx.ServerTransactionID() != "" {
		return nil, ErrAlreadyInitiated
	}
	number := tx.card()
	if number == "" {
		return nil, ErrCardNumberRequired
	}
	rid := tx.RequestorTransactionID()

	token := tx.NotificationToken()
	if token == "" {
		issued, err := e.tokens.Issue(rid)
		if err != nil {
			return nil, &Error{Kind: KindInternal, Message: "issue notification token", Err: err}
		}
		if err := tx.setOnce(fieldWrite{&tx.notifyToken, issued}); err != nil {
			return nil, err
		}
		token = tx.NotificationToken()
	}

	callback, err := e.notificationURL(token)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "build notification url", Err: err}
	}
	body, err := payload.BuildInit(payload.Init{
		MerchantID:       tx.MerchantID(),
		AcctNumber:       number,
		EventCallbackURL: callback,
		RequestorTransID: rid,
	})
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "build init payload", Err: err}
	}

	start := time.Now()
	resp, err := e.client.Init(ctx, body)
	e.observe(MetricUpstreamLatency, time.Since(start))
	if err != nil {
		return nil, e.initFailed(ctx, tx, upstreamError("init", err))
	}

	sid := strings.TrimSpace(resp.Get("threeDSServerTransID").String())
	authURL := strings.TrimSpace(resp.Get("authUrl").String())
	switch {
	case sid == "":
		return nil, e.initFailed(ctx, tx, malformedResponse("init", "missing threeDSServerTransID"))
	case authURL == "":
		return nil, e.initFailed(ctx, tx, malformedResponse("init", "missing authUrl"))
	}

	if err := tx.setOnce(
		fieldWrite{&tx.serverTransID, sid},
		fieldWrite{&tx.callbackURL, resp.Get("threeDSServerCallbackUrl").String()},
		fieldWrite{&tx.authURL, authURL},
		fieldWrite{&tx.monitoringURL, resp.Get("monUrl").String()},
	); err != nil {
		return nil, e.initFailed(ctx, tx, err)
	}
	if err := e.register(ctx, tx); err != nil {
		return nil, e.initFailed(ctx, tx, err)
	}

	e.metricInc(MetricInitSuccess)
	e.emitAudit(ctx, auditEventInitSuccess, phaseInitiate, tx, true, nil, nil)
	e.logger.Debug("transaction initiated",
		zap.String("server_trans_id", sid),
		zap.String("requestor_trans_id", rid),
		zap.String("card", tx.MaskedCardNumber()),
	)

	return &InitiateResult{
		ServerTransID:     sid,
		CallbackURL:       tx.CallbackURL(),
		AuthURL:           authURL,
		MonitoringURL:     tx.MonitoringURL(),
		RequestorTransID:  rid,
		NotificationToken: token,
	}, nil
}

func (e *Engine) initFailed(ctx context.Context, tx *TransactionContext, err error) error {
	e.metricInc(MetricInitFailure)
	e.emitAudit(ctx, auditEventInitFailure, phaseInitiate, tx, false, err, nil)
	e.logger.Warn("transaction init failed",
		zap.String("requestor_trans_id", tx.RequestorTransactionID()),
		zap.String("card", tx.MaskedCardNumber()),
		zap.Error(err),
	)
	return err
}

// notificationURL binds token into the configured callback URL.
func (e *Engine) notificationURL(token string) (string, error) {
	u, err := url.Parse(e.config.Notification.CallbackURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
