package goThreeDS

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MrEthical07/goThreeDS/internal/rate"
	"github.com/iancoleman/strcase"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Dispatcher actions.
const (
	ActionInit                  = "init"
	ActionAuth                  = "auth"
	ActionGetAuthResult         = "getAuthResult"
	ActionUpdateChallengeStatus = "updateChallengeStatus"
)

// HandleAction describes the handleaction operation and its observable behavior.
//
// HandleAction dispatches a JSON envelope on its "action" member and returns
// the JSON answer for it. Request fields are read from the top level, with
// authData as a fallback. Transactions are found through Lookup, so any
// process sharing the Redis store can serve any action.
func (e *Engine) HandleAction(ctx context.Context, body []byte) (json.RawMessage, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, ErrMalformedRequest
	}
	doc := gjson.ParseBytes(body)
	action := strings.TrimSpace(doc.Get("action").String())

	switch action {
	case ActionInit, ActionAuth, ActionGetAuthResult, ActionUpdateChallengeStatus:
	default:
		return nil, ErrUnknownAction
	}

	label := strcase.ToSnake(action)
	if err := e.limiter.AllowAction(ctx, label, clientIPFromContext(ctx)); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.emitRateLimit(ctx, label)
			return nil, ErrDispatchRateLimited
		}
		e.logger.Warn("action rate limit unavailable", zap.String("action", label), zap.Error(err))
	}

	var (
		out json.RawMessage
		err error
	)
	switch action {
	case ActionInit:
		out, err = e.actionInit(ctx, doc)
	case ActionAuth:
		out, err = e.actionAuth(ctx, doc)
	case ActionGetAuthResult:
		out, err = e.actionGetAuthResult(ctx, doc)
	case ActionUpdateChallengeStatus:
		out, err = e.actionUpdateChallengeStatus(ctx, doc)
	}
	if err != nil {
		e.logger.Debug("action failed",
			zap.String("action", label),
			zap.String("kind", KindOf(err).String()),
			zap.Error(err),
		)
		return nil, err
	}
	return out, nil
}

func (e *Engine) actionInit(ctx context.Context, doc gjson.Result) (json.RawMessage, error) {
	_, res, err := e.Initiate(ctx, InitiateRequest{
		CardNumber: requestField(doc, "acctNumber").String(),
		MerchantID: requestField(doc, "merchantId").String(),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (e *Engine) actionAuth(ctx context.Context, doc gjson.Result) (json.RawMessage, error) {
	req := AuthenticateRequest{
		ServerTransID:    requestField(doc, "threeDSServerTransID").String(),
		RequestorTransID: requestField(doc, "threeDSRequestorTransID").String(),
		CardNumber:       requestField(doc, "acctNumber").String(),
		BrowserInfo:      requestField(doc, "browserInfo").String(),
		CardExpiryDate:   requestField(doc, "cardExpiryDate").String(),
		PurchaseAmount:   requestField(doc, "purchaseAmount").String(),
		PurchaseCurrency: requestField(doc, "purchaseCurrency").String(),
		MerchantID:       requestField(doc, "merchantId").String(),
		PurchaseDate:     requestField(doc, "purchaseDate").String(),
	}
	if extra := requestField(doc, "additionalData"); extra.Exists() {
		req.AdditionalData = json.RawMessage(extra.Raw)
	}

	tx, err := e.lookupFor(ctx, req.ServerTransID)
	if err != nil {
		return nil, err
	}
	res, err := e.Authenticate(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	return res.MarshalJSON()
}

func (e *Engine) actionGetAuthResult(ctx context.Context, doc gjson.Result) (json.RawMessage, error) {
	tx, err := e.lookupFor(ctx, requestField(doc, "threeDSServerTransID").String())
	if err != nil {
		return nil, err
	}
	out, err := e.ResolveResult(ctx, tx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (e *Engine) actionUpdateChallengeStatus(ctx context.Context, doc gjson.Result) (json.RawMessage, error) {
	tx, err := e.lookupFor(ctx, requestField(doc, "threeDSServerTransID").String())
	if err != nil {
		return nil, err
	}
	res, err := e.UpdateChallengeStatus(ctx, tx, requestField(doc, "status").String())
	if err != nil {
		return nil, err
	}
	return res.MarshalJSON()
}

func (e *Engine) lookupFor(ctx context.Context, serverTransID string) (*TransactionContext, error) {
	serverTransID = strings.TrimSpace(serverTransID)
	if serverTransID == "" {
		return nil, ErrTransactionIDRequired
	}
	if !strictUUID(serverTransID) {
		return nil, ErrTransactionIDInvalid
	}
	return e.Lookup(ctx, serverTransID)
}

func requestField(doc gjson.Result, name string) gjson.Result {
	if v := doc.Get(name); v.Exists() {
		return v
	}
	return doc.Get("authData." + name)
}
