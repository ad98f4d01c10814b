package goThreeDS

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goThreeDS/internal/rate"
	"github.com/MrEthical07/goThreeDS/internal/stores"
	"go.uber.org/zap"
)

// Notify describes the notify operation and its observable behavior.
//
// Notify authenticates an out-of-band notification with its token and
// routes it to the listener of the transaction the token is bound to, in
// this process or, with the relay enabled, in whichever process owns it.
// A notification nobody listens for any more is dropped without error.
func (e *Engine) Notify(ctx context.Context, token string, n Notification) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.limiter.AllowNotification(ctx, clientIPFromContext(ctx)); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.emitRateLimit(ctx, "notification")
			return ErrNotificationRateLimited
		}
		e.logger.Warn("notification rate limit unavailable", zap.Error(err))
	}

	if !n.Event.Known() {
		return e.rejectNotification(ctx, n, ErrNotificationInvalid)
	}

	claims, err := e.tokens.Parse(token)
	if err != nil {
		e.logger.Debug("notification token rejected", zap.Error(err))
		return e.rejectNotification(ctx, n, ErrNotificationUnauthorized)
	}
	rid := claims.RequestorTransID
	if n.RequestorTransID != "" && n.RequestorTransID != rid {
		return e.rejectNotification(ctx, n, ErrNotificationUnauthorized)
	}

	sid, err := e.resolveRequestor(ctx, rid)
	if err != nil {
		return e.rejectNotification(ctx, n, err)
	}
	if n.ServerTransID != "" && n.ServerTransID != sid {
		return e.rejectNotification(ctx, n, ErrNotificationUnauthorized)
	}
	n.ServerTransID = sid
	n.RequestorTransID = rid

	if !e.deliver(ctx, n) {
		e.metricInc(MetricNotificationUndelivered)
		e.logger.Debug("notification not delivered",
			zap.String("server_trans_id", sid),
			zap.String("event", string(n.Event)),
		)
		return nil
	}
	e.metricInc(MetricNotificationAccepted)
	return nil
}

func (e *Engine) deliver(ctx context.Context, n Notification) bool {
	e.mu.Lock()
	_, local := e.active[n.ServerTransID]
	e.mu.Unlock()

	if local || e.relay == nil {
		return e.hub.Publish(n.ServerTransID, n)
	}
	receivers, err := e.relay.Publish(ctx, n.ServerTransID, n)
	if err != nil {
		e.logger.Warn("notification relay publish failed",
			zap.String("server_trans_id", n.ServerTransID),
			zap.Error(err),
		)
		return false
	}
	return receivers > 0
}

func (e *Engine) resolveRequestor(ctx context.Context, rid string) (string, error) {
	e.mu.Lock()
	sid, ok := e.byRequestor[rid]
	e.mu.Unlock()
	if ok {
		return sid, nil
	}

	sid, err := e.store.ResolveRequestor(ctx, rid)
	if err != nil {
		if errors.Is(err, stores.ErrTransactionNotFound) {
			return "", ErrTransactionNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sid, nil
}

func (e *Engine) rejectNotification(ctx context.Context, n Notification, err error) error {
	e.metricInc(MetricNotificationRejected)
	e.emitAudit(ctx, auditEventNotificationRejected, phaseNotification, nil, false, err, func() map[string]string {
		return map[string]string{
			"event":   string(n.Event),
			"channel": string(n.Channel),
		}
	})
	return err
}
