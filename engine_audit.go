package goThreeDS

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventInitSuccess            = "init_success"
	auditEventInitFailure            = "init_failure"
	auditEventFingerprintReceived    = "fingerprint_received"
	auditEventFingerprintRejected    = "fingerprint_rejected"
	auditEventFingerprintTimeout     = "fingerprint_timeout"
	auditEventAuthSuccess            = "auth_success"
	auditEventAuthFailure            = "auth_failure"
	auditEventChallengeCompleted     = "challenge_completed"
	auditEventChallengeStatusUpdated = "challenge_status_updated"
	auditEventChallengeFailure       = "challenge_failure"
	auditEventResultResolved         = "result_resolved"
	auditEventResultFailure          = "result_failure"
	auditEventNotificationRejected   = "notification_rejected"
	auditEventRateLimitTriggered     = "rate_limit_triggered"
)

const (
	phaseInitiate     = "initiate"
	phaseFingerprint  = "fingerprint"
	phaseAuthenticate = "authenticate"
	phaseChallenge    = "challenge"
	phaseResult       = "result"
	phaseNotification = "notification"
	phaseDispatch     = "dispatch"
)

// AuditErrorCode is the stable error label carried by audit events.
type AuditErrorCode string

const (
	auditErrValidation       AuditErrorCode = "validation"
	auditErrCardInvalid      AuditErrorCode = "card_invalid"
	auditErrBrowserInfo      AuditErrorCode = "browser_info"
	auditErrNotFound         AuditErrorCode = "transaction_not_found"
	auditErrRateLimited      AuditErrorCode = "rate_limited"
	auditErrUnauthorized     AuditErrorCode = "unauthorized"
	auditErrProtocol         AuditErrorCode = "protocol"
	auditErrUpstream         AuditErrorCode = "upstream"
	auditErrChallengeTimeout AuditErrorCode = "challenge_timeout"
	auditErrStoreUnavailable AuditErrorCode = "backend_unavailable"
	auditErrCanceled         AuditErrorCode = "canceled"
	auditErrInternal         AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	phase string,
	tx *TransactionContext,
	success bool,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Phase:     phase,
		RequestID: requestIDFromContext(ctx),
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if tx != nil {
		event.ServerTransID = tx.ServerTransactionID()
		event.RequestorTransID = tx.RequestorTransactionID()
		event.Card = tx.MaskedCardNumber()
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, phaseDispatch, nil, false, ErrRateLimited, func() map[string]string {
		return map[string]string{
			"scope": scope,
		}
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return auditErrCanceled
	case errors.Is(err, ErrCardNumberRequired),
		errors.Is(err, ErrCardNumberInvalid),
		errors.Is(err, ErrCardNumberMismatch),
		errors.Is(err, ErrExpiryInvalid),
		errors.Is(err, ErrExpiryMismatch):
		return auditErrCardInvalid
	case errors.Is(err, ErrMissingBrowserInfo),
		errors.Is(err, ErrInvalidBrowserInfo):
		return auditErrBrowserInfo
	case errors.Is(err, ErrNotificationUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrChallengeTimeout):
		return auditErrChallengeTimeout
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrStoreUnavailable
	}

	switch KindOf(err) {
	case KindValidation:
		return auditErrValidation
	case KindNotFound:
		return auditErrNotFound
	case KindRateLimited:
		return auditErrRateLimited
	case KindProtocol:
		return auditErrProtocol
	case KindUpstream:
		return auditErrUpstream
	default:
		return auditErrInternal
	}
}
