package goThreeDS

import (
	"context"
	"time"

	"github.com/MrEthical07/goThreeDS/browserinfo"
	"go.uber.org/zap"
)

// SignalFingerprint applies a 3DSMethodFinished or 3DSMethodSkipped
// notification to tx. It reports true for the single notification that
// completes the fingerprint phase.
//
// An invalid param blob is rejected with ErrInvalidBrowserInfo and leaves the
// phase open. A notification without param only completes the phase when
// browser info already arrived through another channel.
func (e *Engine) SignalFingerprint(ctx context.Context, tx *TransactionContext, n Notification) (bool, error) {
	if e == nil {
		return false, ErrEngineNotReady
	}
	if tx == nil {
		return false, ErrNotInitiated
	}
	if !n.Event.Fingerprint() {
		return false, nil
	}

	if n.Param != "" {
		info, err := browserinfo.Decode(n.Param)
		if err != nil {
			e.rejectFingerprint(ctx, tx, n, ErrInvalidBrowserInfo)
			return false, ErrInvalidBrowserInfo
		}
		tx.setBrowserInfo(info)
	} else if _, ok := tx.BrowserInfo(); !ok {
		e.rejectFingerprint(ctx, tx, n, ErrMissingBrowserInfo)
		return false, ErrMissingBrowserInfo
	}

	if !tx.markEventReceived() {
		return false, nil
	}

	e.metricInc(MetricFingerprintReceived)
	e.emitAudit(ctx, auditEventFingerprintReceived, phaseFingerprint, tx, true, nil, func() map[string]string {
		return map[string]string{"event": string(n.Event), "channel": string(n.Channel)}
	})
	e.persist(ctx, tx, 0)
	return true, nil
}

func (e *Engine) rejectFingerprint(ctx context.Context, tx *TransactionContext, n Notification, err error) {
	e.metricInc(MetricFingerprintRejected)
	e.emitAudit(ctx, auditEventFingerprintRejected, phaseFingerprint, tx, false, err, func() map[string]string {
		return map[string]string{"event": string(n.Event), "channel": string(n.Channel)}
	})
	e.logger.Debug("fingerprint notification rejected",
		zap.String("server_trans_id", tx.ServerTransactionID()),
		zap.String("event", string(n.Event)),
		zap.Error(err),
	)
}

// CollectFingerprint describes the collectfingerprint operation and its observable behavior.
//
// CollectFingerprint waits until a fingerprint notification completes the
// phase or timeout elapses; a zero timeout uses Config.Fingerprint.Timeout.
// At the timeout, browser info supplied through SupplyBrowserInfo is still
// accepted. Otherwise it fails with ErrMissingBrowserInfo.
func (e *Engine) CollectFingerprint(ctx context.Context, tx *TransactionContext, timeout time.Duration) (browserinfo.Info, error) {
	if e == nil {
		return browserinfo.Info{}, ErrEngineNotReady
	}
	if tx == nil || tx.ServerTransactionID() == "" {
		return browserinfo.Info{}, ErrNotInitiated
	}
	if timeout <= 0 {
		timeout = e.config.Fingerprint.Timeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tx.fingerprintDone:
		if info, ok := tx.BrowserInfo(); ok {
			return info, nil
		}
		return browserinfo.Info{}, ErrMissingBrowserInfo
	case <-timer.C:
		if info, ok := tx.BrowserInfo(); ok {
			e.metricInc(MetricFingerprintSideChannel)
			e.persist(ctx, tx, 0)
			return info, nil
		}
		e.metricInc(MetricFingerprintTimeout)
		e.emitAudit(ctx, auditEventFingerprintTimeout, phaseFingerprint, tx, false, ErrMissingBrowserInfo, func() map[string]string {
			return map[string]string{"timeout": timeout.String()}
		})
		e.logger.Info("fingerprint not received in time",
			zap.String("server_trans_id", tx.ServerTransactionID()),
			zap.Duration("timeout", timeout),
		)
		return browserinfo.Info{}, ErrMissingBrowserInfo
	case <-ctx.Done():
		return browserinfo.Info{}, ctx.Err()
	}
}
