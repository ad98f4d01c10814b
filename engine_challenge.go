package goThreeDS

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SignalChallenge describes the signalchallenge operation and its observable behavior.
//
// SignalChallenge applies a challenge completion event (InitAuthTimedOut,
// Challenge:Completed or AuthResultReady) to tx. Only the first event wins
// the completion flag; it updates the challenge status, fetches the result
// and reports true. Every later event is a no-op reporting false, nil.
func (e *Engine) SignalChallenge(ctx context.Context, tx *TransactionContext, n Notification) (bool, error) {
	if e == nil {
		return false, ErrEngineNotReady
	}
	if tx == nil {
		return false, ErrNotInitiated
	}
	if !n.Event.Challenge() {
		return false, nil
	}
	if !tx.challengeOpen() {
		return false, ErrChallengeNotArmed
	}

	if !tx.markChallengeCompleted() {
		e.metricInc(MetricChallengeDuplicateSignal)
		e.logger.Debug("duplicate challenge signal ignored",
			zap.String("server_trans_id", tx.ServerTransactionID()),
			zap.String("event", string(n.Event)),
		)
		return false, nil
	}

	_, err := e.completeChallenge(ctx, tx, n)
	return true, err
}

// completeChallenge runs the winner's side of the challenge: status update,
// then result fetch. The outcome is handed to every AwaitChallenge caller.
func (e *Engine) completeChallenge(ctx context.Context, tx *TransactionContext, n Notification) (*Outcome, error) {
	sid := tx.ServerTransactionID()

	out, err := e.finalizeChallenge(ctx, tx)
	tx.finishChallenge(out, err)
	e.persist(ctx, tx, 0)
	if e.owned(tx) {
		e.release(sid)
	}

	if err != nil {
		e.emitAudit(ctx, auditEventChallengeFailure, phaseChallenge, tx, false, err, func() map[string]string {
			return map[string]string{"event": string(n.Event)}
		})
		e.logger.Warn("challenge completion failed",
			zap.String("server_trans_id", sid),
			zap.String("event", string(n.Event)),
			zap.Error(err),
		)
		return nil, err
	}

	e.metricInc(MetricChallengeCompleted)
	e.emitAudit(ctx, auditEventChallengeCompleted, phaseChallenge, tx, true, nil, func() map[string]string {
		return map[string]string{
			"event":        string(n.Event),
			"trans_status": out.RawStatus,
		}
	})
	return out, nil
}

func (e *Engine) finalizeChallenge(ctx context.Context, tx *TransactionContext) (*Outcome, error) {
	if _, err := e.UpdateChallengeStatus(ctx, tx, ""); err != nil {
		return nil, err
	}
	return e.ResolveResult(ctx, tx)
}

// AwaitChallenge describes the awaitchallenge operation and its observable behavior.
//
// AwaitChallenge blocks until the winning completion signal has resolved the
// outcome, Config.Challenge.Timeout elapses (ErrChallengeTimeout), or ctx
// ends. Any number of callers may wait; all receive the same outcome.
//
// A context rebuilt by Lookup has no listener, so no signal can complete it
// here. Unless its snapshot was already completed, AwaitChallenge returns
// ErrChallengeNotListening; call ResolveResult instead.
func (e *Engine) AwaitChallenge(ctx context.Context, tx *TransactionContext) (*Outcome, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if tx == nil {
		return nil, ErrNotInitiated
	}
	if !tx.challengeOpen() {
		return nil, ErrChallengeNotArmed
	}
	if tx.rehydrated && tx.ChallengeState() != ChallengeCompleted {
		return nil, ErrChallengeNotListening
	}

	var timeout <-chan time.Time
	if d := e.config.Challenge.Timeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-tx.challengeDone:
		out, err := tx.challengeResult()
		if err != nil {
			return nil, err
		}
		if out == nil {
			// Completed by another process; only the snapshot flag is known.
			return e.ResolveResult(ctx, tx)
		}
		cp := *out
		return &cp, nil
	case <-timeout:
		e.metricInc(MetricChallengeTimeout)
		e.emitAudit(ctx, auditEventChallengeFailure, phaseChallenge, tx, false, ErrChallengeTimeout, nil)
		return nil, ErrChallengeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
