package goThreeDS

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/goThreeDS/internal/payload"
	"github.com/MrEthical07/goThreeDS/internal/remote"
	"github.com/MrEthical07/goThreeDS/internal/stores"
	"go.uber.org/zap"
)

// UpdateChallengeStatus describes the updatechallengestatus operation and its observable behavior.
//
// UpdateChallengeStatus posts status (Config.Challenge.DefaultStatus when
// empty) for tx. A provider answer saying the challenge was already
// completed is a success with AlreadyCompleted set.
func (e *Engine) UpdateChallengeStatus(ctx context.Context, tx *TransactionContext, status string) (*ChallengeStatusResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if tx == nil {
		return nil, ErrNotInitiated
	}
	sid := tx.ServerTransactionID()
	if sid == "" {
		return nil, ErrTransactionIDRequired
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = e.config.Challenge.DefaultStatus
	}

	body, err := payload.BuildChallengeStatus(sid, status)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "build challenge status payload", Err: err}
	}

	start := time.Now()
	resp, err := e.client.ChallengeStatus(ctx, body)
	e.observe(MetricUpstreamLatency, time.Since(start))
	if err != nil {
		var se *remote.StatusError
		if errors.As(err, &se) && e.alreadyCompleted(se.ErrorCode, se.Description) {
			return e.challengeAlreadyCompleted(ctx, tx, se.Body), nil
		}
		err = upstreamError("challenge status", err)
		e.emitAudit(ctx, auditEventChallengeFailure, phaseChallenge, tx, false, err, nil)
		return nil, err
	}

	if code := resp.Get("errorCode").String(); code != "" {
		desc := resp.Get("errorDescription").String()
		if e.alreadyCompleted(code, desc) {
			return e.challengeAlreadyCompleted(ctx, tx, resp.Body), nil
		}
		err := &UpstreamError{
			Operation:   "challenge status",
			StatusCode:  resp.StatusCode,
			ErrorCode:   code,
			Description: desc,
		}
		e.emitAudit(ctx, auditEventChallengeFailure, phaseChallenge, tx, false, err, nil)
		return nil, err
	}

	e.emitAudit(ctx, auditEventChallengeStatusUpdated, phaseChallenge, tx, true, nil, func() map[string]string {
		return map[string]string{"status": status}
	})
	return &ChallengeStatusResult{Raw: resp.Body}, nil
}

func (e *Engine) challengeAlreadyCompleted(ctx context.Context, tx *TransactionContext, raw []byte) *ChallengeStatusResult {
	e.metricInc(MetricChallengeAlreadyCompleted)
	e.emitAudit(ctx, auditEventChallengeStatusUpdated, phaseChallenge, tx, true, nil, func() map[string]string {
		return map[string]string{"already_completed": "true"}
	})
	e.logger.Info("challenge already completed upstream",
		zap.String("server_trans_id", tx.ServerTransactionID()),
	)
	return &ChallengeStatusResult{AlreadyCompleted: true, Raw: raw}
}

func (e *Engine) alreadyCompleted(code, description string) bool {
	for _, c := range e.config.Server.AlreadyCompletedCodes {
		if code != "" && code == c {
			return true
		}
	}
	return strings.Contains(strings.ToLower(description), "already completed")
}

// ResolveResult describes the resolveresult operation and its observable behavior.
//
// ResolveResult fetches and translates the final result for tx. Concurrent
// calls for the same server transaction ID share one upstream request. The
// returned Outcome is a copy owned by the caller.
func (e *Engine) ResolveResult(ctx context.Context, tx *TransactionContext) (*Outcome, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if tx == nil {
		return nil, ErrNotInitiated
	}
	sid := tx.ServerTransactionID()
	if sid == "" {
		return nil, ErrTransactionIDRequired
	}

	v, err, _ := e.results.Do(sid, func() (any, error) {
		start := time.Now()
		resp, err := e.client.Result(ctx, sid)
		e.observe(MetricUpstreamLatency, time.Since(start))
		if err != nil {
			return nil, upstreamError("result", err)
		}

		status := strings.TrimSpace(resp.Get("transStatus").String())
		out := TranslateStatus(status)
		out.Details = json.RawMessage(resp.Body)
		if status != "" {
			tx.setRawTransStatus(status)
		}
		e.persist(ctx, tx, stores.FlagResolved)
		return &out, nil
	})
	if err != nil {
		e.metricInc(MetricResultFailure)
		e.emitAudit(ctx, auditEventResultFailure, phaseResult, tx, false, err, nil)
		e.logger.Warn("result fetch failed",
			zap.String("server_trans_id", sid),
			zap.Error(err),
		)
		return nil, err
	}

	out := *v.(*Outcome)
	e.metricInc(MetricResultSuccess)
	e.emitAudit(ctx, auditEventResultResolved, phaseResult, tx, true, nil, func() map[string]string {
		return map[string]string{
			"trans_status": out.RawStatus,
			"category":     string(out.Category),
		}
	})
	return &out, nil
}
