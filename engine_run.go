package goThreeDS

import (
	"context"
	"strings"
)

// Run describes the run operation and its observable behavior.
//
// Run drives one attempt through initiate, fingerprint collection,
// authentication and, when the issuer asks for it, the challenge. Empty
// transaction IDs, card number and merchant in req.Authenticate are taken
// from the transaction. The transaction is returned whenever it was
// created, including on error; failed attempts are released.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*TransactionContext, *Outcome, error) {
	if e == nil {
		return nil, nil, ErrEngineNotReady
	}

	tx, initRes, err := e.Initiate(ctx, req.Initiate)
	if err != nil {
		return tx, nil, err
	}

	fail := func(err error) (*TransactionContext, *Outcome, error) {
		e.Release(tx)
		return tx, nil, err
	}

	if req.OnInitiated != nil {
		if err := req.OnInitiated(ctx, tx, initRes); err != nil {
			return fail(err)
		}
	}

	if _, err := e.CollectFingerprint(ctx, tx, req.FingerprintTimeout); err != nil {
		return fail(err)
	}

	auth := req.Authenticate
	if strings.TrimSpace(auth.ServerTransID) == "" {
		auth.ServerTransID = tx.ServerTransactionID()
	}
	if strings.TrimSpace(auth.RequestorTransID) == "" {
		auth.RequestorTransID = tx.RequestorTransactionID()
	}
	if strings.TrimSpace(auth.CardNumber) == "" {
		auth.CardNumber = tx.card()
	}
	if strings.TrimSpace(auth.MerchantID) == "" {
		auth.MerchantID = tx.MerchantID()
	}

	res, err := e.Authenticate(ctx, tx, auth)
	if err != nil {
		return fail(err)
	}
	if !res.ChallengeRequired() {
		out := res.Outcome()
		return tx, &out, nil
	}

	if req.OnChallenge != nil {
		if err := req.OnChallenge(ctx, tx, res); err != nil {
			return fail(err)
		}
	}

	out, err := e.AwaitChallenge(ctx, tx)
	if err != nil {
		return fail(err)
	}
	return tx, out, nil
}
