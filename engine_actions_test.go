package goThreeDS

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

func TestHandleActionFlow(t *testing.T) {
	fake := newFakeThreeDS(t, "C", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	ctx := context.Background()

	initOut, err := engine.HandleAction(ctx, []byte(fmt.Sprintf(
		`{"action":"init","authData":{"acctNumber":%q,"merchantId":"merchant-9"}}`, testCard)))
	if err != nil {
		t.Fatalf("init action failed: %v", err)
	}
	sid := gjson.GetBytes(initOut, "threeDSServerTransID").String()
	rid := gjson.GetBytes(initOut, "threeDSRequestorTransID").String()
	token := gjson.GetBytes(initOut, "notificationToken").String()
	if sid == "" || rid == "" || token == "" {
		t.Fatalf("unexpected init answer %s", initOut)
	}
	if !gjson.GetBytes(initOut, "authUrl").Exists() {
		t.Fatalf("expected authUrl in %s", initOut)
	}

	if err := engine.Notify(ctx, token, Notification{Event: EventMethodFinished, Param: testBrowserBlob(t)}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	tx, err := engine.Lookup(ctx, sid)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if _, err := engine.CollectFingerprint(ctx, tx, time.Second); err != nil {
		t.Fatalf("CollectFingerprint failed: %v", err)
	}

	authOut, err := engine.HandleAction(ctx, []byte(fmt.Sprintf(`{
		"action": "auth",
		"threeDSServerTransID": %q,
		"threeDSRequestorTransID": %q,
		"acctNumber": %q,
		"cardExpiryDate": "12/99",
		"purchaseAmount": "25.50",
		"purchaseCurrency": "GBP",
		"merchantId": "merchant-9",
		"additionalData": {"cardholderName": "A Person"}
	}`, sid, rid, testCard)))
	if err != nil {
		t.Fatalf("auth action failed: %v", err)
	}
	if gjson.GetBytes(authOut, "transStatus").String() != "C" {
		t.Fatalf("expected the raw auth answer, got %s", authOut)
	}
	body := fake.lastAuthBody()
	if gjson.GetBytes(body, "purchaseAmount").String() != "2550" || gjson.GetBytes(body, "purchaseCurrency").String() != "826" {
		t.Fatalf("unexpected auth payload %s", body)
	}
	if gjson.GetBytes(body, "cardholderName").String() != "A Person" {
		t.Fatalf("expected additional data in %s", body)
	}

	statusOut, err := engine.HandleAction(ctx, []byte(fmt.Sprintf(
		`{"action":"updateChallengeStatus","threeDSServerTransID":%q,"status":"02"}`, sid)))
	if err != nil {
		t.Fatalf("updateChallengeStatus action failed: %v", err)
	}
	if gjson.GetBytes(statusOut, "status").String() != "ok" {
		t.Fatalf("unexpected status answer %s", statusOut)
	}
	fake.mu.Lock()
	sent := gjson.GetBytes(fake.challengeBodies[0], "status").String()
	fake.mu.Unlock()
	if sent != "02" {
		t.Fatalf("expected the requested status to be sent, got %q", sent)
	}

	resultOut, err := engine.HandleAction(ctx, []byte(fmt.Sprintf(
		`{"action":"getAuthResult","threeDSServerTransID":%q}`, sid)))
	if err != nil {
		t.Fatalf("getAuthResult action failed: %v", err)
	}
	if gjson.GetBytes(resultOut, "status").String() != "success" ||
		gjson.GetBytes(resultOut, "message").String() != "Payment Authenticated Successfully" ||
		gjson.GetBytes(resultOut, "details.eci").String() != "05" {
		t.Fatalf("unexpected result answer %s", resultOut)
	}
}

func TestHandleActionRejectsBadEnvelopes(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})

	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `action=init`, ErrMalformedRequest},
		{"array", `[{"action":"init"}]`, ErrMalformedRequest},
		{"missing action", `{"acctNumber":"4111111111111111"}`, ErrUnknownAction},
		{"unknown action", `{"action":"refund"}`, ErrUnknownAction},
		{"wrong case", `{"action":"GetAuthResult"}`, ErrUnknownAction},
		{"result without id", `{"action":"getAuthResult"}`, ErrTransactionIDRequired},
		{"result bad id", `{"action":"getAuthResult","threeDSServerTransID":"abc"}`, ErrTransactionIDInvalid},
		{"result unknown id", fmt.Sprintf(`{"action":"getAuthResult","threeDSServerTransID":%q}`, uuid.NewString()), ErrTransactionNotFound},
		{"init without card", `{"action":"init"}`, ErrCardNumberRequired},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.HandleAction(context.Background(), []byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if HTTPStatus(ErrUnknownAction) != 400 || HTTPStatus(ErrTransactionNotFound) != 404 {
		t.Fatal("unexpected status mapping")
	}
	if fake.initCalls.Load() != 0 || fake.resultCalls.Load() != 0 {
		t.Fatal("rejected envelopes must not reach the 3DS server")
	}
}

func TestHandleActionRateLimitedPerAction(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{mutate: func(c *Config) {
		c.RateLimit.MaxActionsPerWindow = 1
		c.RateLimit.ActionWindow = time.Minute
	}})
	ctx := WithClientIP(context.Background(), "192.0.2.1")
	body := []byte(fmt.Sprintf(`{"action":"init","acctNumber":%q}`, testCard))

	if _, err := engine.HandleAction(ctx, body); err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	if _, err := engine.HandleAction(ctx, body); !errors.Is(err, ErrDispatchRateLimited) {
		t.Fatalf("expected ErrDispatchRateLimited, got %v", err)
	}
	if fake.initCalls.Load() != 1 {
		t.Fatalf("rate limited action must not reach the server, got %d calls", fake.initCalls.Load())
	}

	// Each action has its own budget.
	_, err := engine.HandleAction(ctx, []byte(fmt.Sprintf(`{"action":"getAuthResult","threeDSServerTransID":%q}`, uuid.NewString())))
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected a separate getAuthResult budget, got %v", err)
	}
	if engine.MetricsSnapshot().Counters[MetricRateLimitHit] != 1 {
		t.Fatal("expected rate limit metric")
	}
}

func TestHandleActionAuthValidatesBeforeNetwork(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	ctx := context.Background()

	tx, _, err := engine.Initiate(ctx, InitiateRequest{CardNumber: testCard})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	_, err = engine.HandleAction(ctx, []byte(fmt.Sprintf(`{
		"action": "auth",
		"threeDSServerTransID": %q,
		"threeDSRequestorTransID": %q,
		"acctNumber": %q,
		"browserInfo": %q,
		"additionalData": "not-an-object"
	}`, tx.ServerTransactionID(), tx.RequestorTransactionID(), testCard, testBrowserBlob(t))))
	if !errors.Is(err, ErrAdditionalDataInvalid) {
		t.Fatalf("expected ErrAdditionalDataInvalid, got %v", err)
	}
	if fake.authCalls.Load() != 0 {
		t.Fatal("invalid auth action must not reach the server")
	}
}
