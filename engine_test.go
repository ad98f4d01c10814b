package goThreeDS

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

func notifyFingerprint(t *testing.T, engine *Engine, res *InitiateResult, param string) {
	t.Helper()
	err := engine.Notify(context.Background(), res.NotificationToken, Notification{
		Event:   EventMethodFinished,
		Param:   param,
		Channel: ChannelMonitoring,
	})
	if err != nil {
		t.Fatalf("Notify fingerprint failed: %v", err)
	}
}

// initiateAuthenticated drives a transaction up to a successful Authenticate.
func initiateAuthenticated(t *testing.T, engine *Engine) (*TransactionContext, *AuthResult) {
	t.Helper()
	ctx := context.Background()

	tx, _, err := engine.Initiate(ctx, InitiateRequest{CardNumber: testCard})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	res, err := engine.Authenticate(ctx, tx, authRequestFor(t, tx))
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	return tx, res
}

func TestScenarioFrictionlessSuccess(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	blob := testBrowserBlob(t)

	tx, out, err := engine.Run(context.Background(), RunRequest{
		Initiate: InitiateRequest{CardNumber: "4111 1111 1111 1111"},
		Authenticate: AuthenticateRequest{
			CardExpiryDate: "12/99",
		},
		OnInitiated: func(ctx context.Context, tx *TransactionContext, res *InitiateResult) error {
			notifyFingerprint(t, engine, res, blob)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Category != OutcomeSuccess || out.RawStatus != "Y" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Message != "Payment Authenticated Successfully" {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if got := fake.authCalls.Load(); got != 1 {
		t.Fatalf("expected 1 auth call, got %d", got)
	}
	if got := fake.resultCalls.Load(); got != 0 {
		t.Fatalf("frictionless flow must not fetch the result, got %d calls", got)
	}
	if !tx.EventReceived() {
		t.Fatal("expected eventReceived to be set")
	}
	if tx.RawTransStatus() != "Y" {
		t.Fatalf("expected raw status Y, got %q", tx.RawTransStatus())
	}
	if engine.ActiveTransactions() != 0 {
		t.Fatalf("expected terminal transaction to be released, %d active", engine.ActiveTransactions())
	}

	body := fake.lastAuthBody()
	checks := map[string]string{
		"authenticationInd":    "01",
		"messageCategory":      "pa",
		"purchaseAmount":       "1000",
		"purchaseCurrency":     "978",
		"purchaseExponent":     "2",
		"cardExpiryDate":       "9912",
		"acctNumber":           testCard,
		"merchantId":           testMerch,
		"browserLanguage":      "en-GB",
		"threeDSServerTransID": tx.ServerTransactionID(),
	}
	for path, want := range checks {
		if got := gjson.GetBytes(body, path).String(); got != want {
			t.Fatalf("auth payload %s = %q, want %q", path, got, want)
		}
	}
	if !gjson.GetBytes(body, "browserJavascriptEnabled").Bool() {
		t.Fatal("expected browserJavascriptEnabled true")
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricAuthFrictionless] != 1 || snap.Counters[MetricFingerprintReceived] != 1 {
		t.Fatalf("unexpected counters: %+v", snap.Counters)
	}
}

func TestScenarioChallengeWithTwoSignals(t *testing.T) {
	fake := newFakeThreeDS(t, "C", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	blob := testBrowserBlob(t)

	var initRes *InitiateResult
	tx, out, err := engine.Run(context.Background(), RunRequest{
		Initiate:     InitiateRequest{CardNumber: testCard},
		Authenticate: AuthenticateRequest{CardExpiryDate: "12/99"},
		OnInitiated: func(ctx context.Context, tx *TransactionContext, res *InitiateResult) error {
			initRes = res
			notifyFingerprint(t, engine, res, blob)
			return nil
		},
		OnChallenge: func(ctx context.Context, tx *TransactionContext, res *AuthResult) error {
			if res.ChallengeURL != "https://acs.example/challenge" {
				t.Errorf("unexpected challenge url %q", res.ChallengeURL)
			}
			for _, ev := range []Event{EventChallengeCompleted, EventAuthResultReady} {
				if err := engine.Notify(ctx, initRes.NotificationToken, Notification{Event: ev, Channel: ChannelChallenge}); err != nil {
					t.Errorf("Notify %s failed: %v", ev, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Category != OutcomeSuccess || out.RawStatus != "Y" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if gjson.GetBytes(out.Details, "eci").String() != "05" {
		t.Fatalf("expected raw result body as details, got %s", out.Details)
	}
	if tx.ChallengeState() != ChallengeCompleted {
		t.Fatalf("expected completed challenge, got %s", tx.ChallengeState())
	}

	eventually(t, "second signal to be discarded", func() bool {
		snap := engine.MetricsSnapshot()
		return snap.Counters[MetricChallengeDuplicateSignal]+snap.Counters[MetricNotificationUndelivered] == 1
	})
	if got := fake.statusCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 challenge status update, got %d", got)
	}
	if got := fake.resultCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 result fetch, got %d", got)
	}
	fake.mu.Lock()
	status := gjson.GetBytes(fake.challengeBodies[0], "status").String()
	fake.mu.Unlock()
	if status != "01" {
		t.Fatalf("expected default status 01, got %q", status)
	}
}

func TestChallengeSignalsIdempotentInEitherOrder(t *testing.T) {
	orders := [][]Event{
		{EventChallengeCompleted, EventAuthResultReady},
		{EventAuthResultReady, EventChallengeCompleted},
		{EventInitAuthTimedOut, EventChallengeCompleted},
	}
	for _, order := range orders {
		order := order
		t.Run(string(order[0])+"_first", func(t *testing.T) {
			fake := newFakeThreeDS(t, "C", "N")
			engine := newTestEngine(t, fake, testEngineOptions{})
			tx, res := initiateAuthenticated(t, engine)
			if !res.ChallengeRequired() {
				t.Fatalf("expected challenge, got %q", res.TransStatus)
			}

			won, err := engine.SignalChallenge(context.Background(), tx, Notification{Event: order[0]})
			if err != nil || !won {
				t.Fatalf("first signal: won=%v err=%v", won, err)
			}
			won, err = engine.SignalChallenge(context.Background(), tx, Notification{Event: order[1]})
			if err != nil || won {
				t.Fatalf("second signal must be a silent no-op: won=%v err=%v", won, err)
			}

			out, err := engine.AwaitChallenge(context.Background(), tx)
			if err != nil {
				t.Fatalf("AwaitChallenge failed: %v", err)
			}
			if out.Category != OutcomeFailed {
				t.Fatalf("expected failed outcome, got %+v", out)
			}
			if fake.statusCalls.Load() != 1 || fake.resultCalls.Load() != 1 {
				t.Fatalf("expected 1 update and 1 result call, got %d and %d", fake.statusCalls.Load(), fake.resultCalls.Load())
			}
		})
	}
}

func TestChallengeConcurrentSignalsSingleWinner(t *testing.T) {
	fake := newFakeThreeDS(t, "C", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	tx, _ := initiateAuthenticated(t, engine)

	const signals = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for i := 0; i < signals; i++ {
		ev := EventChallengeCompleted
		if i%2 == 1 {
			ev = EventAuthResultReady
		}
		wg.Add(1)
		go func(ev Event) {
			defer wg.Done()
			<-start
			won, err := engine.SignalChallenge(context.Background(), tx, Notification{Event: ev})
			if err != nil {
				t.Errorf("SignalChallenge failed: %v", err)
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(ev)
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if fake.statusCalls.Load() != 1 || fake.resultCalls.Load() != 1 {
		t.Fatalf("expected 1 update and 1 result call, got %d and %d", fake.statusCalls.Load(), fake.resultCalls.Load())
	}
	if got := engine.MetricsSnapshot().Counters[MetricChallengeDuplicateSignal]; got != signals-1 {
		t.Fatalf("expected %d duplicate signals, got %d", signals-1, got)
	}
}

func TestChallengeSignalBeforeArmedIsDeferred(t *testing.T) {
	fake := newFakeThreeDS(t, "C", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	ctx := context.Background()

	tx, res, err := engine.Initiate(ctx, InitiateRequest{CardNumber: testCard})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if err := engine.Notify(ctx, res.NotificationToken, Notification{Event: EventChallengeCompleted}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if fake.statusCalls.Load() != 0 {
		t.Fatal("challenge must not complete before it is armed")
	}

	if _, err := engine.Authenticate(ctx, tx, authRequestFor(t, tx)); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	out, err := engine.AwaitChallenge(ctx, tx)
	if err != nil {
		t.Fatalf("AwaitChallenge failed: %v", err)
	}
	if out.RawStatus != "Y" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestSignalChallengeNotArmed(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	tx, _ := initiateAuthenticated(t, engine)

	_, err := engine.SignalChallenge(context.Background(), tx, Notification{Event: EventChallengeCompleted})
	if !errors.Is(err, ErrChallengeNotArmed) {
		t.Fatalf("expected ErrChallengeNotArmed, got %v", err)
	}
	won, err := engine.SignalChallenge(context.Background(), tx, Notification{Event: EventMethodFinished})
	if won || err != nil {
		t.Fatalf("fingerprint events are ignored by the challenge: won=%v err=%v", won, err)
	}
}

func TestScenarioFingerprintTimeout(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})

	tx, _, err := engine.Run(context.Background(), RunRequest{
		Initiate:           InitiateRequest{CardNumber: testCard},
		FingerprintTimeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, ErrMissingBrowserInfo) {
		t.Fatalf("expected ErrMissingBrowserInfo, got %v", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation category, got %v", err)
	}
	if fake.authCalls.Load() != 0 {
		t.Fatal("Authenticate must not be invoked after a fingerprint timeout")
	}
	if tx == nil || tx.EventReceived() {
		t.Fatal("expected transaction without a received event")
	}
	if engine.ActiveTransactions() != 0 {
		t.Fatal("expected failed attempt to be released")
	}
	if engine.MetricsSnapshot().Counters[MetricFingerprintTimeout] != 1 {
		t.Fatal("expected fingerprint timeout metric")
	}
}

func TestCollectFingerprintSideChannel(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	tx, _, err := engine.Initiate(context.Background(), InitiateRequest{CardNumber: testCard})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	if err := tx.SupplyBrowserInfo(testBrowserBlob(t)); err != nil {
		t.Fatalf("SupplyBrowserInfo failed: %v", err)
	}
	info, err := engine.CollectFingerprint(context.Background(), tx, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("CollectFingerprint failed: %v", err)
	}
	if info.ScreenWidth != 1920 {
		t.Fatalf("unexpected browser info %+v", info)
	}
	if tx.EventReceived() {
		t.Fatal("side channel must not count as the fingerprint event")
	}
	if engine.MetricsSnapshot().Counters[MetricFingerprintSideChannel] != 1 {
		t.Fatal("expected side channel metric")
	}
}

func TestCollectFingerprintInvalidBlobKeepsWaiting(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	ctx := context.Background()
	tx, res, err := engine.Initiate(ctx, InitiateRequest{CardNumber: testCard})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	notifyFingerprint(t, engine, res, "%%%not-base64%%%")
	eventually(t, "invalid blob to be rejected", func() bool {
		return engine.MetricsSnapshot().Counters[MetricFingerprintRejected] == 1
	})
	if tx.EventReceived() {
		t.Fatal("invalid blob must not complete the fingerprint")
	}

	notifyFingerprint(t, engine, res, testBrowserBlob(t))
	info, err := engine.CollectFingerprint(ctx, tx, time.Second)
	if err != nil {
		t.Fatalf("CollectFingerprint failed: %v", err)
	}
	if info.Language != "en-GB" {
		t.Fatalf("unexpected browser info %+v", info)
	}
}

func TestCollectFingerprintContextCanceled(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	tx, _, err := engine.Initiate(context.Background(), InitiateRequest{CardNumber: testCard})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.CollectFingerprint(ctx, tx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestScenarioAlreadyCompleted(t *testing.T) {
	tests := []struct {
		name string
		code string
		desc string
	}{
		{name: "configured code", code: "1040", desc: "Transaction state invalid"},
		{name: "description", code: "2001", desc: "Challenge Already Completed for transaction"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeThreeDS(t, "C", "Y")
			fake.set(func(f *fakeThreeDS) {
				f.statusErrCode = tt.code
				f.statusErrDesc = tt.desc
			})
			engine := newTestEngine(t, fake, testEngineOptions{})
			tx, _ := initiateAuthenticated(t, engine)

			won, err := engine.SignalChallenge(context.Background(), tx, Notification{Event: EventChallengeCompleted})
			if err != nil || !won {
				t.Fatalf("SignalChallenge: won=%v err=%v", won, err)
			}
			out, err := engine.AwaitChallenge(context.Background(), tx)
			if err != nil {
				t.Fatalf("AwaitChallenge failed: %v", err)
			}
			if out.Category != OutcomeSuccess {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if fake.resultCalls.Load() != 1 {
				t.Fatal("expected the result to be fetched after an already completed answer")
			}
			if engine.MetricsSnapshot().Counters[MetricChallengeAlreadyCompleted] != 1 {
				t.Fatal("expected already completed metric")
			}
		})
	}
}

func TestUpdateChallengeStatusUpstreamError(t *testing.T) {
	fake := newFakeThreeDS(t, "C", "Y")
	fake.set(func(f *fakeThreeDS) {
		f.statusErrCode = "3000"
		f.statusErrDesc = "unknown transaction"
	})
	engine := newTestEngine(t, fake, testEngineOptions{})
	tx, _ := initiateAuthenticated(t, engine)

	_, err := engine.UpdateChallengeStatus(context.Background(), tx, "")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != 400 || ue.ErrorCode != "3000" {
		t.Fatalf("expected provider details to be kept, got %#v", err)
	}

	won, err := engine.SignalChallenge(context.Background(), tx, Notification{Event: EventChallengeCompleted})
	if !won || !errors.Is(err, ErrUpstream) {
		t.Fatalf("winner must surface the failure: won=%v err=%v", won, err)
	}
	if _, err := engine.AwaitChallenge(context.Background(), tx); !errors.Is(err, ErrUpstream) {
		t.Fatalf("waiters must receive the winner's error, got %v", err)
	}
	if fake.resultCalls.Load() != 0 {
		t.Fatal("result must not be fetched after a failed status update")
	}
}

func TestAwaitChallengeTimeout(t *testing.T) {
	fake := newFakeThreeDS(t, "C", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{mutate: func(c *Config) {
		c.Challenge.Timeout = 30 * time.Millisecond
	}})
	tx, _ := initiateAuthenticated(t, engine)

	if _, err := engine.AwaitChallenge(context.Background(), tx); !errors.Is(err, ErrChallengeTimeout) {
		t.Fatalf("expected ErrChallengeTimeout, got %v", err)
	}
	if tx.ChallengeState() != ChallengeArmed {
		t.Fatalf("timeout must leave the challenge armed, got %s", tx.ChallengeState())
	}
}

func TestInitiateRequiresCardNumber(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})

	tx, _, err := engine.Initiate(context.Background(), InitiateRequest{CardNumber: " - "})
	if !errors.Is(err, ErrCardNumberRequired) {
		t.Fatalf("expected ErrCardNumberRequired, got %v", err)
	}
	if tx != nil {
		t.Fatal("expected no transaction for an empty card")
	}
	if fake.initCalls.Load() != 0 {
		t.Fatal("nothing may be sent for an empty card")
	}
}

func TestInitiatePayloadAndResult(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})

	tx, res, err := engine.Initiate(context.Background(), InitiateRequest{CardNumber: testCard, MerchantID: "merchant-2"})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	body := fake.lastInitBody()
	if gjson.GetBytes(body, "merchantId").String() != "merchant-2" {
		t.Fatalf("unexpected merchant in %s", body)
	}
	if gjson.GetBytes(body, "acctNumber").String() != testCard {
		t.Fatalf("unexpected card in %s", body)
	}
	rid, err := uuid.Parse(gjson.GetBytes(body, "threeDSRequestorTransID").String())
	if err != nil || rid.Version() != 4 || rid.Variant() != uuid.RFC4122 {
		t.Fatalf("requestor id must be a UUIDv4, got %v (%v)", rid, err)
	}
	callback, err := url.Parse(gjson.GetBytes(body, "eventCallbackUrl").String())
	if err != nil || callback.Query().Get("token") != res.NotificationToken {
		t.Fatalf("callback url must carry the notification token: %v", callback)
	}

	if res.ServerTransID != tx.ServerTransactionID() || res.RequestorTransID != rid.String() {
		t.Fatalf("unexpected init result %+v", res)
	}
	if res.AuthURL == "" || res.CallbackURL == "" || res.MonitoringURL == "" {
		t.Fatalf("expected all URLs, got %+v", res)
	}
	if tx.MerchantID() != "merchant-2" {
		t.Fatalf("unexpected merchant %q", tx.MerchantID())
	}
	if tx.MaskedCardNumber() != "411111******1111" {
		t.Fatalf("unexpected masked card %q", tx.MaskedCardNumber())
	}
	if engine.ActiveTransactions() != 1 {
		t.Fatalf("expected 1 active transaction, got %d", engine.ActiveTransactions())
	}
}

func TestInitiateUpstreamFailureAllowsRetry(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	fake.set(func(f *fakeThreeDS) { f.initFail = true })
	engine := newTestEngine(t, fake, testEngineOptions{})
	ctx := context.Background()

	tx, _, err := engine.Initiate(ctx, InitiateRequest{CardNumber: testCard})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != 500 || ue.ErrorCode != "5000" {
		t.Fatalf("expected provider status to be kept, got %#v", err)
	}
	if tx == nil || tx.ServerTransactionID() != "" {
		t.Fatal("expected an uninitiated transaction to be returned")
	}

	fake.set(func(f *fakeThreeDS) { f.initFail = false })
	res, err := engine.InitiateTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.ServerTransID == "" || tx.ServerTransactionID() != res.ServerTransID {
		t.Fatalf("unexpected retry result %+v", res)
	}
	if _, err := engine.InitiateTransaction(ctx, tx); !errors.Is(err, ErrAlreadyInitiated) {
		t.Fatalf("expected ErrAlreadyInitiated, got %v", err)
	}
}

func TestAuthenticateUpstreamFailureAllowsRetry(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	fake.set(func(f *fakeThreeDS) { f.authFail = true })
	engine := newTestEngine(t, fake, testEngineOptions{})
	ctx := context.Background()

	tx, _, err := engine.Initiate(ctx, InitiateRequest{CardNumber: testCard})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	req := authRequestFor(t, tx)
	req.PurchaseAmount = "10.00"
	_, err = engine.Authenticate(ctx, tx, req)
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != 503 || ue.ErrorCode != "5001" {
		t.Fatalf("expected upstream error with provider status, got %v", err)
	}
	if tx.PurchaseAmount() != "" || tx.Currency() != "" || tx.Expiry() != "" || tx.RawTransStatus() != "" {
		t.Fatalf("failed call must not capture fields: amount=%q currency=%q expiry=%q",
			tx.PurchaseAmount(), tx.Currency(), tx.Expiry())
	}
	if _, ok := tx.BrowserInfo(); ok {
		t.Fatal("failed call must not capture browser info")
	}

	fake.set(func(f *fakeThreeDS) { f.authFail = false })
	req.PurchaseAmount = "12.50"
	req.CardExpiryDate = "11/98"
	res, err := engine.Authenticate(ctx, tx, req)
	if err != nil {
		t.Fatalf("retry with corrected input failed: %v", err)
	}
	if res.TransStatus != "Y" {
		t.Fatalf("unexpected status %q", res.TransStatus)
	}
	if tx.PurchaseAmount() != "1250" || tx.Expiry() != "11/98" || tx.Currency() != "EUR" {
		t.Fatalf("unexpected captured fields: %s %s %s", tx.PurchaseAmount(), tx.Expiry(), tx.Currency())
	}
	if fake.authCalls.Load() != 2 {
		t.Fatalf("expected two auth calls, got %d", fake.authCalls.Load())
	}
}

func TestAuthenticateOpensChallengeAfterRecordingStatus(t *testing.T) {
	fake := newFakeThreeDS(t, "C", "Y")
	gate := make(chan struct{})
	fake.set(func(f *fakeThreeDS) { f.authGate = gate })
	engine := newTestEngine(t, fake, testEngineOptions{})
	ctx := context.Background()

	tx, res, err := engine.Initiate(ctx, InitiateRequest{CardNumber: testCard})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	// Held by the listener until the challenge opens.
	if err := engine.Notify(ctx, res.NotificationToken, Notification{Event: EventChallengeCompleted}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	type authReturn struct {
		res *AuthResult
		err error
	}
	req := authRequestFor(t, tx)
	done := make(chan authReturn, 1)
	go func() {
		r, err := engine.Authenticate(ctx, tx, req)
		done <- authReturn{r, err}
	}()

	eventually(t, "auth call in flight", func() bool { return fake.authCalls.Load() == 1 })
	if tx.ChallengeState() != ChallengeNotArmed || fake.statusCalls.Load() != 0 {
		t.Fatal("challenge must not start while authenticate is running")
	}
	close(gate)

	got := <-done
	if got.err != nil || got.res.TransStatus != "C" {
		t.Fatalf("Authenticate: %+v %v", got.res, got.err)
	}

	out, err := engine.AwaitChallenge(ctx, tx)
	if err != nil {
		t.Fatalf("AwaitChallenge failed: %v", err)
	}
	if out.RawStatus != "Y" || tx.RawTransStatus() != "Y" {
		t.Fatalf("resolved status overwritten: outcome=%q context=%q", out.RawStatus, tx.RawTransStatus())
	}
	eventually(t, "resolved snapshot", func() bool {
		record, err := engine.store.Get(ctx, tx.ServerTransactionID())
		return err == nil && record.RawTransStatus == "Y"
	})
	if fake.statusCalls.Load() != 1 || fake.resultCalls.Load() != 1 {
		t.Fatalf("expected one status and one result call, got %d and %d",
			fake.statusCalls.Load(), fake.resultCalls.Load())
	}
}

func TestAuthenticateValidationBeforeNetwork(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*AuthenticateRequest)
		want   error
	}{
		{"missing server id", func(r *AuthenticateRequest) { r.ServerTransID = "" }, ErrTransactionIDRequired},
		{"missing requestor id", func(r *AuthenticateRequest) { r.RequestorTransID = "" }, ErrTransactionIDRequired},
		{"server id not uuid", func(r *AuthenticateRequest) { r.ServerTransID = "not-a-uuid" }, ErrTransactionIDInvalid},
		{"server id braces", func(r *AuthenticateRequest) { r.ServerTransID = "{" + r.ServerTransID + "}" }, ErrTransactionIDInvalid},
		{"server id mismatch", func(r *AuthenticateRequest) { r.ServerTransID = uuid.NewString() }, ErrTransactionIDMismatch},
		{"missing card", func(r *AuthenticateRequest) { r.CardNumber = "" }, ErrCardNumberRequired},
		{"luhn failure", func(r *AuthenticateRequest) { r.CardNumber = "4111111111111112" }, ErrCardNumberInvalid},
		{"card mismatch", func(r *AuthenticateRequest) { r.CardNumber = "5555555555554444" }, ErrCardNumberMismatch},
		{"merchant mismatch", func(r *AuthenticateRequest) { r.MerchantID = "other" }, ErrMerchantIDMismatch},
		{"bad browser info", func(r *AuthenticateRequest) { r.BrowserInfo = "%%%" }, ErrInvalidBrowserInfo},
		{"missing browser info", func(r *AuthenticateRequest) { r.BrowserInfo = "" }, ErrMissingBrowserInfo},
		{"bad expiry", func(r *AuthenticateRequest) { r.CardExpiryDate = "13/30" }, ErrExpiryInvalid},
		{"expired", func(r *AuthenticateRequest) { r.CardExpiryDate = "01/20" }, ErrExpiryInvalid},
		{"bad currency", func(r *AuthenticateRequest) { r.PurchaseCurrency = "XXQ" }, ErrCurrencyInvalid},
		{"bad amount", func(r *AuthenticateRequest) { r.PurchaseAmount = "ten" }, ErrAmountInvalid},
		{"negative amount", func(r *AuthenticateRequest) { r.PurchaseAmount = "-1.00" }, ErrAmountInvalid},
		{"bad purchase date", func(r *AuthenticateRequest) { r.PurchaseDate = "2024-01-01" }, ErrPurchaseDateInvalid},
		{"additional data not object", func(r *AuthenticateRequest) { r.AdditionalData = []byte(`[1,2]`) }, ErrAdditionalDataInvalid},
		{"bad phone", func(r *AuthenticateRequest) { r.AdditionalData = []byte(`{"mobilePhone":"12"}`) }, ErrAdditionalDataInvalid},
	}

	tx, _, err := engine.Initiate(ctx, InitiateRequest{CardNumber: testCard})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	before := tx.Snapshot()

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := authRequestFor(t, tx)
			tt.mutate(&req)

			_, err := engine.Authenticate(ctx, tx, req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation category, got %v", err)
			}
			if fake.authCalls.Load() != 0 {
				t.Fatal("validation failure must not reach the network")
			}
			after := tx.Snapshot()
			if after.PurchaseAmount != before.PurchaseAmount || after.Currency != before.Currency ||
				after.Expiry != before.Expiry || after.BrowserInfo != nil || after.RawTransStatus != "" {
				t.Fatalf("validation failure mutated the context: %+v", after)
			}
		})
	}
}

func TestAuthenticateFieldsImmutableAfterwards(t *testing.T) {
	fake := newFakeThreeDS(t, "C", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	tx, _ := initiateAuthenticated(t, engine)

	if tx.PurchaseAmount() != "1000" || tx.Currency() != "EUR" || tx.Expiry() != "12/99" {
		t.Fatalf("unexpected captured fields: %s %s %s", tx.PurchaseAmount(), tx.Currency(), tx.Expiry())
	}

	tests := []struct {
		name   string
		mutate func(*AuthenticateRequest)
		want   error
	}{
		{"amount", func(r *AuthenticateRequest) { r.PurchaseAmount = "11.00" }, ErrAmountMismatch},
		{"currency", func(r *AuthenticateRequest) { r.PurchaseCurrency = "USD" }, ErrCurrencyMismatch},
		{"expiry", func(r *AuthenticateRequest) { r.CardExpiryDate = "11/99" }, ErrExpiryMismatch},
	}
	for _, tt := range tests {
		req := authRequestFor(t, tx)
		tt.mutate(&req)
		if _, err := engine.Authenticate(context.Background(), tx, req); !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
	if tx.PurchaseAmount() != "1000" || tx.Currency() != "EUR" || tx.Expiry() != "12/99" {
		t.Fatal("captured fields must stay unchanged")
	}
	if fake.authCalls.Load() != 1 {
		t.Fatal("rejected call must not reach the network")
	}
}

func TestAuthenticateDefaultsPurchaseDateFromClock(t *testing.T) {
	fixed := time.Date(2026, time.March, 4, 5, 6, 7, 0, time.UTC)
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{clock: func() time.Time { return fixed }})

	initiateAuthenticated(t, engine)
	if got := gjson.GetBytes(fake.lastAuthBody(), "purchaseDate").String(); got != "20260304050607" {
		t.Fatalf("unexpected purchaseDate %q", got)
	}
}

func TestAuthenticateMergesAdditionalData(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{mutate: func(c *Config) {
		c.Merchant.PhoneRegion = "GB"
		c.Merchant.Country = "GB"
	}})
	ctx := context.Background()

	tx, _, err := engine.Initiate(ctx, InitiateRequest{CardNumber: testCard})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	req := authRequestFor(t, tx)
	req.AdditionalData = []byte(`{"cardholderName":"A Person","messageCategory":"02","mobilePhone":"07400 123456"}`)
	if _, err := engine.Authenticate(ctx, tx, req); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	body := fake.lastAuthBody()
	if gjson.GetBytes(body, "cardholderName").String() != "A Person" {
		t.Fatal("expected additional data to be merged")
	}
	if gjson.GetBytes(body, "messageCategory").String() != "pa" {
		t.Fatal("additional data must not override protocol fields")
	}
	if gjson.GetBytes(body, "mobilePhone.cc").String() != "44" {
		t.Fatalf("expected normalized phone, got %s", gjson.GetBytes(body, "mobilePhone").Raw)
	}
	if gjson.GetBytes(body, "merchantCountryCode").String() != "826" {
		t.Fatalf("expected merchant country 826, got %q", gjson.GetBytes(body, "merchantCountryCode").String())
	}
}

func TestResolveResultCollapsesConcurrentCalls(t *testing.T) {
	fake := newFakeThreeDS(t, "C", "A")
	fake.set(func(f *fakeThreeDS) { f.resultDelay = 200 * time.Millisecond })
	engine := newTestEngine(t, fake, testEngineOptions{})
	tx, _ := initiateAuthenticated(t, engine)

	const callers = 5
	var wg sync.WaitGroup
	outs := make([]*Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := engine.ResolveResult(context.Background(), tx)
			if err != nil {
				t.Errorf("ResolveResult failed: %v", err)
				return
			}
			outs[i] = out
		}(i)
	}
	wg.Wait()

	if got := fake.resultCalls.Load(); got != 1 {
		t.Fatalf("expected concurrent resolutions to share one call, got %d", got)
	}
	for _, out := range outs {
		if out == nil || out.Category != OutcomePartial {
			t.Fatalf("unexpected outcome %+v", out)
		}
	}
	if outs[0] == outs[1] {
		t.Fatal("each caller must receive its own copy")
	}
	if tx.RawTransStatus() != "A" {
		t.Fatalf("expected raw status A, got %q", tx.RawTransStatus())
	}
}

func TestResolveResultRequiresServerID(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})
	tx := newTransactionContext("rid", testCard, testMerch, time.Now())

	if _, err := engine.ResolveResult(context.Background(), tx); !errors.Is(err, ErrTransactionIDRequired) {
		t.Fatalf("expected ErrTransactionIDRequired, got %v", err)
	}
	if fake.resultCalls.Load() != 0 {
		t.Fatal("no call may be made without a server transaction id")
	}
}

func TestCloseReleasesActiveTransactions(t *testing.T) {
	fake := newFakeThreeDS(t, "Y", "Y")
	engine := newTestEngine(t, fake, testEngineOptions{})

	for i := 0; i < 3; i++ {
		if _, _, err := engine.Initiate(context.Background(), InitiateRequest{CardNumber: testCard}); err != nil {
			t.Fatalf("Initiate failed: %v", err)
		}
	}
	if engine.ActiveTransactions() != 3 {
		t.Fatalf("expected 3 active transactions, got %d", engine.ActiveTransactions())
	}

	engine.Close()
	engine.Close()
	if engine.ActiveTransactions() != 0 {
		t.Fatal("expected Close to release every transaction")
	}
	if _, _, err := engine.Initiate(context.Background(), InitiateRequest{CardNumber: testCard}); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady after Close, got %v", err)
	}
}
