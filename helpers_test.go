package goThreeDS

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/goThreeDS/browserinfo"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
)

const (
	testHMACKey = "0123456789abcdef0123456789abcdef"
	testCard    = "4111111111111111"
	testMerch   = "merchant-1"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

// fakeThreeDS is an in-process 3DS server. Behavior fields may be changed
// between calls through set.
type fakeThreeDS struct {
	srv *httptest.Server

	mu              sync.Mutex
	authStatus      string
	resultStatus    string
	statusErrCode   string
	statusErrDesc   string
	initFail        bool
	authFail        bool
	authGate        chan struct{}
	resultDelay     time.Duration
	serverIDs       []string
	initBodies      [][]byte
	authBodies      [][]byte
	challengeBodies [][]byte

	initCalls   atomic.Int32
	authCalls   atomic.Int32
	resultCalls atomic.Int32
	statusCalls atomic.Int32
}

func newFakeThreeDS(t *testing.T, authStatus, resultStatus string) *fakeThreeDS {
	t.Helper()

	f := &fakeThreeDS{
		authStatus:   authStatus,
		resultStatus: resultStatus,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/brw/init/pa", f.handleInit)
	mux.HandleFunc("/api/v2/auth/brw", f.handleAuth)
	mux.HandleFunc("/api/v2/auth/brw/result", f.handleResult)
	mux.HandleFunc("/api/v2/auth/challenge/status", f.handleStatus)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeThreeDS) set(fn func(f *fakeThreeDS)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeThreeDS) lastAuthBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.authBodies) == 0 {
		return nil
	}
	return f.authBodies[len(f.authBodies)-1]
}

func (f *fakeThreeDS) lastInitBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.initBodies) == 0 {
		return nil
	}
	return f.initBodies[len(f.initBodies)-1]
}

func (f *fakeThreeDS) handleInit(w http.ResponseWriter, r *http.Request) {
	f.initCalls.Add(1)
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	fail := f.initFail
	f.initBodies = append(f.initBodies, body)
	sid := uuid.NewString()
	if !fail {
		f.serverIDs = append(f.serverIDs, sid)
	}
	f.mu.Unlock()

	if fail {
		writeTestJSON(w, http.StatusInternalServerError, map[string]string{
			"errorCode":        "5000",
			"errorDescription": "init unavailable",
		})
		return
	}
	writeTestJSON(w, http.StatusOK, map[string]string{
		"threeDSServerTransID":     sid,
		"threeDSServerCallbackUrl": f.srv.URL + "/callback/" + sid,
		"authUrl":                  f.srv.URL + "/api/v2/auth/brw?threeDSServerTransID=" + sid,
		"monUrl":                   f.srv.URL + "/mon/" + sid,
	})
}

func (f *fakeThreeDS) handleAuth(w http.ResponseWriter, r *http.Request) {
	f.authCalls.Add(1)
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.authBodies = append(f.authBodies, body)
	status, fail, gate := f.authStatus, f.authFail, f.authGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		writeTestJSON(w, http.StatusServiceUnavailable, map[string]string{
			"errorCode":        "5001",
			"errorDescription": "auth unavailable",
		})
		return
	}

	resp := map[string]string{
		"threeDSServerTransID": gjson.GetBytes(body, "threeDSServerTransID").String(),
		"transStatus":          status,
	}
	if status == "C" {
		resp["challengeUrl"] = "https://acs.example/challenge"
		resp["acsTransID"] = "5e5a1c8e-1d1b-4c7e-9a43-2b3d0c4e5f60"
	}
	writeTestJSON(w, http.StatusOK, resp)
}

func (f *fakeThreeDS) handleResult(w http.ResponseWriter, r *http.Request) {
	f.resultCalls.Add(1)

	f.mu.Lock()
	status := f.resultStatus
	delay := f.resultDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	writeTestJSON(w, http.StatusOK, map[string]string{
		"threeDSServerTransID": r.URL.Query().Get("threeDSServerTransID"),
		"transStatus":          status,
		"eci":                  "05",
	})
}

func (f *fakeThreeDS) handleStatus(w http.ResponseWriter, r *http.Request) {
	f.statusCalls.Add(1)
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.challengeBodies = append(f.challengeBodies, body)
	code, desc := f.statusErrCode, f.statusErrDesc
	f.mu.Unlock()

	if code != "" || desc != "" {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{
			"errorCode":        code,
			"errorDescription": desc,
		})
		return
	}
	writeTestJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(baseURL string) Config {
	cfg := defaultConfig()
	cfg.Server.BaseURL = baseURL
	cfg.Server.Timeout = 5 * time.Second
	cfg.Merchant.ID = testMerch
	cfg.Merchant.DefaultAmount = "10.00"
	cfg.Merchant.DefaultCurrency = "EUR"
	cfg.Notification.CallbackURL = "https://merchant.example/3ds/notify"
	cfg.Notification.SigningMethod = "hs256"
	cfg.Notification.PrivateKey = []byte(testHMACKey)
	cfg.Fingerprint.Timeout = 2 * time.Second
	cfg.Metrics.Enabled = true
	return cfg
}

type testEngineOptions struct {
	mutate func(*Config)
	sink   AuditSink
	redis  *redis.Client
	clock  func() time.Time
}

func newTestEngine(t *testing.T, fake *fakeThreeDS, opts testEngineOptions) *Engine {
	t.Helper()

	rdb := opts.redis
	if rdb == nil {
		mr, client := newTestRedis(t)
		t.Cleanup(mr.Close)
		rdb = client
	}

	cfg := testConfig(fake.srv.URL)
	if opts.mutate != nil {
		opts.mutate(&cfg)
	}
	b := New().WithConfig(cfg).WithRedis(rdb)
	if opts.sink != nil {
		b = b.WithAuditSink(opts.sink)
	}
	if opts.clock != nil {
		b = b.withClock(opts.clock)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func testBrowserInfo() browserinfo.Info {
	return browserinfo.Info{
		AcceptHeader:      "text/html",
		ColorDepth:        24,
		JavaEnabled:       false,
		JavascriptEnabled: true,
		Language:          "en-GB",
		ScreenHeight:      1080,
		ScreenWidth:       1920,
		TZ:                -60,
		UserAgent:         "Mozilla/5.0",
	}
}

func testBrowserBlob(t *testing.T) string {
	t.Helper()
	blob, err := browserinfo.Encode(testBrowserInfo())
	if err != nil {
		t.Fatalf("encode browser info: %v", err)
	}
	return blob
}

func authRequestFor(t *testing.T, tx *TransactionContext) AuthenticateRequest {
	t.Helper()
	return AuthenticateRequest{
		ServerTransID:    tx.ServerTransactionID(),
		RequestorTransID: tx.RequestorTransactionID(),
		CardNumber:       testCard,
		BrowserInfo:      testBrowserBlob(t),
		CardExpiryDate:   "12/99",
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
