package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cesnetwork/escrowd/internal/config"
	"github.com/cesnetwork/escrowd/internal/logging"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:      "0",
		Env:       "development",
		LogLevel:  "error",
		LogFormat: "text",
		// Accounts created inside the test are seconds old; the default
		// 24h minimum would flag every order.
		MinAccountAge: time.Nanosecond,
	}

	s, err := New(cfg, WithLogger(logging.New("error", "text")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return m
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	if w := doJSON(t, s, "GET", "/health/live", nil); w.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200", w.Code)
	}

	// Readiness flips on only after Run starts.
	if w := doJSON(t, s, "GET", "/health/ready", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before Run = %d, want 503", w.Code)
	}

	w := doJSON(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("info = %d", w.Code)
	}
	body := decode(t, w)
	if body["name"] != "escrowd" {
		t.Errorf("name = %v, want escrowd", body["name"])
	}
	if body["mode"] != "local-only" {
		t.Errorf("mode = %v, want local-only", body["mode"])
	}
}

func TestTradeLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	for _, id := range []string{"alice", "bob"} {
		w := doJSON(t, s, "POST", "/v1/accounts", map[string]string{"accountId": id})
		if w.Code != http.StatusCreated {
			t.Fatalf("create account %s = %d: %s", id, w.Code, w.Body.String())
		}
	}

	// Seller funds in, trade opened.
	w := doJSON(t, s, "POST", "/v1/accounts/alice/credit", map[string]string{
		"amount": "100", "description": "deposit",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("credit = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/v1/trades", map[string]string{
		"amount": "50", "price": "1.5", "makerId": "alice", "takerId": "bob",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create trade = %d: %s", w.Code, w.Body.String())
	}
	tradeID := decode(t, w)["trade"].(map[string]interface{})["id"].(string)

	// Lock the seller's tokens.
	w = doJSON(t, s, "POST", "/v1/escrows/lock", map[string]string{
		"tradeId": tradeID, "ownerId": "alice", "beneficiaryId": "bob",
		"amount": "50", "price": "1.5",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("lock = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/escrows/"+tradeID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get escrow = %d", w.Code)
	}
	rec := decode(t, w)["escrow"].(map[string]interface{})
	if rec["state"] != "locked" {
		t.Fatalf("state = %v, want locked", rec["state"])
	}

	// Buyer paid, release to them.
	w = doJSON(t, s, "POST", "/v1/escrows/"+tradeID+"/release", map[string]string{"actor": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("release = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/accounts/bob", nil)
	acct := decode(t, w)["account"].(map[string]interface{})
	if acct["available"] != "50.000000" {
		t.Errorf("buyer available = %v, want 50.000000", acct["available"])
	}

	w = doJSON(t, s, "GET", "/v1/trades/"+tradeID, nil)
	tr := decode(t, w)["trade"].(map[string]interface{})
	if tr["status"] != "completed" {
		t.Errorf("trade status = %v, want completed", tr["status"])
	}

	// Every fund move landed in the journal and the audit trail.
	w = doJSON(t, s, "GET", "/v1/accounts/alice/ledger", nil)
	if count := decode(t, w)["count"].(float64); count < 2 {
		t.Errorf("ledger entries = %v, want at least 2", count)
	}
	w = doJSON(t, s, "GET", "/v1/accounts/alice/audit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit = %d: %s", w.Code, w.Body.String())
	}
	if count := decode(t, w)["count"].(float64); count < 2 {
		t.Errorf("audit entries = %v, want at least 2", count)
	}
}

func TestLockRejectsUnfundedOwner(t *testing.T) {
	s := newTestServer(t)

	for _, id := range []string{"carol", "dan"} {
		doJSON(t, s, "POST", "/v1/accounts", map[string]string{"accountId": id})
	}
	w := doJSON(t, s, "POST", "/v1/trades", map[string]string{
		"amount": "10", "price": "1.0", "makerId": "carol", "takerId": "dan",
	})
	tradeID := decode(t, w)["trade"].(map[string]interface{})["id"].(string)

	w = doJSON(t, s, "POST", "/v1/escrows/lock", map[string]string{
		"tradeId": tradeID, "ownerId": "carol", "beneficiaryId": "dan",
		"amount": "10", "price": "1.0",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("lock = %d, want 409: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["error"] != "insufficient_funds" {
		t.Errorf("error = %v, want insufficient_funds", decode(t, w)["error"])
	}
}

func TestAntifraudDryRun(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/accounts", map[string]string{"accountId": "eve"})

	w := doJSON(t, s, "POST", "/v1/antifraud/evaluate", map[string]string{
		"accountId": "eve", "counterpartyId": "frank", "amount": "10", "price": "1.0",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("evaluate = %d: %s", w.Code, w.Body.String())
	}
	eval := decode(t, w)["evaluation"].(map[string]interface{})
	if eval["allowed"] != true {
		t.Errorf("allowed = %v, want true: %s", eval["allowed"], w.Body.String())
	}
}

func TestReconciliationSweepEndpoint(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/accounts", map[string]string{"accountId": "grace"})

	w := doJSON(t, s, "POST", "/v1/reconciliation/sweep", map[string]interface{}{})
	if w.Code != http.StatusOK {
		t.Fatalf("sweep = %d: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)
	if result["result"] == nil {
		t.Fatalf("missing result: %s", w.Body.String())
	}
}
