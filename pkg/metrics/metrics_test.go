package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveHTTP(t *testing.T) {
	r := NewRegistry()
	r.Observe("post", "/tokenize/{field}", 200, 15*time.Millisecond)
	r.Observe("POST", "/tokenize/{field}", 200, 35*time.Millisecond)
	r.Observe("GET", "", 404, time.Millisecond)

	if got := testutil.ToFloat64(r.httpRequests.WithLabelValues("POST", "/tokenize/{field}", "200")); got != 2 {
		t.Fatalf("expected 2 tokenize requests got=%v", got)
	}
	if got := testutil.ToFloat64(r.httpRequests.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Fatalf("expected unmatched route label got=%v", got)
	}
	if n := testutil.CollectAndCount(r.httpLatency); n != 2 {
		t.Fatalf("expected 2 latency series got=%d", n)
	}
}

func TestObserveVaultCall(t *testing.T) {
	r := NewRegistry()
	r.ObserveVaultCall("tokenize", "cpf", "ok", 100*time.Millisecond)
	r.ObserveVaultCall("tokenize", "cpf", "upstream", 10*time.Millisecond)
	r.ObserveVaultCall("detokenize", "email", "ok", 10*time.Millisecond)

	if got := testutil.ToFloat64(r.vaultCalls.WithLabelValues("tokenize", "cpf", "ok")); got != 1 {
		t.Fatalf("expected 1 ok call got=%v", got)
	}
	if n := testutil.CollectAndCount(r.vaultCalls); n != 3 {
		t.Fatalf("expected 3 call series got=%d", n)
	}
}

func TestGaugesAndCounters(t *testing.T) {
	r := NewRegistry()
	r.SetVaultHealthy(true)
	if got := testutil.ToFloat64(r.healthStatus); got != 1 {
		t.Fatalf("expected healthy=1 got=%v", got)
	}
	r.SetVaultHealthy(false)
	if got := testutil.ToFloat64(r.healthStatus); got != 0 {
		t.Fatalf("expected healthy=0 got=%v", got)
	}
	r.IncRateLimited()
	r.IncRateLimited()
	if got := testutil.ToFloat64(r.rateLimited); got != 2 {
		t.Fatalf("expected 2 rate limited got=%v", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST", "/detokenize/{field}", 502, time.Millisecond)
	r.ObserveVaultCall("detokenize", "rg", "transport", time.Millisecond)

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got=%d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	out := string(body)
	for _, want := range []string{
		`microtoken_http_requests_total{method="POST",route="/detokenize/{field}",status="502"} 1`,
		`microtoken_vault_calls_total{field="rg",operation="detokenize",outcome="transport"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}
