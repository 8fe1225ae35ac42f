package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]any{"ok": true, "count": 2})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content type, got %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %#v", body["ok"])
	}
}

func TestWriteRawKeepsBodyVerbatim(t *testing.T) {
	rr := httptest.NewRecorder()
	raw := json.RawMessage(`{"token": "t0#8tDWwe-OjS",   "status":"Succeed"}`)
	WriteRaw(rr, http.StatusOK, raw)
	if rr.Body.String() != string(raw) {
		t.Fatalf("body changed: %s", rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content type, got %q", got)
	}
}

func TestError(t *testing.T) {
	rr := httptest.NewRecorder()
	Error(rr, http.StatusBadRequest, "unknown field `x` for tokenization")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "unknown field `x` for tokenization" {
		t.Fatalf("expected error message, got %#v", body)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/detokenize/cpf", nil)
	handler := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))
	handler.ServeHTTP(rr, req)

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
		"Pragma":                 "no-cache",
	} {
		if got := rr.Header().Get(header); got != want {
			t.Fatalf("%s: expected %q, got %q", header, want, got)
		}
	}
	if got := rr.Header().Get("Content-Security-Policy"); got == "" {
		t.Fatal("expected content security policy header")
	}
}

func TestCORSMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	cases := []struct {
		name        string
		allowed     string
		method      string
		origin      string
		preflight   bool
		wantCode    int
		wantAllowed string
	}{
		{name: "no_origin", allowed: "https://app.example.com", method: http.MethodPost, wantCode: 200},
		{name: "listed", allowed: "https://app.example.com", method: http.MethodPost, origin: "https://app.example.com", wantCode: 200, wantAllowed: "https://app.example.com"},
		{name: "unlisted_simple", allowed: "https://app.example.com", method: http.MethodPost, origin: "https://evil.example.com", wantCode: 200},
		{name: "unlisted_preflight", allowed: "https://app.example.com", method: http.MethodOptions, origin: "https://evil.example.com", preflight: true, wantCode: 403},
		{name: "listed_preflight", allowed: "https://app.example.com", method: http.MethodOptions, origin: "https://app.example.com", preflight: true, wantCode: 204, wantAllowed: "https://app.example.com"},
		{name: "wildcard", allowed: " * ", method: http.MethodPost, origin: "https://any.example.com", wantCode: 200, wantAllowed: "https://any.example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/tokenize/cpf", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			rr := httptest.NewRecorder()
			CORSMiddleware(tc.allowed)(ok).ServeHTTP(rr, req)
			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllowed {
				t.Fatalf("unexpected allow-origin: %q", got)
			}
		})
	}
}
