package envdump

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
)

func TestSnapshotRedactsSecrets(t *testing.T) {
	d := Snapshot([]string{
		"CTS_IP=10.0.0.1",
		"CTS_USERNAME_TOKENIZATION=tok_user",
		"CTS_PASSWORD_TOKENIZATION=hunter2",
		"AUDIT_HASH_SALT=pepper",
		"DATABASE_URL=postgres://u:p@db/x",
		"OTEL_EXPORTER_OTLP_HEADERS=Authorization=Bearer s3cr3t",
		"OTEL_EXPORTER_OTLP_TRACES_HEADERS=api-key=abc",
		"OTEL_EXPORTER_OTLP_ENDPOINT=https://otel.example.com",
		"API_KEY=abc",
		"EMPTY_SECRET=",
		"LOG_LEVEL=debug",
		"MALFORMED",
		"WITH_EQUALS=a=b",
	})
	cases := map[string]string{
		"CTS_IP":                            "10.0.0.1",
		"CTS_USERNAME_TOKENIZATION":         "tok_user",
		"CTS_PASSWORD_TOKENIZATION":         Redacted,
		"AUDIT_HASH_SALT":                   Redacted,
		"DATABASE_URL":                      Redacted,
		"OTEL_EXPORTER_OTLP_HEADERS":        Redacted,
		"OTEL_EXPORTER_OTLP_TRACES_HEADERS": Redacted,
		"OTEL_EXPORTER_OTLP_ENDPOINT":       "https://otel.example.com",
		"API_KEY":                           Redacted,
		"EMPTY_SECRET":                      "",
		"LOG_LEVEL":                         "debug",
		"WITH_EQUALS":                       "a=b",
	}
	for k, want := range cases {
		if got, ok := d.Environment[k]; !ok || got != want {
			t.Fatalf("%s: got %q (present=%v) want %q", k, got, ok, want)
		}
	}
	if _, ok := d.Environment["MALFORMED"]; ok {
		t.Fatal("malformed entry should be skipped")
	}
	if d.OS.Platform != runtime.GOOS || d.Process.PID == 0 || d.Runtime.Version == "" {
		t.Fatalf("unexpected process info %+v", d)
	}
	for k, v := range d.Environment {
		if strings.Contains(v, "s3cr3t") {
			t.Fatalf("%s leaked its value", k)
		}
	}
}

func TestHandlerNeverLeaksPasswords(t *testing.T) {
	h := Handler(func() []string {
		return []string{"CTS_PASSWORD_DETOKENIZATION_CLEAR=s3cr3t", "ADDR=:8080"}
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/environment", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "s3cr3t") {
		t.Fatalf("password leaked: %s", rr.Body.String())
	}
	var d Dump
	if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Environment["ADDR"] != ":8080" {
		t.Fatalf("unexpected environment %v", d.Environment)
	}
}

func TestIsSecret(t *testing.T) {
	for name, want := range map[string]bool{
		"CTS_PASSWORD_CPF":           true,
		"REDIS_PASSWORD":             true,
		"api_key":                    true,
		"DATABASE_URL":               true,
		"otel_exporter_otlp_headers": true,
		"CTS_USERNAME_TOKENIZATION":  false,
		"VAULT_KEEPALIVE":            false,
		"MONKEY":                     false,
	} {
		if got := IsSecret(name); got != want {
			t.Fatalf("IsSecret(%q) = %v want %v", name, got, want)
		}
	}
}
