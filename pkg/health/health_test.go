package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProbeHealthy(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("probe must be unauthenticated")
		}
		if r.URL.Path != "/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := Probe{Client: srv.Client(), URL: srv.URL, HealthyCode: 200, Timeout: time.Second, Alias: "cts", Tags: []string{"external"}}
	ent := p.Check(context.Background())
	if !ent.Healthy || ent.Status != StatusHealthy || ent.StatusCode != 200 {
		t.Fatalf("unexpected entity %+v", ent)
	}
	if ent.Identifier != "cts" || len(ent.Tags) != 1 || ent.Tags[0] != "external" {
		t.Fatalf("unexpected identity %+v", ent)
	}
}

func TestProbeUnhealthy(t *testing.T) {
	t.Run("wrong status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		ent := Probe{URL: srv.URL, Alias: "cts"}.Check(context.Background())
		if ent.Healthy || ent.StatusCode != 503 || ent.Error == "" {
			t.Fatalf("unexpected entity %+v", ent)
		}
	})

	t.Run("custom healthy code", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()
		ent := Probe{URL: srv.URL, HealthyCode: 404}.Check(context.Background())
		if !ent.Healthy {
			t.Fatalf("expected 404 to be healthy when configured, got %+v", ent)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-release:
			}
		}))
		defer srv.Close()
		defer close(release)
		ent := Probe{URL: srv.URL, Timeout: 50 * time.Millisecond}.Check(context.Background())
		if ent.Healthy || ent.Error == "" {
			t.Fatalf("expected timeout failure, got %+v", ent)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		ent := Probe{URL: "http://127.0.0.1:1", Timeout: time.Second}.Check(context.Background())
		if ent.Healthy || ent.StatusCode != 0 {
			t.Fatalf("expected unreachable failure, got %+v", ent)
		}
	})
}

type staticCheck Entity

func (s staticCheck) Check(context.Context) Entity { return Entity(s) }

func TestHandler(t *testing.T) {
	var seen []Report
	onReport := func(r Report) { seen = append(seen, r) }

	rr := httptest.NewRecorder()
	Handler(onReport, staticCheck{Identifier: "cts", Healthy: true, Status: StatusHealthy, Tags: []string{"external"}}).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var rep Report
	if err := json.Unmarshal(rr.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != StatusHealthy || len(rep.Entities) != 1 || rep.TotalTimeTaken == "" {
		t.Fatalf("unexpected report %+v", rep)
	}

	rr = httptest.NewRecorder()
	Handler(onReport,
		staticCheck{Identifier: "a", Healthy: true},
		staticCheck{Identifier: "cts", Healthy: false, Error: "down"},
	).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rr.Code)
	}
	if len(seen) != 2 || seen[1].Healthy() {
		t.Fatalf("expected two reports, last unhealthy: %+v", seen)
	}
}
