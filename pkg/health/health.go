// Package health probes external dependencies and renders the /healthcheck
// report.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"microtoken/pkg/httpx"
)

const (
	StatusHealthy   = "Healthy"
	StatusUnhealthy = "Unhealthy"
)

// Entity is one probed dependency in the report.
type Entity struct {
	Identifier string   `json:"identifier"`
	Healthy    bool     `json:"healthy"`
	Status     string   `json:"status"`
	TimeTaken  string   `json:"timeTaken"`
	Tags       []string `json:"tags"`
	StatusCode int      `json:"statusCode,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type Report struct {
	Status         string   `json:"status"`
	TotalTimeTaken string   `json:"totalTimeTaken"`
	Entities       []Entity `json:"entities"`
}

func (r Report) Healthy() bool { return r.Status == StatusHealthy }

type Checker interface {
	Check(ctx context.Context) Entity
}

// Probe issues an unauthenticated GET to a host and is healthy iff the
// response status equals HealthyCode.
type Probe struct {
	Client      *http.Client
	URL         string
	HealthyCode int
	Timeout     time.Duration
	Alias       string
	Tags        []string
}

func (p Probe) Check(ctx context.Context) Entity {
	ent := Entity{Identifier: p.Alias, Tags: append([]string(nil), p.Tags...)}
	if ent.Tags == nil {
		ent.Tags = []string{}
	}
	want := p.HealthyCode
	if want == 0 {
		want = http.StatusOK
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	start := time.Now()
	code, err := p.get(ctx, client)
	ent.TimeTaken = time.Since(start).String()
	ent.StatusCode = code
	switch {
	case err != nil:
		ent.Error = err.Error()
	case code != want:
		ent.Error = fmt.Sprintf("unexpected status %d, expected %d", code, want)
	default:
		ent.Healthy = true
	}
	ent.Status = StatusUnhealthy
	if ent.Healthy {
		ent.Status = StatusHealthy
	}
	return ent
}

func (p Probe) get(ctx context.Context, client *http.Client) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.URL, "/")+"/", nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// Run executes every checker sequentially. The report is healthy only if all
// entities are.
func Run(ctx context.Context, checks ...Checker) Report {
	start := time.Now()
	rep := Report{Status: StatusHealthy, Entities: make([]Entity, 0, len(checks))}
	for _, c := range checks {
		ent := c.Check(ctx)
		if !ent.Healthy {
			rep.Status = StatusUnhealthy
		}
		rep.Entities = append(rep.Entities, ent)
	}
	rep.TotalTimeTaken = time.Since(start).String()
	return rep
}

// Handler serves the report: 200 when healthy, 500 otherwise. onReport, when
// set, sees every report before it is written.
func Handler(onReport func(Report), checks ...Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := Run(r.Context(), checks...)
		if onReport != nil {
			onReport(rep)
		}
		status := http.StatusOK
		if !rep.Healthy() {
			status = http.StatusInternalServerError
		}
		httpx.WriteJSON(w, status, rep)
	}
}
