package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"microtoken/pkg/audit"
	"microtoken/pkg/fields"
	"microtoken/pkg/gateway"
	"microtoken/pkg/httpx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"Alô": "Mundo"})
}

func (s *Server) handleTokenize(w http.ResponseWriter, r *http.Request) {
	s.runOperation(w, r, fields.Tokenize, fields.Masked)
}

func (s *Server) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	reveal, err := parseReveal(r.URL.Query().Get("clear"))
	if err != nil {
		s.respond(w, r, time.Now(), fields.Detokenize, "", gateway.Result{},
			&gateway.Error{Kind: gateway.KindInvalidValue, Stage: gateway.StageValidating, Err: err})
		return
	}
	s.runOperation(w, r, fields.Detokenize, reveal)
}

func (s *Server) runOperation(w http.ResponseWriter, r *http.Request, op fields.Operation, reveal fields.RevealMode) {
	start := time.Now()
	field := chi.URLParam(r, "field")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}

	var (
		res gateway.Result
		err error
	)
	if op == fields.Tokenize {
		res, err = s.Service.Tokenize(r.Context(), field, body)
	} else {
		res, err = s.Service.Detokenize(r.Context(), field, body, reveal)
	}
	mode := ""
	if op == fields.Detokenize {
		mode = reveal.String()
	}
	s.respond(w, r, start, op, mode, res, err)
}

// respond writes the operation outcome and audits it. On failure res still
// carries the parsed input shape.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, start time.Time, op fields.Operation, reveal string, res gateway.Result, err error) {
	status := http.StatusOK
	outcome := "ok"
	if err != nil {
		status = gateway.StatusCode(err)
		outcome = string(gateway.KindOf(err))
		if outcome == "" {
			outcome = "internal"
		}
		httpx.Error(w, status, failurePrefix(op)+err.Error())
	} else {
		httpx.WriteRaw(w, status, res.Body)
	}

	s.recordAudit(r, audit.Record{
		RequestID:  middleware.GetReqID(r.Context()),
		Field:      strings.ToLower(strings.TrimSpace(chi.URLParam(r, "field"))),
		Operation:  op.String(),
		Reveal:     reveal,
		Batch:      res.Batch,
		Items:      res.Items,
		Outcome:    outcome,
		Status:     status,
		ClientHash: audit.HashClient(s.clientIP(r), s.AuditSalt),
		Duration:   time.Since(start),
	})
}

// recordAudit never fails the request; the response has already been written.
func (s *Server) recordAudit(r *http.Request, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Append(r.Context(), rec); err != nil {
		s.logger().WarnContext(r.Context(), "audit append failed",
			slog.String("request_id", rec.RequestID),
			slog.Any("error", err),
		)
	}
}

func failurePrefix(op fields.Operation) string {
	if op == fields.Detokenize {
		return "Detokenization failure: "
	}
	return "Tokenization failure: "
}

// parseReveal reads the optional clear query parameter. Absent means masked.
func parseReveal(raw string) (fields.RevealMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "false", "0", "no", "off":
		return fields.Masked, nil
	case "true", "1", "yes", "on":
		return fields.Clear, nil
	default:
		return fields.Masked, fmt.Errorf("invalid clear parameter %q", raw)
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}
