// Package audit records one entry per tokenize or detokenize operation. Entries
// carry the field, the identity class used and the outcome, never the values
// or tokens themselves. Client addresses are stored as salted hashes.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const schema = `
CREATE TABLE IF NOT EXISTS token_audit (
	id          UUID PRIMARY KEY,
	request_id  TEXT NOT NULL,
	field       TEXT NOT NULL,
	operation   TEXT NOT NULL,
	reveal      TEXT NOT NULL,
	batch       BOOLEAN NOT NULL,
	items       INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	status      INTEGER NOT NULL,
	client_hash TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS token_audit_created_at_idx ON token_audit (created_at);
`

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Record struct {
	ID         uuid.UUID
	RequestID  string
	Field      string
	Operation  string
	Reveal     string
	Batch      bool
	Items      int
	Outcome    string
	Status     int
	ClientHash string
	Duration   time.Duration
	CreatedAt  time.Time
}

// Sink is implemented by Writer and LogSink.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// EnsureSchema creates the audit table if it does not exist.
func EnsureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

type Writer struct {
	DB auditDB
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	rec = normalize(rec)
	_, err := w.DB.Exec(ctx, `
		INSERT INTO token_audit
		(id, request_id, field, operation, reveal, batch, items, outcome, status, client_hash, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.RequestID, rec.Field, rec.Operation, rec.Reveal, rec.Batch, rec.Items, rec.Outcome, rec.Status, rec.ClientHash, rec.Duration.Milliseconds(), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (w *Writer) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	var rec Record
	var durationMS int64
	row := w.DB.QueryRow(ctx, `
		SELECT id, request_id, field, operation, reveal, batch, items, outcome, status, client_hash, duration_ms, created_at
		FROM token_audit WHERE id=$1
	`, id)
	if err := row.Scan(&rec.ID, &rec.RequestID, &rec.Field, &rec.Operation, &rec.Reveal, &rec.Batch, &rec.Items, &rec.Outcome, &rec.Status, &rec.ClientHash, &durationMS, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

// LogSink writes audit records as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Append(ctx context.Context, rec Record) error {
	rec = normalize(rec)
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("audit_id", rec.ID.String()),
		slog.String("request_id", rec.RequestID),
		slog.String("field", rec.Field),
		slog.String("operation", rec.Operation),
		slog.String("reveal", rec.Reveal),
		slog.Bool("batch", rec.Batch),
		slog.Int("items", rec.Items),
		slog.String("outcome", rec.Outcome),
		slog.Int("status", rec.Status),
		slog.String("client_hash", rec.ClientHash),
		slog.Int64("duration_ms", rec.Duration.Milliseconds()),
	)
	return nil
}

// HashClient returns hex(sha256(salt || client)).
func HashClient(client string, salt []byte) string {
	if client == "" {
		return ""
	}
	h := sha256.New()
	_, _ = h.Write(salt)
	_, _ = h.Write([]byte(client))
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(rec Record) Record {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return rec
}
