// Package gateway composes the field registry, credential resolver, payload
// transformer and vault client into the tokenize and detokenize operations.
//
// Each operation runs validating → resolving → transforming → calling and stops
// at the first failure. Nothing is retried: tokenizing the same value twice may
// produce two different tokens.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"microtoken/pkg/credentials"
	"microtoken/pkg/fields"
	"microtoken/pkg/payload"
	"microtoken/pkg/vault"
)

// Caller is satisfied by *vault.Client.
type Caller interface {
	Call(ctx context.Context, method, path string, cred credentials.Pair, body any) (json.RawMessage, error)
}

// Observer receives one observation per vault call.
type Observer interface {
	ObserveVaultCall(op, field, outcome string, d time.Duration)
}

// Result describes the caller's input shape even when the operation fails,
// as long as the body parsed. Body is only set on success.
type Result struct {
	Body  json.RawMessage
	Items int
	Batch bool
}

type Service struct {
	registry *fields.Registry
	resolver *credentials.Resolver
	vault    Caller
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func New(registry *fields.Registry, resolver *credentials.Resolver, caller Caller, opts ...Option) (*Service, error) {
	if registry == nil || resolver == nil || caller == nil {
		return nil, errors.New("gateway: registry, resolver and vault caller are required")
	}
	s := &Service{
		registry: registry,
		resolver: resolver,
		vault:    caller,
		logger:   slog.Default(),
		tracer:   otel.Tracer("microtoken/gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Tokenize(ctx context.Context, field string, raw []byte) (Result, error) {
	return s.run(ctx, fields.Tokenize, field, raw, fields.Masked)
}

func (s *Service) Detokenize(ctx context.Context, field string, raw []byte, reveal fields.RevealMode) (Result, error) {
	return s.run(ctx, fields.Detokenize, field, raw, reveal)
}

func (s *Service) run(ctx context.Context, op fields.Operation, field string, raw []byte, reveal fields.RevealMode) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "gateway."+op.String(), trace.WithAttributes(
		attribute.String("microtoken.field", field),
		attribute.String("microtoken.reveal", reveal.String()),
	))
	defer span.End()

	var shape Result
	fail := func(kind Kind, stage Stage, err error) (Result, error) {
		ge := &Error{Kind: kind, Stage: stage, Err: err}
		span.RecordError(ge)
		span.SetStatus(codes.Error, string(kind))
		return shape, ge
	}

	in, err := payload.Parse(raw)
	if err != nil {
		return fail(KindParse, StageValidating, err)
	}
	shape = Result{Items: in.Len(), Batch: in.IsBatch()}
	span.SetAttributes(attribute.Bool("microtoken.batch", in.IsBatch()), attribute.Int("microtoken.items", in.Len()))

	spec, err := s.registry.Lookup(field)
	if err != nil {
		return fail(KindUnknownField, StageResolving, err)
	}

	body, err := payload.BuildVaultBody(in, spec, op)
	if err != nil {
		kind := KindFieldNotFound
		if errors.Is(err, payload.ErrInvalidValue) {
			kind = KindInvalidValue
		}
		return fail(kind, StageTransforming, err)
	}

	cred, err := s.resolver.Resolve(spec, op, reveal)
	if err != nil {
		s.logger.ErrorContext(ctx, "credential selector unresolved at request time",
			slog.String("field", spec.Name), slog.String("operation", op.String()), slog.Any("error", err))
		return fail(KindConfiguration, StageCalling, err)
	}

	start := time.Now()
	resp, err := s.vault.Call(ctx, http.MethodPost, vault.OperationPath(op), cred, body)
	elapsed := time.Since(start)
	if err != nil {
		kind := KindTransport
		var ue *vault.UpstreamError
		if errors.As(err, &ue) {
			kind = KindUpstream
		}
		s.observe(op, spec.Name, string(kind), elapsed)
		s.logger.WarnContext(ctx, "vault call failed",
			slog.String("field", spec.Name),
			slog.String("operation", op.String()),
			slog.String("reveal", reveal.String()),
			slog.String("kind", string(kind)),
			slog.Int("items", body.Len()),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return fail(kind, StageCalling, err)
	}
	s.observe(op, spec.Name, "ok", elapsed)
	s.logger.DebugContext(ctx, "vault call succeeded",
		slog.String("field", spec.Name),
		slog.String("operation", op.String()),
		slog.String("reveal", reveal.String()),
		slog.Int("items", body.Len()),
		slog.Duration("elapsed", elapsed),
	)
	return Result{Body: resp, Items: body.Len(), Batch: body.IsBatch()}, nil
}

func (s *Service) observe(op fields.Operation, field, outcome string, d time.Duration) {
	if s.observer != nil {
		s.observer.ObserveVaultCall(op.String(), field, outcome, d)
	}
}
