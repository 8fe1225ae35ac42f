package gateway

import (
	"errors"
	"net/http"

	"microtoken/pkg/vault"
)

type Kind string

const (
	KindParse         Kind = "parse"
	KindUnknownField  Kind = "unknown_field"
	KindFieldNotFound Kind = "field_not_found"
	KindInvalidValue  Kind = "invalid_value"
	KindUpstream      Kind = "upstream"
	KindTransport     Kind = "transport"
	KindConfiguration Kind = "configuration"
)

// BadRequest reports failures caused by the caller's input.
func (k Kind) BadRequest() bool {
	switch k {
	case KindParse, KindUnknownField, KindFieldNotFound, KindInvalidValue:
		return true
	default:
		return false
	}
}

// UpstreamFailure reports failures caused by the vault or the path to it.
func (k Kind) UpstreamFailure() bool {
	return k == KindUpstream || k == KindTransport
}

type Stage string

const (
	StageValidating   Stage = "validating"
	StageResolving    Stage = "resolving"
	StageTransforming Stage = "transforming"
	StageCalling      Stage = "calling"
)

// Error is the only error type returned by Service operations.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a gateway error, or "" for any other error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// StatusCode maps an operation error to the HTTP status the API returns.
func StatusCode(err error) int {
	var ge *Error
	if !errors.As(err, &ge) {
		return http.StatusInternalServerError
	}
	switch {
	case ge.Kind.BadRequest():
		return http.StatusBadRequest
	case ge.Kind.UpstreamFailure():
		var te *vault.TransportError
		if ge.Kind == KindTransport && errors.As(ge.Err, &te) && te.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
