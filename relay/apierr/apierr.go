// Package apierr models every error the relay's components can raise as a
// small tagged-sum type rather than sentinel errors threaded through %w
// wrapping, per the "error as tagged sum" design note: soft errors
// (NeedsDeposit, NeedsUserSignature) carry typed payload fields through the
// same path as hard errors, and the HTTP boundary switches on Kind once
// instead of re-deriving a status code from an arbitrary wrapped chain.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind identifies which branch of the taxonomy an Error belongs to.
type Kind string

const (
	KindDecryption        Kind = "DecryptionError"
	KindMalformedIntent   Kind = "MalformedIntent"
	KindSchemaError       Kind = "SchemaError"
	KindExpired           Kind = "Expired"
	KindTooOld            Kind = "TooOld"
	KindReplay            Kind = "Replay"
	KindBadSignature      Kind = "BadSignature"
	KindRateLimited       Kind = "RateLimited"
	KindNeedsDeposit      Kind = "NeedsDeposit"
	KindNeedsUserSig      Kind = "NeedsUserSignature"
	KindAlreadyInFlight   Kind = "AlreadyInFlight"
	KindPoolNotFound      Kind = "PoolNotFound"
	KindAmountOutOfRange  Kind = "AmountOutOfRange"
	KindRpcError          Kind = "RpcError"
	KindTimeout           Kind = "TimeoutError"
	KindInternal          Kind = "InternalError"
	KindNotFound          Kind = "NotFound"
)

var statusByKind = map[Kind]int{
	KindDecryption:       http.StatusBadRequest,
	KindMalformedIntent:  http.StatusBadRequest,
	KindSchemaError:      http.StatusBadRequest,
	KindExpired:          http.StatusBadRequest,
	KindTooOld:           http.StatusBadRequest,
	KindReplay:           http.StatusBadRequest,
	KindBadSignature:     http.StatusUnauthorized,
	KindRateLimited:      http.StatusTooManyRequests,
	KindNeedsDeposit:     http.StatusBadRequest,
	KindNeedsUserSig:     http.StatusBadRequest,
	KindAlreadyInFlight:  http.StatusBadRequest,
	KindPoolNotFound:     http.StatusBadGateway,
	KindAmountOutOfRange: http.StatusBadRequest,
	KindRpcError:         http.StatusBadGateway,
	KindTimeout:          http.StatusGatewayTimeout,
	KindInternal:         http.StatusInternalServerError,
	KindNotFound:         http.StatusNotFound,
}

// Error is the relay's uniform error type. Fields is an open bag of typed
// payload the HTTP boundary serializes alongside the standard
// {error,success:false} envelope — used for the two soft errors. The rate
// limiter writes its own 429 body and does not go through this type.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// HTTPStatus returns the status code the HTTP boundary should respond with.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithField returns a copy of e with an additional payload field, used to
// build the soft-error response bodies (NeedsDeposit, NeedsUserSignature).
func (e *Error) WithField(key string, value any) *Error {
	clone := &Error{Kind: e.Kind, Message: e.Message, Fields: make(map[string]any, len(e.Fields)+1)}
	for k, v := range e.Fields {
		clone.Fields[k] = v
	}
	clone.Fields[key] = value
	return clone
}

// IsSoft reports whether this is one of the two control-flow soft errors
// that the client treats as a branch rather than a failure.
func (e *Error) IsSoft() bool {
	return e != nil && (e.Kind == KindNeedsDeposit || e.Kind == KindNeedsUserSig)
}

// As extracts an *Error from err, mirroring errors.As without requiring
// callers to import the errors package for this one type switch.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	apiErr, ok := err.(*Error)
	return apiErr, ok
}
