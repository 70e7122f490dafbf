package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies relay failures.
type Kind string

const (
	KindValidation Kind = "validation"
	KindRateLimit  Kind = "rate_limit"
	KindUpstream   Kind = "upstream"
	KindTransport  Kind = "transport"
)

// RateLimitMessage is the body returned to throttled keyless callers.
const RateLimitMessage = "You have sent too many messages in a short period of time. Please retry after one minute!"

// Validation errors. Their text is returned to the caller verbatim.
var (
	ErrNoInput          = errors.New("No input text")
	ErrInvalidPassword  = errors.New("Invalid password")
	ErrInvalidSignature = errors.New("Invalid signature")
	ErrRateLimited      = errors.New(RateLimitMessage)
)

// Error is a classified relay failure. Message is safe to show to the caller.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("llm: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("llm: %s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatus is the status code the relay answers with when it is not in
// legacy mode.
func (e *Error) HTTPStatus() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindValidation:
		if errors.Is(e.Err, ErrNoInput) {
			return http.StatusBadRequest
		}
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstream, KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func validationError(err error) *Error {
	return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
}

func rateLimitError() *Error {
	return &Error{Kind: KindRateLimit, Message: RateLimitMessage, Err: ErrRateLimited}
}

func transportError(err error) *Error {
	return &Error{Kind: KindTransport, Message: "upstream request failed", Err: err}
}
