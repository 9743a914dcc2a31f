package authz

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind is the machine-readable rejection reason returned to callers.
type Kind string

const (
	KindMissingToken           Kind = "MissingToken"
	KindMalformed              Kind = "Malformed"
	KindExpired                Kind = "Expired"
	KindInvalidSignature       Kind = "InvalidSignature"
	KindRevoked                Kind = "Revoked"
	KindAccessWithdrawn        Kind = "AccessWithdrawn"
	KindNotGranted             Kind = "NotGranted"
	KindQuotaExceeded          Kind = "QuotaExceeded"
	KindNoEndpointConfigured   Kind = "NoEndpointConfigured"
	KindPersistenceUnavailable Kind = "PersistenceUnavailable"
	KindInvalidCredentials     Kind = "InvalidCredentials"
	KindInvalidRequest         Kind = "InvalidRequest"
	KindRateLimited            Kind = "RateLimited"
	KindInternal               Kind = "Internal"
)

// Status maps a kind to its HTTP status.
func (k Kind) Status() int {
	switch k {
	case KindMissingToken, KindMalformed, KindExpired, KindInvalidSignature, KindRevoked, KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindAccessWithdrawn, KindNotGranted, KindQuotaExceeded:
		return http.StatusForbidden
	case KindNoEndpointConfigured:
		return http.StatusNotFound
	case KindPersistenceUnavailable:
		return http.StatusServiceUnavailable
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed rejection. Message is safe to show callers; Err is the
// underlying cause and is never written to a response.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Errorf builds a rejection of the given kind.
func Errorf(kind Kind, msg string) *Error { return newError(kind, msg, nil) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// APIError is the JSON body of every rejection.
type APIError struct {
	Code    Kind   `json:"error_code"`
	Message string `json:"error_message"`
}

// WriteError writes err as an APIError. Errors that are not *Error are
// reported as Internal without their text.
func WriteError(w http.ResponseWriter, err error) {
	body := APIError{Code: KindInternal, Message: "internal error"}
	var e *Error
	if errors.As(err, &e) {
		body = APIError{Code: e.Kind, Message: e.Message}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Code.Status())
	json.NewEncoder(w).Encode(body)
}
