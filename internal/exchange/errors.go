package exchange

import (
	"errors"
	"fmt"
)

// Terminal error kinds. Callers classify with errors.Is; the retry loop in
// client.go never retries ErrAuth, ErrAlgoState or ErrNotFound.
var (
	// ErrAuth covers HTTP 401 and signature/key errors. Fatal to the
	// cycle; callers must stop retrying.
	ErrAuth = errors.New("exchange: authentication failed")

	// ErrRateLimited covers HTTP 429 and OKX code 50011. Retried with
	// backoff inside the client; surfaced only when retries are exhausted.
	ErrRateLimited = errors.New("exchange: rate limited")

	// ErrNotFound covers "order does not exist" responses. The monitor
	// maps it to a canceled status.
	ErrNotFound = errors.New("exchange: order not found")

	// ErrAlgoState is OKX 50015 ("algoId or state required"); terminal.
	ErrAlgoState = errors.New("exchange: algo id or state required")

	// ErrPoolFull is returned when the client pool stayed at capacity
	// through every acquire retry.
	ErrPoolFull = errors.New("exchange: client pool full")

	// ErrNoCredentials is returned when the user has no stored API keys.
	ErrNoCredentials = errors.New("exchange: missing api credentials")
)

// APIError carries the raw OKX error code alongside the mapped kind.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx api error: http=%d code=%s msg=%s", e.HTTPStatus, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// OKX error codes the controller cares about.
const (
	codeRateLimit     = "50011"
	codeAlgoState     = "50015"
	codeOrderNotExist = "51603"
	codeCancelMissing = "51400"
	codeInvalidSign   = "50113"
	codeInvalidKey    = "50111"
	codeTimestampOff  = "50102"
)

// newAPIError maps an OKX response to the right error kind.
func newAPIError(httpStatus int, code, msg string) *APIError {
	e := &APIError{HTTPStatus: httpStatus, Code: code, Message: msg}
	switch {
	case httpStatus == 401, code == codeInvalidSign, code == codeInvalidKey, code == codeTimestampOff:
		e.kind = ErrAuth
	case httpStatus == 429, code == codeRateLimit:
		e.kind = ErrRateLimited
	case code == codeAlgoState:
		e.kind = ErrAlgoState
	case httpStatus == 404, code == codeOrderNotExist, code == codeCancelMissing:
		e.kind = ErrNotFound
	default:
		e.kind = errors.New(msg)
	}
	return e
}

// retryable reports whether an error should re-enter the backoff loop.
// Auth errors, 50015 and not-found collapse to terminal immediately.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAuth), errors.Is(err, ErrAlgoState), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrRateLimited):
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus >= 500
	}
	// Connection-level failures (no APIError attached) are transient.
	return true
}
