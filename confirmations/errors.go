package confirmations

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/elnosh/confirmations/crypto"
)

var (
	ErrNetworkUnavailable  = errors.New("network unavailable")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrBatchProofInvalid   = errors.New("batch proof invalid")
	ErrTokenPoolEmpty      = errors.New("token pool is empty")
	ErrTokenNotFound       = errors.New("token not found in pool")
	ErrDuplicateToken      = errors.New("duplicate token")
	ErrMalformedToken      = errors.New("malformed token")
	ErrInvalidConfirmation = errors.New("invalid confirmation")
	ErrUnexpectedPublicKey = errors.New("tokens signed with an unexpected public key")
	ErrRedeemInProgress    = errors.New("confirmation is already being redeemed")
	// the ledger lost track of a confirmation it had accepted
	ErrConfirmationNotFound = errors.New("confirmation not found")
)

type UnexpectedStatusError struct {
	Code int
	Body string
}

func (e *UnexpectedStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, e.Body)
}

// Retryable reports whether resending the same request could succeed.
// Client errors other than timeouts and rate limiting will not.
func (e *UnexpectedStatusError) Retryable() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.Code < 400 || e.Code >= 500
}

// ShouldRetry classifies a redemption failure. Data-integrity failures
// (bad proofs, malformed tokens or responses, pool logic errors) will not
// fix themselves and are never retried.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *UnexpectedStatusError
	switch {
	case errors.Is(err, ErrConfirmationNotFound):
		return true
	case errors.As(err, &statusErr):
		return statusErr.Retryable()
	case errors.Is(err, ErrNetworkUnavailable), errors.Is(err, ErrTokenPoolEmpty),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

func unexpectedStatus(code int, body []byte) error {
	const maxBody = 256
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &UnexpectedStatusError{Code: code, Body: string(body)}
}

func batchProofError(err error) error {
	if errors.Is(err, crypto.ErrBatchProofInvalid) || errors.Is(err, crypto.ErrInvalidProof) {
		return fmt.Errorf("%w: %v", ErrBatchProofInvalid, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
}
