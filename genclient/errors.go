package genclient

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned when every transient retry has been consumed
// without a successful generation.
var ErrExhausted = errors.New("genclient: retries exhausted")

// ErrPermanent wraps non-retryable service failures (invalid request,
// content policy rejection). They propagate immediately.
var ErrPermanent = errors.New("genclient: permanent service error")

// ErrDimensionMismatch is returned when the service delivers a canvas that
// differs from the requested dimensions. The drift gate treats this as an
// automatic retry, never a silent accept.
var ErrDimensionMismatch = errors.New("genclient: result dimensions differ from request")

// ErrUndecodable is returned when the service's payload cannot be decoded
// as an image. Routed to retry by the gate, like a dimension mismatch.
var ErrUndecodable = errors.New("genclient: result image undecodable")

// RetryableError marks a transient failure (rate limit, timeout,
// 5xx-equivalent) inside the retry loop.
type RetryableError struct {
	Status int
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("genclient: transient failure (http %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("genclient: transient failure: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }
