package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies an upstream failure for retry and reporting decisions.
type ErrorKind string

const (
	// KindTransient covers connection failures and 5xx responses; retryable.
	KindTransient ErrorKind = "transient"
	// KindTimeout means the per-attempt deadline elapsed; retryable.
	KindTimeout ErrorKind = "timeout"
	// KindPermanent covers 4xx responses including 429; never retried.
	KindPermanent ErrorKind = "permanent"
	// KindCancelled means the caller's context was cancelled; never retried.
	KindCancelled ErrorKind = "cancelled"
)

// UpstreamError wraps a failure from the LLM gateway with enough context to
// decide whether to retry and what to surface to clients.
type UpstreamError struct {
	Kind   ErrorKind
	Status int // HTTP status, 0 for transport-level failures
	Model  string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s (%s, status %d): %v", e.Model, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s (%s): %v", e.Model, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *UpstreamError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

// classify turns a transport error or HTTP status into an UpstreamError.
// The parent context takes priority: cancellation is never retried, and a
// deadline on the parent (as opposed to the per-attempt timeout) is final.
func classify(parent context.Context, model string, status int, err error) *UpstreamError {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return &UpstreamError{Kind: KindCancelled, Model: model, Err: context.Canceled}
	case parent.Err() != nil:
		return &UpstreamError{Kind: KindCancelled, Model: model, Err: parent.Err()}
	case err != nil:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &UpstreamError{Kind: KindTimeout, Model: model, Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &UpstreamError{Kind: KindTimeout, Model: model, Err: err}
		}
		return &UpstreamError{Kind: KindTransient, Model: model, Err: err}
	case status >= 500:
		return &UpstreamError{Kind: KindTransient, Status: status, Model: model, Err: fmt.Errorf("server error (status %d)", status)}
	default:
		return &UpstreamError{Kind: KindPermanent, Status: status, Model: model, Err: fmt.Errorf("request rejected (status %d)", status)}
	}
}
