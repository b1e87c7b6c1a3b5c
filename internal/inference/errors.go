package inference

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an adapter failure for the coordinator's retry policy.
type Kind int

const (
	// KindConnect covers dial and handshake failures. Retryable.
	KindConnect Kind = iota

	// KindTimeout covers deadline expiry on dial, read, or write. Retryable.
	KindTimeout

	// KindProtocol covers malformed or unexpected responses from the
	// backend. Retryable up to the coordinator's bound, then fatal.
	KindProtocol

	// KindConfig covers unknown or unconfigured models and unusable input
	// files. Fatal, never retried.
	KindConfig

	// KindCancelled means the call was abandoned cooperatively. Not an
	// error for reporting purposes.
	KindCancelled
)

// String returns the lowercase taxonomy name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindConfig:
		return "config"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Failure is the adapter's typed error. Op names the step that failed.
type Failure struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("inference %s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("inference %s (%s): %v", f.Op, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the coordinator may retry this failure.
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case KindConnect, KindTimeout, KindProtocol:
		return true
	}
	return false
}

// failure wraps err, mapping context cancellation and deadline expiry onto
// the taxonomy regardless of the kind the caller suggested.
func failure(kind Kind, op string, err error) *Failure {
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return &Failure{Kind: kind, Op: op, Err: err}
}

// classify is failure with the call context consulted first: a transport
// error observed after the context fired is reported as the context's
// outcome (cancelled or timeout), not as the transport symptom.
func classify(ctx context.Context, kind Kind, op string, err error) *Failure {
	if cerr := ctx.Err(); cerr != nil {
		return failure(kind, op, cerr)
	}
	return failure(kind, op, err)
}

// AsFailure extracts a *Failure from an error chain. Errors that did not
// originate in this package are reported as connect-class (retryable) so an
// unexpected transport error cannot permanently fail a session on first sight.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return failure(KindConnect, "adapter", err)
}
