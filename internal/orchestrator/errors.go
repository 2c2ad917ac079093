package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/rotisserie/eris"
)

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	// KindTransient covers network failures, timeouts, 5xx responses and
	// rate limits.
	KindTransient ErrorKind = "transient"

	// KindMalformed means the reasoner answered but the result failed
	// validation after one repair attempt.
	KindMalformed ErrorKind = "malformed"

	// KindDependency means a prerequisite payload was missing.
	KindDependency ErrorKind = "dependency"

	// KindConfig means the reasoner refused the request itself: bad
	// credentials, an unknown model or a wrong endpoint. The stage is
	// failed and retried on later cycles within its budget, once the
	// operator has fixed the configuration.
	KindConfig ErrorKind = "config"

	// KindStorage means a durable write or read failed.
	KindStorage ErrorKind = "storage"

	// KindCancelled means the parent context ended mid-execution. Nothing
	// was written and the stage stays in_progress.
	KindCancelled ErrorKind = "cancelled"
)

// Sentinel errors.
var (
	ErrStageComplete   = eris.New("orchestrator: stage is already complete")
	ErrStageInFlight   = eris.New("orchestrator: stage is in flight")
	ErrProjectRequired = eris.New("orchestrator: project id is required")
	ErrNoDefinition    = eris.New("orchestrator: no stage definition")
)

// ExecutionError is the only error type the Executor returns.
type ExecutionError struct {
	Kind  ErrorKind
	Stage pipeline.StageID

	// RateLimited is set on transient errors caused by a provider rate
	// limit. RetryAfter is the provider's hint, zero when absent.
	RateLimited bool
	RetryAfter  time.Duration

	Err error
}

func (e *ExecutionError) Error() string {
	prefix := fmt.Sprintf("orchestrator: %s", e.Kind)
	if e.Stage != "" {
		prefix = fmt.Sprintf("orchestrator: stage %s: %s", e.Stage, e.Kind)
	}
	if e.RateLimited {
		prefix += " (rate limited)"
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Aborts reports whether the error stops the cycle from dispatching more
// stages.
func (e *ExecutionError) Aborts() bool {
	switch e.Kind {
	case KindDependency, KindConfig, KindStorage, KindCancelled:
		return true
	}
	return false
}

// TransientError wraps err as a retryable failure.
func TransientError(err error) *ExecutionError {
	return &ExecutionError{Kind: KindTransient, Err: err}
}

// RateLimitError wraps err as a rate-limited transient failure.
func RateLimitError(err error, retryAfter time.Duration) *ExecutionError {
	return &ExecutionError{Kind: KindTransient, RateLimited: true, RetryAfter: retryAfter, Err: err}
}

// MalformedError wraps err as a validation failure.
func MalformedError(err error) *ExecutionError {
	return &ExecutionError{Kind: KindMalformed, Err: err}
}

// AsExecutionError extracts an *ExecutionError from err's chain.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// classify turns a reasoner error into an ExecutionError. Errors that are
// already classified keep their kind; everything else is transient.
func classify(stage pipeline.StageID, err error) *ExecutionError {
	if ee, ok := AsExecutionError(err); ok {
		out := *ee
		out.Stage = stage
		return &out
	}
	return &ExecutionError{Kind: KindTransient, Stage: stage, Err: err}
}
