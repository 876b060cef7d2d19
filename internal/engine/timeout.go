package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/logging"
)

const (
	// DefaultTimeout applies when a resource declares no timeout of its own.
	DefaultTimeout = 30 * time.Minute

	// clusterTimeout covers cluster create/update/delete; managed clusters
	// routinely take over an hour to converge.
	clusterTimeout = 120 * time.Minute
)

// RetryPolicy controls retry behavior for transient failures.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Backoff:     2 * time.Second,
	MaxBackoff:  30 * time.Second,
}

// defaultTimeoutFor returns the per-operation timeout for a kind when the
// spec carries none.
func defaultTimeoutFor(kind string, action applier.Action) time.Duration {
	if kind == ir.KindCluster {
		return clusterTimeout
	}
	_ = action
	return DefaultTimeout
}

// operationTimeout resolves the timeout for a change: the spec's declared
// value for the action if present, a kind default otherwise.
func operationTimeout(spec *ir.ResourceSpec, action applier.Action) (time.Duration, error) {
	var declared string
	if spec.Timeouts != nil {
		switch action {
		case applier.ActionCreate:
			declared = spec.Timeouts.Create
		case applier.ActionUpdate, applier.ActionReplace:
			declared = spec.Timeouts.Update
		case applier.ActionDelete:
			declared = spec.Timeouts.Delete
		}
	}
	if declared == "" {
		return defaultTimeoutFor(spec.Kind, action), nil
	}
	d, err := time.ParseDuration(declared)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q for %s: %w", declared, spec.Address(), err)
	}
	return d, nil
}

// WithTimeout wraps a context with an operation deadline.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// RetryWithBackoff runs fn, retrying transient failures with capped
// exponential backoff and jitter. Non-transient errors return immediately.
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	backoff := policy.Backoff

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransientError(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		wait := backoff + jitter
		logging.Warn("transient failure, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"wait", wait.String(),
			"error", lastErr.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", policy.MaxAttempts, lastErr)
}

var transientAPICodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"TooManyRequestsException": true,
	"RequestLimitExceeded":     true,
	"ServiceUnavailable":       true,
	"RequestTimeout":           true,
	"InternalFailure":          true,
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporarily unavailable",
	"too many requests",
	"throttl",
	"rate exceeded",
}

// IsTransientError reports whether an error looks retryable: a throttling
// or server-fault API error, or a recognizable network hiccup.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientAPICodes[apiErr.ErrorCode()] {
			return true
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
