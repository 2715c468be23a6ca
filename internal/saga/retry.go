package saga

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/veilx-labs/veilx/backend/internal/detection"
	"github.com/veilx-labs/veilx/backend/internal/redaction"
	"github.com/veilx-labs/veilx/backend/internal/reward"
	"github.com/veilx-labs/veilx/backend/internal/storage"
)

const (
	defaultRetryMaxAttempts = 4
	defaultRetryBaseDelay   = 500 * time.Millisecond
)

// RetryPolicy bounds the orchestrator's exponential backoff. Components never
// retry their own calls; this policy is applied in exactly one place.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = defaultRetryMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	return p
}

// transient reports whether the error is worth retrying: component
// unavailability and timeouts, never validation failures.
func transient(err error) bool {
	switch {
	case errors.Is(err, detection.ErrDetectionUnavailable),
		errors.Is(err, redaction.ErrRendererUnavailable),
		errors.Is(err, reward.ErrNetworkUnavailable),
		errors.Is(err, storage.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// runWithRetry executes fn under the policy, retrying transient failures with
// exponential backoff. It returns the number of attempts consumed.
func runWithRetry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) (int, error) {
	policy = policy.withDefaults()

	attempts := 0
	backoff := retry.WithMaxRetries(uint64(policy.MaxAttempts-1), retry.NewExponential(policy.BaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		callErr := fn(ctx)
		if callErr == nil {
			return nil
		}
		if transient(callErr) {
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	return attempts, err
}
