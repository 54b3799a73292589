package orders

import (
	"context"
	"time"
)

// RetryPolicy controls retry behavior for outbound calls. Delays grow as
// BaseDelay << (attempt-1) up to MaxDelay; there is no jitter and no
// retryable/non-retryable distinction unless ShouldRetry is set.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do executes the function with retries according to the policy and
// returns the last observed error once attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		delay := p.BaseDelay
		if delay > 0 {
			delay = delay << (attempt - 1)
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReliablePaymentClient wraps a PaymentClient so the charge call retries
// transient failures with exponential backoff. Refunds are not retried:
// compensation failures are logged by the saga, never re-driven.
type ReliablePaymentClient struct {
	base        PaymentClient
	retry       RetryPolicy
	callTimeout time.Duration
	onRetry     func(attempts int)
}

// NewReliablePaymentClient constructs a retry-wrapped payment client.
// callTimeout bounds each individual attempt; zero disables the deadline.
// onRetry, if set, is told how many extra attempts a call consumed.
func NewReliablePaymentClient(base PaymentClient, retry RetryPolicy, callTimeout time.Duration, onRetry func(attempts int)) *ReliablePaymentClient {
	return &ReliablePaymentClient{
		base:        base,
		retry:       retry,
		callTimeout: callTimeout,
		onRetry:     onRetry,
	}
}

func (c *ReliablePaymentClient) ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	var result PaymentResult
	attempts := 0
	err := c.retry.Do(ctx, func() error {
		attempts++
		callCtx := ctx
		if c.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}
		var callErr error
		result, callErr = c.base.ProcessPayment(callCtx, req)
		return callErr
	})
	if attempts > 1 && c.onRetry != nil {
		c.onRetry(attempts - 1)
	}
	if err != nil {
		return PaymentResult{}, err
	}
	return result, nil
}

func (c *ReliablePaymentClient) RefundPayment(ctx context.Context, paymentID string) error {
	callCtx := ctx
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	return c.base.RefundPayment(callCtx, paymentID)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
