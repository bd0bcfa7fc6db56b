// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

type (
	// RetryPolicy drives a reconnect action until it succeeds or the policy gives up.
	RetryPolicy interface {
		// WaitForNextRetry invokes action following the policy's schedule.
		// It returns nil once action succeeds, an error wrapping ErrRetryExhausted
		// when the policy gives up, or ctx.Err() when ctx is cancelled.
		WaitForNextRetry(ctx context.Context, action func() error) error
	}

	// ReconnectionConfig holds configuration for reconnection behavior
	ReconnectionConfig struct {
		MaxAttempts   int           // Maximum reconnection attempts (0 or less = infinite)
		InitialDelay  time.Duration // Initial delay between reconnection attempts
		BackoffMax    time.Duration // Maximum delay between attempts
		BackoffFactor float64       // Exponential backoff factor
	}

	fixedRetryPolicy struct {
		delay       time.Duration
		maxAttempts int
	}

	exponentialRetryPolicy struct {
		cfg ReconnectionConfig
	}
)

// DefaultReconnectionConfig provides sensible defaults for reconnection behavior
var DefaultReconnectionConfig = ReconnectionConfig{
	MaxAttempts:   0,               // Infinite attempts
	InitialDelay:  time.Second * 2, // Start with 2 second delay
	BackoffMax:    time.Minute * 5, // Maximum 5 minute delay
	BackoffFactor: 1.5,             // 1.5x exponential backoff
}

// NewFixedRetryPolicy waits delay before every attempt. maxAttempts of 0 or
// less retries forever.
func NewFixedRetryPolicy(delay time.Duration, maxAttempts int) RetryPolicy {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &fixedRetryPolicy{delay: delay, maxAttempts: maxAttempts}
}

// NewExponentialRetryPolicy creates a policy with exponential backoff and jitter.
func NewExponentialRetryPolicy(cfg ReconnectionConfig) RetryPolicy {
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = DefaultReconnectionConfig.BackoffFactor
	}
	return &exponentialRetryPolicy{cfg: cfg}
}

func (p *fixedRetryPolicy) WaitForNextRetry(ctx context.Context, action func() error) error {
	timer := time.NewTimer(p.delay)
	defer timer.Stop()

	var lastErr error
	for attempt := 1; p.maxAttempts == 0 || attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if lastErr = action(); lastErr == nil {
			return nil
		}

		logrus.
			WithError(lastErr).
			WithField("attempt", attempt).
			Warnf("tunnelmq retry failed, next attempt in %s", p.delay)

		timer.Reset(p.delay)
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, p.maxAttempts, lastErr)
}

func (p *exponentialRetryPolicy) WaitForNextRetry(ctx context.Context, action func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.InitialDelay
	exp.MaxInterval = p.cfg.BackoffMax
	exp.Multiplier = p.cfg.BackoffFactor
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.cfg.MaxAttempts > 0 {
		// WithMaxRetries counts retries after the first call
		b = backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	wait := exp.NextBackOff()

	// the first attempt waits too: the connection just went away
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}

	var lastErr error
	err := backoff.RetryNotify(
		func() error {
			attempt++
			lastErr = action()
			return lastErr
		},
		b,
		func(err error, next time.Duration) {
			logrus.
				WithError(err).
				WithField("attempt", attempt).
				Warnf("tunnelmq retry failed, next attempt in %s", next.Round(time.Millisecond))
		},
	)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, lastErr)
}
