// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryConfig indicates a retry configuration that cannot be
// satisfied (zero attempts, shrinking backoff).
var ErrInvalidRetryConfig = errors.New("invalid retry configuration")

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the initial wait duration before first retry.
	// Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait duration between retries.
	// Default: 30s
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Adds randomness to prevent thundering herd. Default: 0.2
	JitterFactor float64
}

// DefaultRetryConfig returns sensible defaults for backend calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks if the retry configuration is valid.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrInvalidRetryConfig
	}
	if c.InitialBackoff <= 0 {
		return ErrInvalidRetryConfig
	}
	if c.MaxBackoff < c.InitialBackoff {
		return ErrInvalidRetryConfig
	}
	if c.BackoffFactor < 1.0 {
		return ErrInvalidRetryConfig
	}
	return nil
}

// RetryableFunc is a function that can be retried. attempt is 1-based.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry executes fn with exponential backoff.
//
// Only errors that satisfy IsTransient trigger a retry; anything else
// returns immediately. The last error is returned after the attempt
// budget is exhausted.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) (attempts int, err error) {
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		attempts = attempt

		if cerr := ctx.Err(); cerr != nil {
			return attempts, cerr
		}

		err = fn(ctx, attempt)
		if err == nil {
			return attempts, nil
		}
		if !IsTransient(err) {
			return attempts, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-time.After(jitteredBackoff(backoff, config.JitterFactor)):
		}

		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}

	return attempts, err
}

// jitteredBackoff spreads waits across [base*(1-jitter), base*(1+jitter)].
func jitteredBackoff(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
