// Package retry classifies transient remote errors and re-executes
// operations with bounded exponential backoff.
//
// Only three error classes are retried: clock skew (auth token issued in
// the future), auth failures (expired/invalid token), and network failures.
// Everything else re-raises immediately; blind retry of unknown errors
// risks duplicate side effects.
package retry

import (
	"context"
	"errors"
	"log"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/taskvault/taskvault/internal/remote"
)

// Class is the transient-error classification of a caught error.
type Class int

const (
	// ClassOther is any error outside the retryable taxonomy.
	ClassOther Class = iota
	// ClassClockSkew is a token issued in the future (client clock behind).
	ClassClockSkew
	// ClassAuth is a 401/403 or invalid-token failure.
	ClassAuth
	// ClassNetwork is a fetch failure or service-unavailable response.
	ClassNetwork
)

// String returns a human-readable class name.
func (c Class) String() string {
	switch c {
	case ClassClockSkew:
		return "clock-skew"
	case ClassAuth:
		return "auth"
	case ClassNetwork:
		return "network"
	default:
		return "other"
	}
}

// Retryable reports whether the class participates in the retry loop.
func (c Class) Retryable() bool {
	return c == ClassClockSkew || c == ClassAuth || c == ClassNetwork
}

// Classify maps an error onto the retry taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, remote.ErrClockSkew) {
		return ClassClockSkew
	}

	var se *remote.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == 401 || se.Status == 403:
			return ClassAuth
		case se.Status == 503:
			return ClassNetwork
		}
		return ClassOther
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ClassNetwork
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid token"), strings.Contains(msg, "jwt expired"):
		return ClassAuth
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "network"):
		return ClassNetwork
	}
	return ClassOther
}

// Policy executes operations with classified exponential backoff.
type Policy struct {
	// MaxAttempts bounds the total number of tries (default 3).
	MaxAttempts int

	// Logger for retry diagnostics (default stderr).
	Logger *log.Logger

	// sleep waits out one backoff delay; overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a Policy with the given attempt bound.
func NewPolicy(maxAttempts int, logger *log.Logger) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[retry] ", log.LstdFlags)
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		Logger:      logger,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op, retrying transient failures with delay 2^attempt seconds.
// After exhausting attempts the last error is returned to the caller, who
// owns user-visible reporting. Non-retryable errors return immediately.
func (p *Policy) Do(ctx context.Context, opContext string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt)) * time.Second
			p.Logger.Printf("Retrying %s (attempt %d/%d, class %s) in %v",
				opContext, attempt+1, p.MaxAttempts, Classify(lastErr), delay)
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !Classify(lastErr).Retryable() {
			return lastErr
		}
	}
	return lastErr
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p *Policy, opContext string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, opContext, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}
