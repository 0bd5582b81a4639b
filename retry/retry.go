// Package retry holds the bounded backoff policy shared by read-only chain calls.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Config configures a read retry policy
type Config struct {
	// BaseDelay is the first backoff delay; later delays double
	BaseDelay time.Duration

	// MaxDelay caps a single backoff delay
	MaxDelay time.Duration

	// MaxRetries is the number of attempts after the first one
	MaxRetries int
}

// DefaultReadConfig returns the policy used for status checks and fee lookups:
// three attempts in total, backing off from 500ms and never waiting longer than 30s.
func DefaultReadConfig() Config {
	return Config{
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		MaxRetries: 2,
	}
}

func (c Config) normalize() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as terminal so it is returned without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// NewReadPolicy builds an exponential backoff policy that skips permanent errors
func NewReadPolicy[R any](cfg Config) retrypolicy.RetryPolicy[R] {
	cfg = cfg.normalize()
	return retrypolicy.NewBuilder[R]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		HandleIf(func(_ R, err error) bool {
			return err != nil && !IsPermanent(err)
		}).
		Build()
}

// Do runs fn under policy and returns the last error fn produced, with any
// Permanent marker removed.
func Do[R any](ctx context.Context, policy retrypolicy.RetryPolicy[R], fn func() (R, error)) (R, error) {
	var lastErr error
	result, err := failsafe.With[R](policy).WithContext(ctx).Get(func() (R, error) {
		r, err := fn()
		lastErr = err
		return r, err
	})
	if err == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if lastErr != nil {
		err = lastErr
	}
	var p *permanentError
	if errors.As(err, &p) {
		err = p.err
	}
	return result, err
}
