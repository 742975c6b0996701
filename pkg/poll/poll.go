package poll

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	ErrInvalidBaseDelay = errors.New("BaseDelay must be greater than 0")
	ErrInvalidJitter    = errors.New("JitterFactor must be between 0.0 and 1.0")
	ErrMaxSteps         = errors.New("maximum number of attempts reached")
)

// Config defines parameters for exponential backoff polling.
type Config struct {
	// Initial delay before first retry
	BaseDelay time.Duration
	// Multiplier for delay on each retry
	Factor float64
	// Optional maximum delay between retries
	MaxDelay time.Duration
	// Optional cap on the number of attempts, 0 means unbounded
	MaxSteps int
	// Fraction of the delay randomly added or removed, 0.0 - 1.0
	JitterFactor float64
}

func (c Config) validate() error {
	if c.BaseDelay <= 0 {
		return ErrInvalidBaseDelay
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return ErrInvalidJitter
	}
	return nil
}

// BackoffWithContext repeatedly calls the operation until it returns true, an
// error, the step budget is spent, or the context is done. It waits between
// attempts using exponential backoff starting from Config.BaseDelay.
func BackoffWithContext(ctx context.Context, cfg Config, opFn func(context.Context) (bool, error)) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid poll config: %w", err)
	}

	for tries := 1; ; tries++ {
		done, err := opFn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if cfg.MaxSteps > 0 && tries >= cfg.MaxSteps {
			return ErrMaxSteps
		}
		if err := Sleep(ctx, CalculateBackoffDelay(cfg, tries)); err != nil {
			return err
		}
	}
}

// CalculateBackoffDelay calculates the backoff delay for a given number of tries
// using exponential backoff with the provided configuration.
func CalculateBackoffDelay(cfg Config, tries int) time.Duration {
	if tries <= 0 {
		return 0
	}

	delay := float64(cfg.BaseDelay)
	for i := 1; i < tries; i++ {
		delay *= cfg.Factor
	}

	if cfg.JitterFactor > 0 {
		delay += delay * cfg.JitterFactor * (2*rand.Float64() - 1)
	}

	delayDuration := time.Duration(delay)

	// cap max delay
	if cfg.MaxDelay > 0 && delayDuration > cfg.MaxDelay {
		delayDuration = cfg.MaxDelay
	}

	return delayDuration
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pacer spaces out outbound calls to third-party APIs by a random delay in
// [Min, Max].
type Pacer struct {
	Min time.Duration
	Max time.Duration
}

func NewPacer(minDelay, maxDelay time.Duration) Pacer {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return Pacer{Min: minDelay, Max: maxDelay}
}

// Next returns the delay the next Wait will use.
func (p Pacer) Next() time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	return p.Min + rand.N(p.Max-p.Min+1)
}

// Wait blocks the calling goroutine for a paced delay or until ctx is done.
func (p Pacer) Wait(ctx context.Context) error {
	return Sleep(ctx, p.Next())
}
