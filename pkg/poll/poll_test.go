package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffWithContext(t *testing.T) {
	opErr := errors.New("fatal op error")

	tests := []struct {
		name       string
		ctxTimeout time.Duration
		config     Config
		operation  func() func(context.Context) (bool, error)
		expectErr  error
	}{
		{
			name:       "immediate success",
			ctxTimeout: time.Second,
			config:     Config{BaseDelay: 10 * time.Millisecond, Factor: 2},
			operation: func() func(context.Context) (bool, error) {
				return func(context.Context) (bool, error) { return true, nil }
			},
		},
		{
			name:       "succeeds after retries",
			ctxTimeout: 500 * time.Millisecond,
			config:     Config{BaseDelay: 10 * time.Millisecond, Factor: 2},
			operation: func() func(context.Context) (bool, error) {
				attempts := 0
				return func(context.Context) (bool, error) {
					attempts++
					return attempts >= 3, nil
				}
			},
		},
		{
			name:       "fails with permanent error",
			ctxTimeout: time.Second,
			config:     Config{BaseDelay: 10 * time.Millisecond, Factor: 2},
			operation: func() func(context.Context) (bool, error) {
				return func(context.Context) (bool, error) { return false, opErr }
			},
			expectErr: opErr,
		},
		{
			name:       "context timeout cancels retries",
			ctxTimeout: 50 * time.Millisecond,
			config:     Config{BaseDelay: 30 * time.Millisecond, Factor: 2},
			operation: func() func(context.Context) (bool, error) {
				return func(context.Context) (bool, error) { return false, nil }
			},
			expectErr: context.DeadlineExceeded,
		},
		{
			name:       "invalid base delay",
			ctxTimeout: 50 * time.Millisecond,
			config:     Config{BaseDelay: 0, Factor: 2},
			operation: func() func(context.Context) (bool, error) {
				return func(context.Context) (bool, error) { return false, nil }
			},
			expectErr: ErrInvalidBaseDelay,
		},
		{
			name:       "max steps exceeded",
			ctxTimeout: 5 * time.Second,
			config:     Config{BaseDelay: 10 * time.Millisecond, Factor: 2, MaxSteps: 3},
			operation: func() func(context.Context) (bool, error) {
				return func(context.Context) (bool, error) { return false, nil }
			},
			expectErr: ErrMaxSteps,
		},
		{
			name:       "invalid jitter factor",
			ctxTimeout: 50 * time.Millisecond,
			config:     Config{BaseDelay: 10 * time.Millisecond, Factor: 2, JitterFactor: 1.5},
			operation: func() func(context.Context) (bool, error) {
				return func(context.Context) (bool, error) { return false, nil }
			},
			expectErr: ErrInvalidJitter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tt.ctxTimeout)
			defer cancel()

			err := BackoffWithContext(ctx, tt.config, tt.operation())
			if tt.expectErr != nil {
				require.ErrorIs(t, err, tt.expectErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCalculateBackoffDelay(t *testing.T) {
	cfg := Config{BaseDelay: 10 * time.Millisecond, Factor: 2, MaxDelay: 100 * time.Millisecond}

	require.Equal(t, time.Duration(0), CalculateBackoffDelay(cfg, 0))
	require.Equal(t, 10*time.Millisecond, CalculateBackoffDelay(cfg, 1))
	require.Equal(t, 40*time.Millisecond, CalculateBackoffDelay(cfg, 3))
	require.Equal(t, 100*time.Millisecond, CalculateBackoffDelay(cfg, 10))

	cfg.JitterFactor = 0.1
	for i := 0; i < 50; i++ {
		d := CalculateBackoffDelay(cfg, 3)
		require.GreaterOrEqual(t, d, 36*time.Millisecond)
		require.LessOrEqual(t, d, 44*time.Millisecond)
	}
}

func TestSleep(t *testing.T) {
	start := time.Now()
	require.NoError(t, Sleep(context.Background(), 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}

func TestPacer(t *testing.T) {
	p := NewPacer(time.Second, 2*time.Second)
	for i := 0; i < 100; i++ {
		d := p.Next()
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 2*time.Second)
	}

	fixed := NewPacer(5*time.Millisecond, time.Millisecond)
	require.Equal(t, 5*time.Millisecond, fixed.Next())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Wait(ctx), context.Canceled)
}
