package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("store busy")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	base := errors.New("persistent error")
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		return base
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.ErrorIs(t, err, base)
	assert.Equal(t, 3, attempts)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	base := errors.New("zone does not exist")
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		attempts++
		return Permanent(base)
	})

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, 1, attempts)
	assert.Nil(t, Permanent(nil))
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestDo_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative delay", Config{InitialDelay: -1}},
		{"negative multiplier", Config{Multiplier: -2}},
		{"max below initial", Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Do(context.Background(), tt.cfg, func() error { return nil })
			assert.Error(t, err)
		})
	}
}

func TestConfig_NextCapsAtMaxDelay(t *testing.T) {
	cfg, err := fastConfig(4).normalize()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Millisecond, cfg.next(5*time.Millisecond))
	assert.Equal(t, 20*time.Millisecond, cfg.next(15*time.Millisecond))
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("timeout")
		}
		return "zone-7", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "zone-7", got)
}
