package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 2}
}

func TestDo_RetriesUpToLimit(t *testing.T) {
	var attempts int
	_, err := Do(context.Background(), NewReadPolicy[int](fastConfig()), func() (int, error) {
		attempts++
		return 0, errors.New("rpc unavailable")
	})

	require.Error(t, err)
	assert.EqualError(t, err, "rpc unavailable")
	assert.Equal(t, 3, attempts)
}

func TestDo_EventualSuccess(t *testing.T) {
	var attempts int
	got, err := Do(context.Background(), NewReadPolicy[int](fastConfig()), func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("timeout")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, attempts)
}

func TestDo_PermanentNotRetried(t *testing.T) {
	terminal := errors.New("execution reverted")

	var attempts int
	_, err := Do(context.Background(), NewReadPolicy[int](fastConfig()), func() (int, error) {
		attempts++
		return 0, Permanent(terminal)
	})

	assert.ErrorIs(t, err, terminal)
	assert.False(t, IsPermanent(err), "marker is stripped from the returned error")
	assert.Equal(t, 1, attempts)
}

func TestDo_NegativeRetriesMeansSingleAttempt(t *testing.T) {
	var attempts int
	_, err := Do(context.Background(), NewReadPolicy[int](Config{MaxRetries: -1}), func() (int, error) {
		attempts++
		return 0, errors.New("down")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDefaultReadConfig(t *testing.T) {
	cfg := DefaultReadConfig()
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
}
