package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fast(attempts int, exponential bool) Policy {
	return Policy{Attempts: attempts, Base: time.Millisecond, Max: 2 * time.Millisecond, Exponential: exponential}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	for _, exp := range []bool{true, false} {
		calls := 0
		v, err := Do(context.Background(), fast(3, exp), func() (int, error) {
			calls++
			if calls < 3 {
				return 0, errFlaky
			}
			return 42, nil
		})
		require.NoError(t, err)
		require.Equal(t, 42, v)
		require.Equal(t, 3, calls)
	}
}

func TestDoStopsAtAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast(2, false), func() (struct{}, error) {
		calls++
		return struct{}{}, errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	require.Equal(t, 2, calls)

	calls = 0
	err = Run(context.Background(), Once, func() error {
		calls++
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	require.Equal(t, 1, calls)
}

func TestPermanent(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fast(5, true), func() error {
		calls++
		return Permanent(errFlaky)
	})
	require.ErrorIs(t, err, errFlaky)
	require.Equal(t, 1, calls)
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Run(ctx, Policy{Attempts: 10, Base: time.Hour, Max: time.Hour}, func() error {
		calls++
		cancel()
		return errFlaky
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDefaults(t *testing.T) {
	require.Equal(t, Policy{Attempts: 3, Base: 100 * time.Millisecond, Max: time.Second, Exponential: true}, Transport)
	require.Equal(t, 2, Protocol.Attempts)
	require.False(t, Protocol.Exponential)
	require.Equal(t, 10*time.Millisecond, Crypto.Base)
	require.Equal(t, 5, Storage.Attempts)
	require.Equal(t, 500*time.Millisecond, Storage.Max)
}
