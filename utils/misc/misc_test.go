package misc

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateWorkerID(t *testing.T) {
	workerID := GenerateWorkerID()
	require.Regexp(t, regexp.MustCompile(`^.+-\d+-\d{6}$`), workerID)

	other := GenerateWorkerID()
	require.NotEqual(t, workerID, other)
}

func TestSleepCtx(t *testing.T) {
	t.Run("sleeps for the delay", func(t *testing.T) {
		require.NoError(t, SleepCtx(context.Background(), time.Millisecond))
	})

	t.Run("returns early on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, SleepCtx(ctx, time.Hour), context.Canceled)
	})
}

func TestExponentialNumber(t *testing.T) {
	var expo ExponentialNumber[time.Duration]

	require.Equal(t, time.Second, expo.Next(time.Second, time.Minute))
	require.Equal(t, 2*time.Second, expo.Next(time.Second, time.Minute))
	require.Equal(t, 4*time.Second, expo.Next(time.Second, time.Minute))

	for i := 0; i < 10; i++ {
		_ = expo.Next(time.Second, time.Minute)
	}
	require.Equal(t, time.Minute, expo.Next(time.Second, time.Minute))

	expo.Reset()
	require.Equal(t, time.Second, expo.Next(time.Second, time.Minute))
}
