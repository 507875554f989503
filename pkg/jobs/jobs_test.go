package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	require.Equal(t, time.Second*10, BackoffDelay(config, 1))
	require.Equal(t, time.Second*20, BackoffDelay(config, 2))
	require.Equal(t, time.Second*40, BackoffDelay(config, 3))
	require.Equal(t, time.Second*80, BackoffDelay(config, 4))
}

func TestOptions(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	require.NoError(t, WithConcurrency(30)(config))
	require.Equal(t, 30, config.Concurrency)

	require.Error(t, WithConcurrency(0)(config))
	require.Error(t, WithMaxAttempts(0)(config))
	require.Error(t, WithJobTimeout(time.Millisecond)(config))
	require.Error(t, WithInitialBackoff(time.Millisecond)(config))
}
