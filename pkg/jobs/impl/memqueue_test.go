package impl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
)

func TestMemQueueDeduplicates(t *testing.T) {
	t.Parallel()

	q := NewMem("test")
	executions := 0
	require.NoError(t, q.Start(func(ctx context.Context, job jobs.Job) error {
		executions++
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "same-context", nil))
	for i := 0; i < 9; i++ {
		require.ErrorIs(t, q.Enqueue(ctx, "same-context", nil), jobs.ErrDuplicate)
	}
	require.Equal(t, 1, q.Len())

	n, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, executions)

	// once the earlier job ran, the same id schedules a fresh execution
	require.NoError(t, q.Enqueue(ctx, "same-context", nil))
	n, err = q.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, executions)
}

func TestMemQueueDrainChasesNewJobs(t *testing.T) {
	t.Parallel()

	q := NewMem("test")
	ctx := context.Background()
	require.NoError(t, q.Start(func(ctx context.Context, job jobs.Job) error {
		if job.ID == "first" {
			return q.Enqueue(ctx, "second", nil)
		}
		return nil
	}))

	require.NoError(t, q.Enqueue(ctx, "first", nil))
	n, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
