package jobs_test

import (
	"sync"
	"testing"

	"github.com/iotpredict/predictor/internal/jobs"
	"github.com/iotpredict/predictor/internal/model"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *jobs.Store {
	t.Helper()
	store, err := jobs.Open(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestStore(t *testing.T) {
	t.Parallel()
	store := open(t)
	ctx := t.Context()

	payload := model.RunRequest{Scripts: []string{"drying"}, DeviceIDs: []string{"sensor-1"}}
	job, err := store.Create(ctx, payload)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, model.JobQueued, job.Status)

	t.Run("get queued", func(t *testing.T) {
		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, job, got)
		require.Nil(t, got.StartedTS)
		require.Nil(t, got.FinishedTS)
		require.Nil(t, got.Result)
	})

	t.Run("start", func(t *testing.T) {
		require.NoError(t, store.Start(ctx, job.ID))
		require.NoError(t, store.Start(ctx, job.ID), "starting twice is a no-op")
		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.JobRunning, got.Status)
		require.NotNil(t, got.StartedTS)
		require.GreaterOrEqual(t, *got.StartedTS, got.CreatedTS)
	})

	t.Run("finish", func(t *testing.T) {
		published := true
		result := model.CycleResult{Status: model.CycleOK, Items: 2, DurationMS: 12, Published: &published}
		require.NoError(t, store.Finish(ctx, job.ID, model.JobDone, result))
		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.JobDone, got.Status)
		require.NotNil(t, got.FinishedTS)
		require.Equal(t, &result, got.Result)
		require.Equal(t, payload, got.Payload)
	})

	t.Run("terminal is final", func(t *testing.T) {
		require.ErrorIs(t, store.Cancel(ctx, job.ID), jobs.ErrAlreadyFinished)
		require.ErrorIs(t, store.Start(ctx, job.ID), jobs.ErrAlreadyFinished)
		require.ErrorIs(t, store.Finish(ctx, job.ID, model.JobError, model.CycleResult{Status: model.CycleError}), jobs.ErrAlreadyFinished)
		got, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.JobDone, got.Status)
	})

	t.Run("not terminal", func(t *testing.T) {
		err := store.Finish(ctx, job.ID, model.JobRunning, model.CycleResult{})
		require.EqualError(t, err, `status "running" is not terminal`)
	})
}

func TestStore_Cancel(t *testing.T) {
	t.Parallel()
	store := open(t)
	ctx := t.Context()

	job, err := store.Create(ctx, model.RunRequest{})
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, job.ID))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCanceled, got.Status)
	require.Nil(t, got.StartedTS, "canceled while queued")
	require.Equal(t, model.CycleCanceled, got.Result.Status)

	require.ErrorIs(t, store.Start(ctx, job.ID), jobs.ErrAlreadyFinished)
}

func TestStore_NotFound(t *testing.T) {
	t.Parallel()
	store := open(t)
	ctx := t.Context()

	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, jobs.ErrNotFound)
	require.ErrorIs(t, store.Start(ctx, "nope"), jobs.ErrNotFound)
	require.ErrorIs(t, store.Cancel(ctx, "nope"), jobs.ErrNotFound)
}

func TestStore_Concurrent(t *testing.T) {
	t.Parallel()
	store := open(t)
	ctx := t.Context()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Go(func() {
			job, err := store.Create(ctx, model.RunRequest{})
			if err == nil {
				ids[i] = job.ID
			}
		})
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		require.NotEmpty(t, id)
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.JobQueued, got.Status)
		seen[id] = true
	}
	require.Len(t, seen, len(ids))
}
