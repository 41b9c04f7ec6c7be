package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncParams struct {
	Device int64 `json:"device"`
}

func openQueue(t *testing.T, path string, opts Options) *Queue {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "jobs.db")
	}
	q, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func waitDone(t *testing.T, q *Queue, id string) Job {
	t.Helper()
	var j Job
	require.Eventually(t, func() bool {
		var err error
		j, err = q.Get(id)
		return err == nil && j.Done()
	}, 5*time.Second, 5*time.Millisecond)
	return j
}

func TestJobRunsAndStoresResult(t *testing.T) {
	q := openQueue(t, "", Options{})
	q.Register("sync", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p syncParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return map[string]int64{"synced": p.Device}, nil
	})
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), "sync", "sync-7", syncParams{Device: 7})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)

	done := waitDone(t, q, job.ID)
	assert.Equal(t, StatusFinished, done.Status)
	assert.JSONEq(t, `{"synced":7}`, string(done.Result))
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
}

func TestJobFailureIsRecorded(t *testing.T) {
	q := openQueue(t, "", Options{})
	q.Register("boom", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return nil, errors.New("portal unreachable")
	})
	q.Register("panic", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		panic("bad state")
	})
	require.NoError(t, q.Start(context.Background()))

	j, err := q.Enqueue(context.Background(), "boom", "", nil)
	require.NoError(t, err)
	done := waitDone(t, q, j.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "portal unreachable", done.Error)

	j, err = q.Enqueue(context.Background(), "panic", "", nil)
	require.NoError(t, err)
	done = waitDone(t, q, j.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "bad state")
}

func TestJobTimeout(t *testing.T) {
	q := openQueue(t, "", Options{Timeout: 20 * time.Millisecond})
	q.Register("slow", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, q.Start(context.Background()))
	j, err := q.Enqueue(context.Background(), "slow", "", nil)
	require.NoError(t, err)
	done := waitDone(t, q, j.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "deadline exceeded")
}

func TestUnknownKind(t *testing.T) {
	q := openQueue(t, "", Options{})
	_, err := q.Enqueue(context.Background(), "nope", "", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPendingJobWithSameNameIsReused(t *testing.T) {
	q := openQueue(t, "", Options{})
	q.Register("sync", func(ctx context.Context, _ json.RawMessage) (interface{}, error) { return nil, nil })
	a, err := q.Enqueue(context.Background(), "sync", "hourly", nil)
	require.NoError(t, err)
	b, err := q.Enqueue(context.Background(), "sync", "hourly", nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	c, err := q.Enqueue(context.Background(), "sync", "other", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)

	all, err := q.List(0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, c.ID, all[0].ID)
	assert.Equal(t, a.ID, all[1].ID)

	one, err := q.List(1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestPendingJobsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	q, err := Open(path, Options{})
	require.NoError(t, err)
	q.Register("sync", func(ctx context.Context, _ json.RawMessage) (interface{}, error) { return nil, nil })
	j, err := q.Enqueue(context.Background(), "sync", "", nil)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q2 := openQueue(t, path, Options{})
	var runs atomic.Int32
	q2.Register("sync", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		runs.Add(1)
		return nil, nil
	})
	require.NoError(t, q2.Start(context.Background()))
	done := waitDone(t, q2, j.ID)
	assert.Equal(t, StatusFinished, done.Status)
	assert.Equal(t, int32(1), runs.Load())
}

func TestJobEnqueuedBeforeStartRunsOnce(t *testing.T) {
	q := openQueue(t, "", Options{Workers: 2})
	var runs atomic.Int32
	q.Register("sync", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		runs.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	j, err := q.Enqueue(context.Background(), "sync", "", nil)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))

	done := waitDone(t, q, j.ID)
	assert.Equal(t, StatusFinished, done.Status)
	// give a second delivery of the same ID time to reach a worker
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestClaimOnlyQueuedJobs(t *testing.T) {
	q := openQueue(t, "", Options{})
	q.Register("sync", func(ctx context.Context, _ json.RawMessage) (interface{}, error) { return nil, nil })
	j, err := q.Enqueue(context.Background(), "sync", "", nil)
	require.NoError(t, err)

	got, ok, err := q.claim(j.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	_, ok, err = q.claim(j.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = q.claim("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetMissing(t *testing.T) {
	q := openQueue(t, "", Options{})
	_, err := q.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPrune(t *testing.T) {
	q := openQueue(t, "", Options{})
	q.Register("sync", func(ctx context.Context, _ json.RawMessage) (interface{}, error) { return nil, nil })
	require.NoError(t, q.Start(context.Background()))
	j, err := q.Enqueue(context.Background(), "sync", "", nil)
	require.NoError(t, err)
	waitDone(t, q, j.ID)

	n, err := q.Prune(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = q.Prune(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = q.Get(j.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSchedulerEnqueuesPeriodically(t *testing.T) {
	q := openQueue(t, "", Options{})
	var runs atomic.Int32
	q.Register("hourly", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		runs.Add(1)
		return nil, nil
	})
	require.NoError(t, q.Start(context.Background()))

	s := NewScheduler(q)
	s.Every(10*time.Millisecond, "hourly", "hourly-sync", nil)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	s.Stop()
}
