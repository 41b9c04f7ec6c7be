// Package jobs runs background work on a worker pool. Jobs are persisted in
// a bbolt file so a restart picks up whatever was still pending.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/harrylevesque/biotimesync/internal/utils"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

var (
	ErrJobNotFound = utils.New(http.StatusNotFound, "job not found")
	ErrUnknownKind = utils.New(http.StatusBadRequest, "unknown job kind")
	ErrQueueFull   = utils.New(http.StatusServiceUnavailable, "job queue is full")
	ErrClosed      = errors.New("jobs: queue closed")
)

var jobsBucket = []byte("jobs")

const (
	dbOpenMode     = 0o600
	defaultWorkers = 2
	defaultBuffer  = 256
)

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Name       string          `json:"name"`
	Params     json.RawMessage `json:"params,omitempty"`
	Status     Status          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Done reports whether the job reached a final state.
func (j Job) Done() bool {
	return j.Status == StatusFinished || j.Status == StatusFailed
}

// Handler runs a job of one kind. The returned value is stored as the job
// result.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

type Options struct {
	Workers int
	// Buffer bounds how many jobs may wait for a worker.
	Buffer int
	// Timeout bounds a single job run. Zero means no limit.
	Timeout time.Duration
	// Retention drops finished jobs older than this on Start. Zero keeps all.
	Retention time.Duration
	Logger    *zap.Logger
}

// Queue is a persistent job queue with a fixed worker pool.
type Queue struct {
	db   *bolt.DB
	opts Options
	lg   *zap.Logger
	now  func() time.Time
	ch   chan string

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Open opens (or creates) the job database at path.
func Open(path string, opts Options) (*Queue, error) {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}
	db, err := bolt.Open(path, dbOpenMode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("job database %s is locked by another process", path)
		}
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Queue{
		db:       db,
		opts:     opts,
		lg:       lg.Named("jobs"),
		now:      time.Now,
		ch:       make(chan string, opts.Buffer),
		handlers: map[string]Handler{},
	}, nil
}

// Register binds a handler to a job kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Enqueue persists a job and hands it to the workers. A job with the same
// name that is still queued or running is returned instead of a new one.
func (q *Queue) Enqueue(ctx context.Context, kind, name string, params interface{}) (Job, error) {
	if _, ok := q.handler(kind); !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Job{}, fmt.Errorf("failed to encode job params: %w", err)
	}
	if name == "" {
		name = kind
	}
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return Job{}, ErrClosed
	}

	var job Job
	var existing bool
	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.Name == name && !j.Done() {
				job, existing = j, true
				return nil
			}
		}
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		job = Job{
			ID:        id.String(),
			Kind:      kind,
			Name:      name,
			Params:    raw,
			Status:    StatusQueued,
			CreatedAt: q.now().UTC(),
		}
		return put(b, job)
	})
	if err != nil {
		return Job{}, err
	}
	if existing {
		q.lg.Debug("job already pending", zap.String("name", name), zap.String("id", job.ID))
		return job, nil
	}
	select {
	case q.ch <- job.ID:
	case <-ctx.Done():
		q.fail(job.ID, ctx.Err())
		return Job{}, ctx.Err()
	default:
		q.fail(job.ID, ErrQueueFull)
		return Job{}, ErrQueueFull
	}
	q.lg.Info("job enqueued", zap.String("id", job.ID), zap.String("kind", kind), zap.String("name", name))
	return job, nil
}

// Get loads a job by ID.
func (q *Queue) Get(id string) (Job, error) {
	var j Job
	err := q.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(jobsBucket).Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		return json.Unmarshal(v, &j)
	})
	return j, err
}

// List returns up to limit jobs, newest first. A limit <= 0 returns all.
func (q *Queue) List(limit int) ([]Job, error) {
	var out []Job
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(jobsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			out = append(out, j)
		}
		return nil
	})
	return out, err
}

// Start re-queues jobs left pending by a previous process and launches the
// workers. Workers stop when ctx is cancelled or Close is called.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return errors.New("jobs: queue already started or closed")
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	if q.opts.Retention > 0 {
		if n, err := q.Prune(q.now().Add(-q.opts.Retention)); err != nil {
			q.lg.Warn("failed to prune jobs", zap.Error(err))
		} else if n > 0 {
			q.lg.Info("pruned finished jobs", zap.Int("count", n))
		}
	}
	pending, err := q.recover()
	if err != nil {
		return err
	}
	for _, id := range pending {
		select {
		case q.ch <- id:
		default:
			q.fail(id, ErrQueueFull)
		}
	}
	if len(pending) > 0 {
		q.lg.Info("re-queued pending jobs", zap.Int("count", len(pending)))
	}
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

// recover marks queued and running jobs as queued again, oldest first.
func (q *Queue) recover() ([]string, error) {
	var ids []string
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		var reset []Job
		if err := b.ForEach(func(k, v []byte) error {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if !j.Done() {
				j.Status = StatusQueued
				j.StartedAt = nil
				reset = append(reset, j)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, j := range reset {
			if err := put(b, j); err != nil {
				return err
			}
			ids = append(ids, j.ID)
		}
		return nil
	})
	return ids, err
}

// Prune deletes finished and failed jobs created before cutoff.
func (q *Queue) Prune(cutoff time.Time) (int, error) {
	n := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		var keys [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.Done() && j.CreatedAt.Before(cutoff) {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	return n, err
}

// Close stops the workers, waits for running jobs and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	return q.db.Close()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.ch:
			q.run(ctx, id)
		}
	}
}

func (q *Queue) run(ctx context.Context, id string) {
	job, claimed, err := q.claim(id)
	if err != nil {
		q.lg.Error("failed to claim job", zap.String("id", id), zap.Error(err))
		return
	}
	if !claimed {
		return
	}
	started := *job.StartedAt
	lg := q.lg.With(zap.String("id", id), zap.String("kind", job.Kind), zap.String("name", job.Name))
	h, ok := q.handler(job.Kind)
	if !ok {
		q.fail(id, fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
		return
	}

	runCtx := ctx
	if q.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, q.opts.Timeout)
		defer cancel()
	}
	res, err := safeRun(runCtx, h, job.Params)
	if err != nil && ctx.Err() != nil {
		// shutting down: leave it running so the next start picks it up
		lg.Info("job interrupted by shutdown")
		return
	}
	finished := q.now().UTC()
	var raw json.RawMessage
	if err == nil && res != nil {
		if raw, err = json.Marshal(res); err != nil {
			err = fmt.Errorf("failed to encode job result: %w", err)
		}
	}
	if uerr := q.update(id, func(j *Job) {
		j.FinishedAt = &finished
		j.Result = raw
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
			return
		}
		j.Status = StatusFinished
	}); uerr != nil {
		lg.Error("failed to store job outcome", zap.Error(uerr))
	}
	if err != nil {
		lg.Error("job failed", zap.Duration("took", finished.Sub(started)), zap.Error(err))
		return
	}
	lg.Info("job finished", zap.Duration("took", finished.Sub(started)))
}

func safeRun(ctx context.Context, h Handler, params json.RawMessage) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, params)
}

func (q *Queue) fail(id string, cause error) {
	now := q.now().UTC()
	if err := q.update(id, func(j *Job) {
		j.Status = StatusFailed
		j.Error = cause.Error()
		j.FinishedAt = &now
	}); err != nil {
		q.lg.Error("failed to mark job failed", zap.String("id", id), zap.Error(err))
	}
}

// claim moves a queued job to running in one transaction. It reports false
// when the job is no longer queued, so an ID delivered twice runs once.
func (q *Queue) claim(id string) (Job, bool, error) {
	var job Job
	claimed := false
	started := q.now().UTC()
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		if err := json.Unmarshal(v, &job); err != nil {
			return err
		}
		if job.Status != StatusQueued {
			return nil
		}
		job.Status = StatusRunning
		job.StartedAt = &started
		claimed = true
		return put(b, job)
	})
	return job, claimed, err
}

func (q *Queue) update(id string, fn func(*Job)) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		var j Job
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}
		fn(&j)
		return put(b, j)
	})
}

func put(b *bolt.Bucket, j Job) error {
	v, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return b.Put([]byte(j.ID), v)
}
