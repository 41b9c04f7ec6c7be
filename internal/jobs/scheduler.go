package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type entry struct {
	interval time.Duration
	kind     string
	name     string
	params   interface{}
}

// Scheduler enqueues jobs on fixed intervals.
type Scheduler struct {
	q       *Queue
	lg      *zap.Logger
	entries []entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(q *Queue) *Scheduler {
	return &Scheduler{q: q, lg: q.lg.Named("scheduler")}
}

// Every enqueues kind under name each interval. Call before Start.
func (s *Scheduler) Every(interval time.Duration, kind, name string, params interface{}) {
	if interval <= 0 {
		return
	}
	s.entries = append(s.entries, entry{interval: interval, kind: kind, name: name, params: params})
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	defer s.wg.Done()
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.q.Enqueue(ctx, e.kind, e.name, e.params); err != nil {
				s.lg.Error("scheduled enqueue failed", zap.String("name", e.name), zap.Error(err))
			}
		}
	}
}

// Stop halts the tickers and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
