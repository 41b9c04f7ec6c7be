package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harrylevesque/biotimesync/internal/jobs"
	"github.com/harrylevesque/biotimesync/internal/syncer"
)

// Job kinds run by the queue.
const (
	KindDeviceSync  = "device_sync"
	KindSyncByID    = "sync_by_id"
	KindManualSync  = "manual_sync"
	KindRangeSync   = "range_sync"
	KindBackfill    = "backfill_locations"
	EnqueuedMessage = "Syncing the transactions in processing; It may take a few seconds."
)

// RangeParams are the parameters of range based jobs.
type RangeParams struct {
	Start    time.Time `json:"start_time"`
	End      time.Time `json:"end_time"`
	DeviceID int64     `json:"device_id,omitempty"`
	EmpCode  string    `json:"emp_code,omitempty"`
}

// RegisterJobs binds the sync engine to the job queue.
func RegisterJobs(q *jobs.Queue, sy *syncer.Syncer) {
	q.Register(KindDeviceSync, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return sy.SyncAllDevices(ctx)
	})
	q.Register(KindSyncByID, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return sy.SyncByID(ctx)
	})
	q.Register(KindManualSync, rangeJob(func(ctx context.Context, p RangeParams) (interface{}, error) {
		return sy.ManualSync(ctx, p.Start, p.End, p.DeviceID)
	}))
	q.Register(KindRangeSync, rangeJob(func(ctx context.Context, p RangeParams) (interface{}, error) {
		return sy.SyncRange(ctx, p.Start, p.End, p.EmpCode)
	}))
	q.Register(KindBackfill, rangeJob(func(ctx context.Context, p RangeParams) (interface{}, error) {
		n, err := sy.BackfillLocations(ctx, p.Start, p.End)
		return map[string]int{"updated": n}, err
	}))
}

func rangeJob(fn func(context.Context, RangeParams) (interface{}, error)) jobs.Handler {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p RangeParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return fn(ctx, p)
	}
}
