package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harrylevesque/biotimesync/internal/biotime"
	"github.com/harrylevesque/biotimesync/internal/models"
	"github.com/harrylevesque/biotimesync/internal/store"
	"github.com/harrylevesque/biotimesync/internal/utils"
)

var (
	ErrInvalidRange = utils.New(http.StatusBadRequest, "End Time must be greater than Start Time.")
	ErrNoAlias      = utils.New(http.StatusBadRequest, "Device Alias is required to sync records.")
	ErrNoDevices    = utils.New(http.StatusNotFound, "No devices found for sync")
)

// LastCheckin is where an incremental device sync starts: the latest checkin
// recorded through the device, its last activity, or 24 hours ago.
func (s *Syncer) LastCheckin(ctx context.Context, d models.Device) time.Time {
	at, ok, err := s.st.LastCheckinTime(ctx, d.DeviceAlias)
	switch {
	case err != nil:
		s.lg.Error("failed to read last checkin", zap.String("alias", d.DeviceAlias), zap.Error(err))
	case ok:
		return at
	}
	if d.LastActivity != nil {
		return d.LastActivity.In(s.st.Location())
	}
	return s.now().Add(-defaultLookbackOnEmpty)
}

// SyncDevice fetches new punches of one device. The window starts at two
// hours from the last checkin and doubles while nothing is found or the fetch
// fails, up to 24 hours. The end never passes now.
func (s *Syncer) SyncDevice(ctx context.Context, d models.Device) (Batch, error) {
	start := s.LastCheckin(ctx, d)
	lg := s.lg.With(zap.String("alias", d.DeviceAlias), zap.Int64("device_id", d.DeviceID))
	var lastErr error
	for window := initialDeviceWindow; window <= maxDeviceWindow; window *= 2 {
		end := start.Add(window)
		capped := false
		if now := s.now(); end.After(now) {
			end, capped = now, true
		}
		lg.Debug("fetching device transactions", zap.Time("start", start), zap.Time("end", end))
		b, err := s.FetchTransactions(ctx, biotime.TransactionQuery{
			StartTime:     start,
			EndTime:       end,
			TerminalAlias: d.DeviceAlias,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Batch{}, ctx.Err()
			}
			lg.Warn("device fetch failed, widening window", zap.Duration("window", window), zap.Error(err))
			lastErr = err
		} else {
			lastErr = nil
			if b.Len() > 0 {
				lg.Info("found checkins",
					zap.Int("employee", len(b.Checkins)),
					zap.Int("biotime", len(b.BioTimeCheckins)))
				return b, nil
			}
		}
		if capped && lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return Batch{}, lastErr
	}
	lg.Debug("no checkins found", zap.Duration("max_window", maxDeviceWindow))
	return Batch{}, nil
}

// SyncAllDevices runs SyncDevice for every registered device. A failing device
// is counted and skipped.
func (s *Syncer) SyncAllDevices(ctx context.Context) (Result, error) {
	devices, err := s.st.Devices(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(devices) == 0 {
		s.lg.Warn("no devices found for sync")
		return Result{}, ErrNoDevices
	}
	s.lg.Info("starting device sync", zap.Int("devices", len(devices)))

	var (
		mu  sync.Mutex
		res = Result{Devices: len(devices)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, d := range devices {
		d := d
		g.Go(func() error {
			b, err := s.SyncDevice(gctx, d)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.lg.Error("failed to sync device", zap.String("alias", d.DeviceAlias), zap.Int64("device_id", d.DeviceID), zap.Error(err))
				mu.Lock()
				res.FailedDevices++
				mu.Unlock()
				return nil
			}
			if b.Len() == 0 {
				return nil
			}
			r := s.insertBatch(gctx, b)
			if err := s.st.SetDeviceLastSync(gctx, d.DeviceID, s.now()); err != nil {
				s.lg.Warn("failed to stamp device sync", zap.Int64("device_id", d.DeviceID), zap.Error(err))
			}
			mu.Lock()
			res.add(r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	s.lg.Info("device sync completed",
		zap.Int("successful", res.Devices-res.FailedDevices),
		zap.Int("failed", res.FailedDevices),
		zap.Int("inserted", res.Checkins.Inserted),
		zap.Int("biotime_inserted", res.BioTimeCheckins.Inserted))
	return res, nil
}

// SyncByID reads transactions after the connector's last synced ID and
// advances the cursor to the highest ID seen.
func (s *Syncer) SyncByID(ctx context.Context) (Result, error) {
	sess, err := s.tokens.Token(ctx)
	if err != nil {
		return Result{}, err
	}
	last := sess.Connector.LastSyncedID
	size := s.opts.ByIDPageSize
	first := 1
	if last > 0 {
		first = int(last/int64(size)) + 1
	}
	s.lg.Info("starting id sync", zap.Int64("last_synced_id", last), zap.Int("page", first))
	txs, err := s.fetchPages(ctx, biotime.TransactionQuery{PageSize: size}, first, false)
	if err != nil {
		return Result{}, err
	}
	b, err := s.classify(ctx, txs, last)
	if err != nil {
		return Result{}, err
	}
	res := s.insertBatch(ctx, b)
	res.LastSyncedID = last
	if b.MaxID > last {
		if err := s.tokens.cs.SetLastSyncedID(sess.Connector.Name, b.MaxID); err != nil {
			return res, fmt.Errorf("failed to store last synced id: %w", err)
		}
		res.LastSyncedID = b.MaxID
	}
	s.lg.Info("id sync completed",
		zap.Int("fetched", res.Fetched),
		zap.Int("inserted", res.Checkins.Inserted),
		zap.Int64("last_synced_id", res.LastSyncedID))
	return res, nil
}

// ManualSync fetches one device's punches between start and end.
func (s *Syncer) ManualSync(ctx context.Context, start, end time.Time, deviceID int64) (Result, error) {
	if end.Before(start) {
		return Result{}, ErrInvalidRange
	}
	d, err := s.st.Device(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, utils.Wrap(http.StatusNotFound, fmt.Sprintf("Device %d not found", deviceID), err)
		}
		return Result{}, err
	}
	if d.DeviceAlias == "" {
		return Result{}, ErrNoAlias
	}
	b, err := s.FetchTransactions(ctx, biotime.TransactionQuery{
		StartTime:     start,
		EndTime:       end,
		PageSize:      manualSyncPageSize,
		TerminalAlias: d.DeviceAlias,
	})
	if err != nil {
		return Result{}, err
	}
	return s.insertBatch(ctx, b), nil
}

// SyncRange fetches the punches of every device between start and end,
// optionally for a single employee code.
func (s *Syncer) SyncRange(ctx context.Context, start, end time.Time, empCode string) (Result, error) {
	if end.Before(start) {
		return Result{}, ErrInvalidRange
	}
	devices, err := s.st.Devices(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Devices: len(devices)}
	for _, d := range devices {
		if d.DeviceAlias == "" {
			continue
		}
		b, err := s.FetchTransactions(ctx, biotime.TransactionQuery{
			StartTime:     start,
			EndTime:       end,
			PageSize:      manualSyncPageSize,
			EmpCode:       empCode,
			TerminalAlias: d.DeviceAlias,
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.lg.Error("failed to sync device range", zap.String("alias", d.DeviceAlias), zap.Error(err))
			res.FailedDevices++
			continue
		}
		res.add(s.insertBatch(ctx, b))
	}
	return res, nil
}

// BackfillLocations refetches start..end and writes the device location onto
// stored employee checkins matched by (employee, time, log_type).
func (s *Syncer) BackfillLocations(ctx context.Context, start, end time.Time) (int, error) {
	if end.Before(start) {
		return 0, ErrInvalidRange
	}
	b, err := s.FetchTransactions(ctx, biotime.TransactionQuery{StartTime: start, EndTime: end, PageSize: backfillPageSize})
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, c := range b.Checkins {
		stored, err := s.st.CheckinByKey(ctx, c.Employee, c.Time, c.LogType)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return updated, err
		}
		if stored.DeviceID == c.DeviceID {
			continue
		}
		if err := s.st.SetCheckinDeviceID(ctx, stored.Name, c.DeviceID); err != nil {
			return updated, err
		}
		updated++
	}
	s.lg.Info("checkin locations backfilled", zap.Int("updated", updated), zap.Int("fetched", len(b.Checkins)))
	return updated, nil
}
