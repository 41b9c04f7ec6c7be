package syncer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/harrylevesque/biotimesync/internal/models"
	"github.com/harrylevesque/biotimesync/internal/store"
)

// InsertStats counts the outcome of one bulk insert.
type InsertStats struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

func (a *InsertStats) Add(b InsertStats) {
	a.Inserted += b.Inserted
	a.Duplicates += b.Duplicates
	a.Failed += b.Failed
}

// InsertCheckins stores employee checkins, skipping ones already stored. A
// failing record is counted and logged; the rest of the batch continues.
func (s *Syncer) InsertCheckins(ctx context.Context, checkins []models.EmployeeCheckin) InsertStats {
	var stats InsertStats
	for i := range checkins {
		c := checkins[i]
		lg := s.lg.With(zap.String("employee", c.Employee), zap.Time("time", c.Time), zap.String("log_type", c.LogType))
		exists, err := s.st.CheckinExists(ctx, c.Employee, c.Time, c.LogType)
		if err != nil {
			lg.Error("checkin lookup failed", zap.Error(err))
			stats.Failed++
			continue
		}
		if exists {
			stats.Duplicates++
			continue
		}
		if s.marker != nil {
			if err := s.marker.PrepareCheckin(ctx, &c); err != nil {
				lg.Warn("shift assignment failed", zap.Error(err))
			}
		}
		if err := s.st.InsertCheckin(ctx, &c); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				stats.Duplicates++
				continue
			}
			lg.Error("failed to insert checkin", zap.Error(err))
			stats.Failed++
			continue
		}
		stats.Inserted++
		checkins[i] = c
		if s.marker != nil {
			if _, err := s.marker.OnCheckin(ctx, c); err != nil {
				lg.Error("attendance update failed", zap.String("checkin", c.Name), zap.Error(err))
			}
		}
	}
	if len(checkins) > 0 {
		s.lg.Info("employee checkins inserted",
			zap.Int("inserted", stats.Inserted),
			zap.Int("duplicates", stats.Duplicates),
			zap.Int("failed", stats.Failed))
	}
	return stats
}

// InsertBioTimeCheckins stores punches of unknown employees, skipping ones
// already stored.
func (s *Syncer) InsertBioTimeCheckins(ctx context.Context, checkins []models.BioTimeCheckin) InsertStats {
	var stats InsertStats
	for i := range checkins {
		c := checkins[i]
		exists, err := s.st.BioTimeCheckinExists(ctx, c.BioTimeEmployeeCode, c.Time, c.LogType)
		if err != nil {
			s.lg.Error("biotime checkin lookup failed", zap.String("code", c.BioTimeEmployeeCode), zap.Error(err))
			stats.Failed++
			continue
		}
		if exists {
			stats.Duplicates++
			continue
		}
		if err := s.st.InsertBioTimeCheckin(ctx, &c); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				stats.Duplicates++
				continue
			}
			s.lg.Error("failed to insert biotime checkin",
				zap.String("code", c.BioTimeEmployeeCode), zap.Time("time", c.Time), zap.Error(err))
			stats.Failed++
			continue
		}
		checkins[i] = c
		stats.Inserted++
	}
	if len(checkins) > 0 {
		s.lg.Info("biotime checkins inserted",
			zap.Int("inserted", stats.Inserted),
			zap.Int("duplicates", stats.Duplicates),
			zap.Int("failed", stats.Failed))
	}
	return stats
}

// Result summarises one sync run.
type Result struct {
	Fetched         int         `json:"fetched"`
	Checkins        InsertStats `json:"checkins"`
	BioTimeCheckins InsertStats `json:"biotime_checkins"`
	Devices         int         `json:"devices,omitempty"`
	FailedDevices   int         `json:"failed_devices,omitempty"`
	LastSyncedID    int64       `json:"last_synced_id,omitempty"`
}

func (r *Result) add(o Result) {
	r.Fetched += o.Fetched
	r.Checkins.Add(o.Checkins)
	r.BioTimeCheckins.Add(o.BioTimeCheckins)
}

func (s *Syncer) insertBatch(ctx context.Context, b Batch) Result {
	return Result{
		Fetched:         b.Len(),
		Checkins:        s.InsertCheckins(ctx, b.Checkins),
		BioTimeCheckins: s.InsertBioTimeCheckins(ctx, b.BioTimeCheckins),
	}
}
