// Package syncer pulls punches from BioTime and turns them into checkins.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harrylevesque/biotimesync/internal/biotime"
	"github.com/harrylevesque/biotimesync/internal/models"
	"github.com/harrylevesque/biotimesync/internal/store"
)

const (
	defaultMaxAttempts     = 3
	defaultBackoff         = time.Second
	defaultConcurrency     = 4
	defaultByIDPageSize    = 1000
	manualSyncPageSize     = 1000
	backfillPageSize       = 10000
	initialDeviceWindow    = 2 * time.Hour
	maxDeviceWindow        = 24 * time.Hour
	defaultLookbackOnEmpty = 24 * time.Hour
)

// Store is the ERP-side persistence the engine writes to.
type Store interface {
	Location() *time.Location
	EmployeeByDeviceCode(ctx context.Context, code string) (models.Employee, error)

	Device(ctx context.Context, id int64) (models.Device, error)
	Devices(ctx context.Context) ([]models.Device, error)
	InsertDevice(ctx context.Context, d models.Device) error
	UpdateDevice(ctx context.Context, d models.Device) error
	SetDeviceLastSync(ctx context.Context, id int64, at time.Time) error

	CheckinExists(ctx context.Context, employee string, at time.Time, logType string) (bool, error)
	InsertCheckin(ctx context.Context, c *models.EmployeeCheckin) error
	CheckinByKey(ctx context.Context, employee string, at time.Time, logType string) (models.EmployeeCheckin, error)
	SetCheckinDeviceID(ctx context.Context, name, location string) error
	LastCheckinTime(ctx context.Context, alias string) (time.Time, bool, error)

	BioTimeCheckinExists(ctx context.Context, code string, at time.Time, logType string) (bool, error)
	InsertBioTimeCheckin(ctx context.Context, c *models.BioTimeCheckin) error
}

// Marker is notified around every employee checkin insert.
type Marker interface {
	PrepareCheckin(ctx context.Context, c *models.EmployeeCheckin) error
	OnCheckin(ctx context.Context, c models.EmployeeCheckin) (*models.Attendance, error)
}

type Options struct {
	// MaxAttempts bounds how often one fetch is tried.
	MaxAttempts int
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
	// Concurrency bounds how many devices sync at once.
	Concurrency  int
	ByIDPageSize int
	Logger       *zap.Logger
	Now          func() time.Time
}

// Syncer is the sync engine.
type Syncer struct {
	st     Store
	tokens *Tokens
	marker Marker
	opts   Options
	lg     *zap.Logger
}

func New(st Store, tokens *Tokens, marker Marker, opts Options) *Syncer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.ByIDPageSize <= 0 {
		opts.ByIDPageSize = defaultByIDPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Syncer{st: st, tokens: tokens, marker: marker, opts: opts, lg: lg.Named("syncer")}
}

// Tokens exposes the token source used by the engine.
func (s *Syncer) Tokens() *Tokens {
	return s.tokens
}

func (s *Syncer) now() time.Time {
	return s.opts.Now().In(s.st.Location())
}

// Batch is the outcome of one fetch, split by whether the employee code is
// known locally.
type Batch struct {
	Checkins        []models.EmployeeCheckin
	BioTimeCheckins []models.BioTimeCheckin
	// MaxID is the highest transaction ID seen.
	MaxID int64
}

func (b Batch) Len() int {
	return len(b.Checkins) + len(b.BioTimeCheckins)
}

// Location is the device_id stored on employee checkins.
func Location(sn, alias string) string {
	return sn + " - " + alias
}

// FetchTransactions pages through every transaction matching q.
func (s *Syncer) FetchTransactions(ctx context.Context, q biotime.TransactionQuery) (Batch, error) {
	txs, err := s.fetchPages(ctx, q, 1, false)
	if err != nil {
		return Batch{}, err
	}
	return s.classify(ctx, txs, 0)
}

// fetchPages reads pages starting at first. With once set only that page is
// read. The whole read is retried on 401, timeouts, transport errors and
// temporary statuses.
func (s *Syncer) fetchPages(ctx context.Context, q biotime.TransactionQuery, first int, once bool) ([]biotime.Transaction, error) {
	var lastErr error
	delay := s.opts.Backoff
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		txs, err := s.readPages(ctx, q, first, once)
		if err == nil {
			return txs, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return nil, err
		}
		if errors.Is(err, biotime.ErrUnauthorized) {
			s.lg.Warn("token rejected during fetch, retrying with a fresh token", zap.Int("attempt", attempt))
			s.tokens.Invalidate()
			continue
		}
		s.lg.Warn("transaction fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.opts.MaxAttempts),
			zap.Error(err))
		if attempt < s.opts.MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil, fmt.Errorf("fetch transactions failed after %d attempts: %w", s.opts.MaxAttempts, lastErr)
}

func (s *Syncer) readPages(ctx context.Context, q biotime.TransactionQuery, first int, once bool) ([]biotime.Transaction, error) {
	sess, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	var out []biotime.Transaction
	for pg := first; ; pg++ {
		page, err := sess.Client.Transactions(ctx, sess.Token, q, pg)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Transactions...)
		if once || !page.HasNext || len(page.Transactions) == 0 {
			return out, nil
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, biotime.ErrUnauthorized) || errors.Is(err, biotime.ErrTimeout) || errors.Is(err, biotime.ErrTransport) {
		return true
	}
	var se *biotime.StatusError
	return errors.As(err, &se) && se.Temporary()
}

// classify maps transactions to checkins. Transactions with an ID at or
// below minID are skipped.
func (s *Syncer) classify(ctx context.Context, txs []biotime.Transaction, minID int64) (Batch, error) {
	var b Batch
	loc := s.st.Location()
	known := map[string]*models.Employee{}
	for _, tx := range txs {
		if tx.ID > b.MaxID {
			b.MaxID = tx.ID
		}
		if minID > 0 && tx.ID <= minID {
			continue
		}
		at, err := time.ParseInLocation(models.TimeLayout, tx.PunchTime, loc)
		if err != nil {
			s.lg.Warn("skipping transaction with bad punch_time",
				zap.Int64("id", tx.ID), zap.String("punch_time", tx.PunchTime))
			continue
		}
		code := string(tx.EmpCode)
		emp, seen := known[code]
		if !seen {
			e, err := s.st.EmployeeByDeviceCode(ctx, code)
			switch {
			case err == nil:
				emp = &e
			case errors.Is(err, store.ErrNotFound):
			default:
				return Batch{}, err
			}
			known[code] = emp
		}
		if emp != nil {
			b.Checkins = append(b.Checkins, models.EmployeeCheckin{
				Employee:     emp.Name,
				EmployeeName: emp.EmployeeName,
				LogType:      tx.LogType(),
				Time:         at,
				DeviceID:     Location(tx.TerminalSN, tx.TerminalAlias),
			})
			continue
		}
		b.BioTimeCheckins = append(b.BioTimeCheckins, models.BioTimeCheckin{
			BioTimeEmployeeCode: code,
			FirstName:           tx.FirstName,
			LastName:            tx.LastName,
			Department:          tx.Department,
			Position:            tx.Position,
			DeviceSN:            tx.TerminalSN,
			DeviceAlias:         tx.TerminalAlias,
			LogType:             tx.LogType(),
			Time:                at,
		})
	}
	return b, nil
}
