package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/harrylevesque/biotimesync/internal/auth"
	"github.com/harrylevesque/biotimesync/internal/files"
	"github.com/harrylevesque/biotimesync/internal/jobs"
	"github.com/harrylevesque/biotimesync/internal/models"
	"github.com/harrylevesque/biotimesync/internal/report"
	"github.com/harrylevesque/biotimesync/internal/store"
	"github.com/harrylevesque/biotimesync/internal/syncer"
	"github.com/harrylevesque/biotimesync/internal/utils"
)

const maxBodyBytes = 1 << 20

// Deps are the components the API serves.
type Deps struct {
	Store      *store.Store
	Connectors *files.ConnectorStore
	Syncer     *syncer.Syncer
	Queue      *jobs.Queue
	Auth       *auth.Auth
	Logger     *zap.Logger
	Now        func() time.Time
}

// Server holds the HTTP handlers.
type Server struct {
	store      *store.Store
	connectors *files.ConnectorStore
	syncer     *syncer.Syncer
	queue      *jobs.Queue
	auth       *auth.Auth
	lg         *zap.Logger
	loc        *time.Location
	now        func() time.Time
}

func New(d Deps) *Server {
	s := &Server{
		store:      d.Store,
		connectors: d.Connectors,
		syncer:     d.Syncer,
		queue:      d.Queue,
		auth:       d.Auth,
		lg:         d.Logger,
		now:        d.Now,
	}
	if s.lg == nil {
		s.lg = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.loc = s.store.Location()
	return s
}

// NewRouter builds the route table. Everything under /api except login
// requires a bearer token.
func (s *Server) NewRouter() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/time", s.serverTime).Methods(http.MethodGet)
	r.HandleFunc("/api/login", s.login).Methods(http.MethodPost)

	a := r.PathPrefix("/api").Subrouter()
	a.Use(s.auth.Middleware)

	a.HandleFunc("/connectors", s.listConnectors).Methods(http.MethodGet)
	a.HandleFunc("/connectors", s.saveConnector).Methods(http.MethodPost)
	a.HandleFunc("/connectors/{name}", s.getConnector).Methods(http.MethodGet)
	a.HandleFunc("/connectors/{name}", s.deleteConnector).Methods(http.MethodDelete)
	a.HandleFunc("/connectors/{name}/token", s.refreshToken).Methods(http.MethodPost)

	a.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	a.HandleFunc("/devices/fetch", s.fetchDevices).Methods(http.MethodPost)
	a.HandleFunc("/devices/fetch/{device_id:[0-9]+}", s.lookupDevice).Methods(http.MethodGet)
	a.HandleFunc("/devices/sync", s.syncRange).Methods(http.MethodPost)
	a.HandleFunc("/devices/{device_id:[0-9]+}", s.getDevice).Methods(http.MethodGet)
	a.HandleFunc("/devices/{device_id:[0-9]+}", s.deleteDevice).Methods(http.MethodDelete)
	a.HandleFunc("/devices/{device_id:[0-9]+}/sync", s.manualSync).Methods(http.MethodPost)

	a.HandleFunc("/sync/hourly", s.enqueueSimple(KindDeviceSync, "Hourly Biotime Sync")).Methods(http.MethodPost)
	a.HandleFunc("/sync/by-id", s.enqueueSimple(KindSyncByID, "Biotime Sync By ID")).Methods(http.MethodPost)

	a.HandleFunc("/checkins", s.listCheckins).Methods(http.MethodGet)
	a.HandleFunc("/checkins/export", s.exportCheckins).Methods(http.MethodGet)
	a.HandleFunc("/checkins/locations", s.backfillLocations).Methods(http.MethodPost)
	a.HandleFunc("/biotime-checkins", s.listBioTimeCheckins).Methods(http.MethodGet)

	a.HandleFunc("/employees", s.listEmployees).Methods(http.MethodGet)
	a.HandleFunc("/employees", s.saveEmployee).Methods(http.MethodPost)
	a.HandleFunc("/employees/import", s.importEmployees).Methods(http.MethodPost)

	a.HandleFunc("/shift-types", s.listShiftTypes).Methods(http.MethodGet)
	a.HandleFunc("/shift-types", s.saveShiftType).Methods(http.MethodPost)
	a.HandleFunc("/attendance", s.listAttendance).Methods(http.MethodGet)
	a.HandleFunc("/settings", s.getSettings).Methods(http.MethodGet)
	a.HandleFunc("/settings", s.putSettings).Methods(http.MethodPut)

	a.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	a.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)

	return Chain(r, Recover(s.lg), RequestLogger(s.lg), SecurityHeaders)
}

// fail maps package errors onto status codes and writes them.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ce *utils.CustomError
	if !errors.As(err, &ce) {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, files.ErrConnectorNotFound):
			err = utils.Wrap(http.StatusNotFound, "Not found", err)
		case errors.Is(err, store.ErrDuplicate):
			err = utils.Wrap(http.StatusConflict, "Already exists", err)
		case errors.Is(err, files.ErrInvalidConnector),
			errors.Is(err, store.ErrInvalidEmployee),
			errors.Is(err, store.ErrInvalidShiftType),
			errors.Is(err, report.ErrEmptyWorksheet),
			errors.Is(err, report.ErrMissingColumn):
			err = utils.Wrap(http.StatusBadRequest, err.Error(), err)
		case errors.Is(err, files.ErrNoEnabledConnector):
			err = utils.Wrap(http.StatusNotFound, err.Error(), err)
		case errors.Is(err, jobs.ErrClosed):
			err = utils.Wrap(http.StatusServiceUnavailable, "Server is shutting down", err)
		}
	}
	if utils.StatusCode(err) >= http.StatusInternalServerError {
		s.lg.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	utils.WriteError(w, err)
}

func decode(r *http.Request, w http.ResponseWriter, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return utils.Wrap(http.StatusBadRequest, "Invalid request body", err)
	}
	return nil
}

var timeLayouts = []string{
	models.TimeLayout,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

const dateLayout = "2006-01-02"

// parseTime accepts wall-clock times in the server location, RFC 3339 or a
// bare date. A bare date with endOfDay set means the last second of it.
func (s *Server) parseTime(field, v string, endOfDay bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, utils.New(http.StatusBadRequest, fmt.Sprintf("%s is required", field))
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(s.loc), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v, s.loc); err == nil {
			return t, nil
		}
	}
	if d, err := time.ParseInLocation(dateLayout, v, s.loc); err == nil {
		if endOfDay {
			return d.AddDate(0, 0, 1).Add(-time.Second), nil
		}
		return d, nil
	}
	return time.Time{}, utils.New(http.StatusBadRequest, fmt.Sprintf("invalid %s %q", field, v))
}

// window reads ?start= and ?end=, defaulting to today.
func (s *Server) window(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	today := s.now().In(s.loc).Format(dateLayout)
	startV, endV := q.Get("start"), q.Get("end")
	if startV == "" {
		startV = today
	}
	if endV == "" {
		endV = today
	}
	start, err := s.parseTime("start", startV, false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := s.parseTime("end", endV, true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, syncer.ErrInvalidRange
	}
	return start, end, nil
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, kind, name string, params interface{}) {
	job, err := s.queue.Enqueue(r.Context(), kind, name, params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"message": EnqueuedMessage,
		"job_id":  job.ID,
		"status":  job.Status,
	})
}
