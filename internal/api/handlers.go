package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/harrylevesque/biotimesync/internal/auth"
	"github.com/harrylevesque/biotimesync/internal/jobs"
	"github.com/harrylevesque/biotimesync/internal/models"
	"github.com/harrylevesque/biotimesync/internal/report"
	"github.com/harrylevesque/biotimesync/internal/syncer"
	"github.com/harrylevesque/biotimesync/internal/utils"
)

const (
	tokenRefreshedMessage = "Token created or refreshed successfully."
	maxUploadBytes        = 10 << 20
	defaultJobLimit       = 50
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) serverTime(w http.ResponseWriter, r *http.Request) {
	utils.JSONResponse(w, http.StatusOK, map[string]string{
		"time":     s.now().In(s.loc).Format(time.RFC3339),
		"timezone": s.loc.String(),
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tok, exp, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		s.lg.Warn("login failed", zap.String("username", req.Username))
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusOK, map[string]interface{}{
		"token":      tok,
		"expires_at": exp.UTC().Format(time.RFC3339),
	})
}

// connectors

func (s *Server) listConnectors(w http.ResponseWriter, r *http.Request) {
	list, err := s.connectors.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]models.Connector, 0, len(list))
	for _, c := range list {
		out = append(out, c.Redacted())
	}
	utils.JSONResponse(w, http.StatusOK, out)
}

func (s *Server) saveConnector(w http.ResponseWriter, r *http.Request) {
	var c models.Connector
	if err := decode(r, w, &c); err != nil {
		s.fail(w, r, err)
		return
	}
	saved, err := s.connectors.Save(c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.syncer.Tokens().Invalidate()
	s.lg.Info("connector saved", zap.String("connector", saved.Name), zap.String("by", auth.UserFrom(r.Context())))
	utils.JSONResponse(w, http.StatusCreated, saved.Redacted())
}

func (s *Server) getConnector(w http.ResponseWriter, r *http.Request) {
	c, err := s.connectors.Get(mux.Vars(r)["name"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusOK, c.Redacted())
}

func (s *Server) deleteConnector(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.connectors.Delete(name); err != nil {
		s.fail(w, r, err)
		return
	}
	s.syncer.Tokens().Invalidate()
	s.lg.Info("connector deleted", zap.String("connector", name), zap.String("by", auth.UserFrom(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	c, err := s.syncer.Tokens().RefreshToken(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusOK, map[string]interface{}{
		"message":         tokenRefreshedMessage,
		"token_issued_at": c.TokenIssuedAt,
	})
}

// devices

func deviceID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["device_id"], 10, 64)
	if err != nil {
		return 0, utils.Wrap(http.StatusBadRequest, "invalid device_id", err)
	}
	return id, nil
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Devices(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.Device{}
	}
	utils.JSONResponse(w, http.StatusOK, list)
}

func (s *Server) fetchDevices(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.RegisterDevices(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusOK, res)
}

// lookupDevice returns the portal's view of one terminal without saving it.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.syncer.LookupDevice(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusOK, d)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.store.Device(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusOK, d)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteDevice(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) manualSync(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	start, err := s.parseTime("start_date", req.StartDate, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	end, err := s.parseTime("end_date", req.EndDate, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if end.Before(start) {
		s.fail(w, r, syncer.ErrInvalidRange)
		return
	}
	d, err := s.store.Device(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if d.DeviceAlias == "" {
		s.fail(w, r, syncer.ErrNoAlias)
		return
	}
	name := fmt.Sprintf("Manual Biotime Sync %s %s..%s", d.DeviceAlias,
		start.Format(models.TimeLayout), end.Format(models.TimeLayout))
	s.enqueue(w, r, KindManualSync, name, RangeParams{Start: start, End: end, DeviceID: id})
}

// syncRange backs the device list "Sync Records" action.
func (s *Server) syncRange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
		EmpCode   string `json:"emp_code"`
	}
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	start, err := s.parseTime("start_time", req.StartTime, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	end, err := s.parseTime("end_time", req.EndTime, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if end.Before(start) {
		s.fail(w, r, syncer.ErrInvalidRange)
		return
	}
	empCode := strings.TrimSpace(req.EmpCode)
	name := fmt.Sprintf("Biotime Sync %s..%s %s", start.Format(models.TimeLayout), end.Format(models.TimeLayout), empCode)
	s.enqueue(w, r, KindRangeSync, strings.TrimSpace(name), RangeParams{Start: start, End: end, EmpCode: empCode})
}

func (s *Server) enqueueSimple(kind, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.enqueue(w, r, kind, name, nil)
	}
}

// checkins

func (s *Server) listCheckins(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.store.CheckinsBetween(r.Context(), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.EmployeeCheckin{}
	}
	utils.JSONResponse(w, http.StatusOK, list)
}

func (s *Server) listBioTimeCheckins(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.store.BioTimeCheckinsBetween(r.Context(), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.BioTimeCheckin{}
	}
	utils.JSONResponse(w, http.StatusOK, list)
}

func (s *Server) exportCheckins(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	checkins, err := s.store.CheckinsBetween(r.Context(), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	bt, err := s.store.BioTimeCheckinsBetween(r.Context(), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// render first so a failure still gets a JSON error
	var buf bytes.Buffer
	if err := report.WriteCheckins(&buf, checkins, bt); err != nil {
		s.fail(w, r, err)
		return
	}
	filename := fmt.Sprintf("checkins_%s_%s.xlsx", start.Format(dateLayout), end.Format(dateLayout))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) backfillLocations(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	}
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	start, err := s.parseTime("start_time", req.StartTime, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	end, err := s.parseTime("end_time", req.EndTime, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if end.Before(start) {
		s.fail(w, r, syncer.ErrInvalidRange)
		return
	}
	name := fmt.Sprintf("Update Checkin Locations %s..%s", start.Format(models.TimeLayout), end.Format(models.TimeLayout))
	s.enqueue(w, r, KindBackfill, name, RangeParams{Start: start, End: end})
}

// employees and attendance

func (s *Server) listEmployees(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Employees(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.Employee{}
	}
	utils.JSONResponse(w, http.StatusOK, list)
}

func (s *Server) saveEmployee(w http.ResponseWriter, r *http.Request) {
	var e models.Employee
	if err := decode(r, w, &e); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.UpsertEmployee(r.Context(), e); err != nil {
		s.fail(w, r, err)
		return
	}
	saved, err := s.store.Employee(r.Context(), strings.TrimSpace(e.Name))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusCreated, saved)
}

func (s *Server) importEmployees(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, utils.Wrap(http.StatusBadRequest, "file upload required", err))
		return
	}
	defer file.Close()

	employees, err := report.ReadRoster(file, header.Filename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	imported := 0
	var failed []string
	for _, e := range employees {
		if err := s.store.UpsertEmployee(r.Context(), e); err != nil {
			s.lg.Warn("failed to import employee", zap.String("employee", e.Name), zap.Error(err))
			failed = append(failed, e.Name)
			continue
		}
		imported++
	}
	s.lg.Info("roster imported", zap.String("file", header.Filename), zap.Int("imported", imported), zap.Int("failed", len(failed)))
	utils.JSONResponse(w, http.StatusOK, map[string]interface{}{
		"message":  fmt.Sprintf("%d employee(s) imported", imported),
		"imported": imported,
		"failed":   failed,
	})
}

func (s *Server) listShiftTypes(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ShiftTypes(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.ShiftType{}
	}
	utils.JSONResponse(w, http.StatusOK, list)
}

func (s *Server) saveShiftType(w http.ResponseWriter, r *http.Request) {
	var st models.ShiftType
	if err := decode(r, w, &st); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.UpsertShiftType(r.Context(), st); err != nil {
		s.fail(w, r, err)
		return
	}
	saved, err := s.store.ShiftType(r.Context(), strings.TrimSpace(st.Name))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusCreated, saved)
}

func (s *Server) listAttendance(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.store.AttendanceBetween(r.Context(), start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.Attendance{}
	}
	utils.JSONResponse(w, http.StatusOK, list)
}

type settings struct {
	AutoUpdateAttendance bool `json:"autoupdate_attendance"`
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	on, err := s.store.AutoUpdateAttendance(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusOK, settings{AutoUpdateAttendance: on})
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settings
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.SetAutoUpdateAttendance(r.Context(), req.AutoUpdateAttendance); err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusOK, req)
}

// jobs

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, utils.New(http.StatusBadRequest, "invalid limit"))
			return
		}
		limit = n
	}
	list, err := s.queue.List(limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	utils.JSONResponse(w, http.StatusOK, list)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.queue.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	utils.JSONResponse(w, http.StatusOK, j)
}
