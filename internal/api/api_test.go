package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/harrylevesque/biotimesync/internal/attendance"
	"github.com/harrylevesque/biotimesync/internal/auth"
	"github.com/harrylevesque/biotimesync/internal/biotime"
	"github.com/harrylevesque/biotimesync/internal/biotime/biotimetest"
	"github.com/harrylevesque/biotimesync/internal/crypto"
	"github.com/harrylevesque/biotimesync/internal/files"
	"github.com/harrylevesque/biotimesync/internal/jobs"
	"github.com/harrylevesque/biotimesync/internal/models"
	"github.com/harrylevesque/biotimesync/internal/store"
	"github.com/harrylevesque/biotimesync/internal/syncer"
)

type testEnv struct {
	portal *biotimetest.Server
	st     *store.Store
	cs     *files.ConnectorStore
	http   *httptest.Server
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	portal := biotimetest.New("admin", "secret")
	t.Cleanup(portal.Close)

	h, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	key, err := crypto.ParseMasterKey(h)
	require.NoError(t, err)

	dir := t.TempDir()
	cs, err := files.NewConnectorStore(dir, key)
	require.NoError(t, err)
	_, err = cs.Save(models.Connector{Name: "main", CompanyPortal: portal.URL, Username: "admin", Password: "secret", IsEnabled: true})
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dir, "erp.db"), time.Local, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertEmployee(context.Background(), models.Employee{Name: "HR-EMP-0001", EmployeeName: "Ada", AttendanceDeviceID: "100"}))

	tokens := syncer.NewTokens(cs, biotime.Options{Timeout: 5 * time.Second})
	sy := syncer.New(st, tokens, attendance.NewMarker(st, nil), syncer.Options{Backoff: time.Millisecond})

	q, err := jobs.Open(filepath.Join(dir, "jobs.db"), jobs.Options{Workers: 1})
	require.NoError(t, err)
	RegisterJobs(q, sy)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() {
		cancel()
		q.Close()
	})

	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	a, err := auth.New(key, []auth.User{{Username: "root", PasswordHash: hash}}, time.Hour)
	require.NoError(t, err)

	srv := New(Deps{Store: st, Connectors: cs, Syncer: sy, Queue: q, Auth: a})
	hs := httptest.NewServer(srv.NewRouter())
	t.Cleanup(hs.Close)

	e := &testEnv{portal: portal, st: st, cs: cs, http: hs}
	var login map[string]interface{}
	resp := e.do(t, http.MethodPost, "/api/login", map[string]string{"username": "root", "password": "hunter2"}, &login)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	e.token = login["token"].(string)
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body, out interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (e *testEnv) waitJob(t *testing.T, id string) jobs.Job {
	t.Helper()
	var j jobs.Job
	require.Eventually(t, func() bool {
		j = jobs.Job{}
		e.do(t, http.MethodGet, "/api/jobs/"+id, nil, &j)
		return j.Done()
	}, 10*time.Second, 20*time.Millisecond)
	return j
}

func TestPublicRoutes(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.http.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var tm map[string]string
	e.do(t, http.MethodGet, "/time", nil, &tm)
	_, err = time.Parse(time.RFC3339, tm["time"])
	assert.NoError(t, err)
}

func TestAPIRequiresToken(t *testing.T) {
	e := newTestEnv(t)
	e.token = ""
	var out map[string]string
	resp := e.do(t, http.MethodGet, "/api/devices", nil, &out)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authorization required", out["error"])

	e.token = "garbage"
	resp = e.do(t, http.MethodGet, "/api/devices", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	e := newTestEnv(t)
	e.token = ""
	var out map[string]string
	resp := e.do(t, http.MethodPost, "/api/login", map[string]string{"username": "root", "password": "nope"}, &out)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid credentials", out["error"])
}

func TestConnectorEndpoints(t *testing.T) {
	e := newTestEnv(t)

	var saved models.Connector
	resp := e.do(t, http.MethodPost, "/api/connectors", models.Connector{
		Name: "backup", CompanyPortal: e.portal.URL + "/", Username: "admin", Password: "secret",
	}, &saved)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, e.portal.URL, saved.CompanyPortal)
	assert.Empty(t, saved.Password)

	var list []models.Connector
	e.do(t, http.MethodGet, "/api/connectors", nil, &list)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.Empty(t, c.Password)
		assert.Empty(t, c.AccessToken)
	}

	var msg map[string]interface{}
	resp = e.do(t, http.MethodPost, "/api/connectors/backup/token", nil, &msg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Token created or refreshed successfully.", msg["message"])
	assert.Equal(t, 1, e.portal.IssuedTokens())

	stored, err := e.cs.Get("backup")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.AccessToken)

	resp = e.do(t, http.MethodDelete, "/api/connectors/backup", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/api/connectors/backup", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var bad map[string]string
	resp = e.do(t, http.MethodPost, "/api/connectors", map[string]string{"name": "x"}, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, bad["error"], "company_portal")
}

func TestDeviceRegistrationAndLookup(t *testing.T) {
	e := newTestEnv(t)
	e.portal.AddTerminals(
		biotime.Terminal{ID: 1, SN: "SN1", Alias: "Gate", TerminalName: "Main Gate", Area: biotime.Area{AreaName: "HQ", AreaCode: "01"}},
		biotime.Terminal{ID: 2, SN: "SN2", Alias: "Dock", TerminalName: "Dock"},
	)

	var res syncer.RegisterResult
	resp := e.do(t, http.MethodPost, "/api/devices/fetch", nil, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2 new device(s) created successfully", res.Message)

	var devices []models.Device
	e.do(t, http.MethodGet, "/api/devices", nil, &devices)
	assert.Len(t, devices, 2)

	var d models.Device
	resp = e.do(t, http.MethodGet, "/api/devices/fetch/1", nil, &d)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HQ - 01", d.DeviceArea)
	assert.Equal(t, "Gate", d.DeviceAlias)

	resp = e.do(t, http.MethodGet, "/api/devices/fetch/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/devices/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/api/devices/2", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestManualSyncEnqueuesAndImports(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.st.InsertDevice(ctx, models.Device{DeviceID: 1, DeviceName: "Gate", DeviceAlias: "Gate"}))

	day := time.Now().In(time.Local).AddDate(0, 0, -1)
	morning := time.Date(day.Year(), day.Month(), day.Day(), 8, 0, 0, 0, time.Local)
	e.portal.AddTransactions(
		biotimetest.Punch("100", "Gate", morning, true),
		biotimetest.Punch("100", "Gate", morning.Add(8*time.Hour), false),
		biotimetest.Punch("555", "Gate", morning.Add(time.Hour), true),
	)
	date := day.Format("2006-01-02")

	var bad map[string]string
	resp := e.do(t, http.MethodPost, "/api/devices/1/sync", map[string]string{"start_date": date, "end_date": morning.AddDate(0, 0, -1).Format("2006-01-02")}, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "End Time must be greater than Start Time.", bad["error"])

	resp = e.do(t, http.MethodPost, "/api/devices/7/sync", map[string]string{"start_date": date, "end_date": date}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var queued map[string]interface{}
	resp = e.do(t, http.MethodPost, "/api/devices/1/sync", map[string]string{"start_date": date, "end_date": date}, &queued)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, EnqueuedMessage, queued["message"])

	j := e.waitJob(t, queued["job_id"].(string))
	require.Equal(t, jobs.StatusFinished, j.Status, j.Error)

	var res syncer.Result
	require.NoError(t, json.Unmarshal(j.Result, &res))
	assert.Equal(t, 2, res.Checkins.Inserted)
	assert.Equal(t, 1, res.BioTimeCheckins.Inserted)

	var checkins []models.EmployeeCheckin
	e.do(t, http.MethodGet, "/api/checkins?start="+date+"&end="+date, nil, &checkins)
	require.Len(t, checkins, 2)
	assert.Equal(t, "SN-Gate - Gate", checkins[0].DeviceID)

	var bt []models.BioTimeCheckin
	e.do(t, http.MethodGet, "/api/biotime-checkins?start="+date+"&end="+date, nil, &bt)
	require.Len(t, bt, 1)
	assert.Equal(t, "555", bt[0].BioTimeEmployeeCode)
}

func TestListSyncRejectsEndBeforeStart(t *testing.T) {
	e := newTestEnv(t)
	var bad map[string]string
	resp := e.do(t, http.MethodPost, "/api/devices/sync", map[string]string{
		"start_time": "2024-05-01 10:00:00",
		"end_time":   "2024-05-01 09:59:59",
	}, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "End Time must be greater than Start Time.", bad["error"])

	var queued map[string]interface{}
	resp = e.do(t, http.MethodPost, "/api/devices/sync", map[string]string{
		"start_time": "2024-05-01 10:00:00",
		"end_time":   "2024-05-01 10:00:00",
	}, &queued)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, EnqueuedMessage, queued["message"])

	resp = e.do(t, http.MethodPost, "/api/devices/sync", map[string]string{"start_time": "yesterday", "end_time": "2024-05-01 10:00:00"}, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/devices/sync", map[string]string{"end_time": "2024-05-01 10:00:00"}, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "start_time is required", bad["error"])
}

func TestRangeSyncFiltersEmployee(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.st.InsertDevice(ctx, models.Device{DeviceID: 1, DeviceAlias: "Gate"}))
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)
	e.portal.AddTransactions(
		biotimetest.Punch("100", "Gate", at, true),
		biotimetest.Punch("555", "Gate", at, true),
	)

	var queued map[string]interface{}
	resp := e.do(t, http.MethodPost, "/api/devices/sync", map[string]string{
		"start_time": "2024-05-01 00:00:00",
		"end_time":   "2024-05-01 23:59:59",
		"emp_code":   "100",
	}, &queued)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	j := e.waitJob(t, queued["job_id"].(string))
	require.Equal(t, jobs.StatusFinished, j.Status, j.Error)

	var res syncer.Result
	require.NoError(t, json.Unmarshal(j.Result, &res))
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Checkins.Inserted)
	for _, q := range e.portal.TransactionQueries() {
		assert.Equal(t, "100", q["emp_code"])
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	var s settings
	e.do(t, http.MethodGet, "/api/settings", nil, &s)
	assert.False(t, s.AutoUpdateAttendance)

	resp := e.do(t, http.MethodPut, "/api/settings", settings{AutoUpdateAttendance: true}, &s)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	e.do(t, http.MethodGet, "/api/settings", nil, &s)
	assert.True(t, s.AutoUpdateAttendance)

	resp = e.do(t, http.MethodPut, "/api/settings", map[string]string{"bogus": "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmployeesAndShiftTypes(t *testing.T) {
	e := newTestEnv(t)

	var emp models.Employee
	resp := e.do(t, http.MethodPost, "/api/employees", models.Employee{Name: "HR-EMP-0002", EmployeeName: "Grace", AttendanceDeviceID: "200"}, &emp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "200", emp.AttendanceDeviceID)

	resp = e.do(t, http.MethodPost, "/api/employees", models.Employee{EmployeeName: "Nameless"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var list []models.Employee
	e.do(t, http.MethodGet, "/api/employees", nil, &list)
	assert.Len(t, list, 2)

	var st models.ShiftType
	resp = e.do(t, http.MethodPost, "/api/shift-types", models.ShiftType{Name: "Day", StartTime: "09:00:00", EndTime: "17:00:00"}, &st)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Day", st.Name)

	var shifts []models.ShiftType
	e.do(t, http.MethodGet, "/api/shift-types", nil, &shifts)
	assert.Len(t, shifts, 1)

	var att []models.Attendance
	resp = e.do(t, http.MethodGet, "/api/attendance?start=2024-05-01&end=2024-05-31", nil, &att)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, att)
}

func TestRosterImport(t *testing.T) {
	e := newTestEnv(t)

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"Employee", "Employee Name", "Attendance Device ID"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"HR-EMP-0003", "Linus", "300"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"HR-EMP-0004", "Ken", "400"}))
	var xlsx bytes.Buffer
	require.NoError(t, f.Write(&xlsx))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "roster.xlsx")
	require.NoError(t, err)
	_, err = part.Write(xlsx.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/api/employees/import", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "2 employee(s) imported", out["message"])

	emp, err := e.st.EmployeeByDeviceCode(context.Background(), "400")
	require.NoError(t, err)
	assert.Equal(t, "HR-EMP-0004", emp.Name)
}

func TestExportCheckins(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)
	require.NoError(t, e.st.InsertCheckin(ctx, &models.EmployeeCheckin{Employee: "HR-EMP-0001", EmployeeName: "Ada", LogType: "IN", Time: at, DeviceID: "SN1 - Gate"}))

	req, err := http.NewRequest(http.MethodGet, e.http.URL+"/api/checkins/export?start=2024-05-01&end=2024-05-01", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "checkins_2024-05-01_2024-05-01.xlsx")

	f, err := excelize.OpenReader(resp.Body)
	require.NoError(t, err)
	rows, err := f.GetRows("Employee Checkins")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Contains(t, rows[1], "HR-EMP-0001")
}

func TestHourlySyncIsDeduplicatedWhilePending(t *testing.T) {
	e := newTestEnv(t)
	var first, second map[string]interface{}
	resp := e.do(t, http.MethodPost, "/api/sync/hourly", nil, &first)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	e.do(t, http.MethodPost, "/api/sync/hourly", nil, &second)

	j := e.waitJob(t, first["job_id"].(string))
	assert.Equal(t, "Hourly Biotime Sync", j.Name)
	// no devices registered
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, syncer.ErrNoDevices.Error(), j.Error)

	var list []jobs.Job
	e.do(t, http.MethodGet, "/api/jobs?limit=10", nil, &list)
	assert.NotEmpty(t, list)

	resp = e.do(t, http.MethodGet, "/api/jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/api/jobs?limit=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
