package syncer

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/biotimesync/internal/attendance"
	"github.com/harrylevesque/biotimesync/internal/biotime"
	"github.com/harrylevesque/biotimesync/internal/biotime/biotimetest"
	"github.com/harrylevesque/biotimesync/internal/crypto"
	"github.com/harrylevesque/biotimesync/internal/files"
	"github.com/harrylevesque/biotimesync/internal/models"
	"github.com/harrylevesque/biotimesync/internal/store"
	"github.com/harrylevesque/biotimesync/internal/utils"
)

const transactionsPath = "/iclock/api/transactions/"

type env struct {
	srv    *biotimetest.Server
	cs     *files.ConnectorStore
	st     *store.Store
	tokens *Tokens
	sy     *Syncer
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := biotimetest.New("admin", "secret")
	t.Cleanup(srv.Close)

	h, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	key, err := crypto.ParseMasterKey(h)
	require.NoError(t, err)
	dir := t.TempDir()
	cs, err := files.NewConnectorStore(dir, key)
	require.NoError(t, err)
	_, err = cs.Save(models.Connector{Name: "main", CompanyPortal: srv.URL, Username: "admin", Password: "secret", IsEnabled: true})
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dir, "erp.db"), time.Local, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.UpsertEmployee(context.Background(), models.Employee{Name: "HR-EMP-0001", EmployeeName: "Ada", AttendanceDeviceID: "100"}))

	e := &env{srv: srv, cs: cs, st: st, now: time.Now().In(time.Local).Truncate(time.Second)}
	e.tokens = NewTokens(cs, biotime.Options{Timeout: 5 * time.Second})
	e.sy = New(st, e.tokens, attendance.NewMarker(st, nil), Options{
		Backoff:      time.Millisecond,
		ByIDPageSize: 10,
		Now:          func() time.Time { return e.now },
	})
	return e
}

func (e *env) addDevice(t *testing.T, id int64, alias string, lastActivity *time.Time) {
	t.Helper()
	require.NoError(t, e.st.InsertDevice(context.Background(), models.Device{DeviceID: id, DeviceName: "T" + alias, DeviceAlias: alias, LastActivity: lastActivity}))
}

func TestTokenCreatedOnceAndTrusted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess, err := e.tokens.Token(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, 1, e.srv.IssuedTokens())

	again, err := e.tokens.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, sess.Token, again.Token)
	assert.Equal(t, 1, e.srv.IssuedTokens())
	assert.Zero(t, e.srv.Requests("/iclock/api/terminals/"))

	stored, err := e.cs.Get("main")
	require.NoError(t, err)
	assert.Equal(t, sess.Token, stored.AccessToken)
}

func TestTokenRefreshedWhenRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.tokens.Token(ctx)
	require.NoError(t, err)

	e.srv.RevokeTokens()
	e.tokens.Invalidate()
	_, err = e.tokens.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, e.srv.IssuedTokens())
	assert.Equal(t, 1, e.srv.Requests("/iclock/api/terminals/"))
}

func TestExpiredTokenRefreshedWithoutPing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.srv.SetTokenTTL(-time.Minute)
	_, err := e.tokens.Token(ctx)
	require.NoError(t, err)
	_, err = e.tokens.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, e.srv.IssuedTokens())
	assert.Zero(t, e.srv.Requests("/iclock/api/terminals/"))
}

func TestTokenValidationFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.tokens.Token(ctx)
	require.NoError(t, err)
	e.tokens.Invalidate()
	e.srv.FailNext(1, http.StatusInternalServerError)
	_, err = e.tokens.Token(ctx)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, utils.StatusCode(err))
}

func TestRefreshTokenRequiresPassword(t *testing.T) {
	e := newEnv(t)
	_, err := e.cs.Save(models.Connector{Name: "nopass", CompanyPortal: e.srv.URL, Username: "admin"})
	require.NoError(t, err)
	_, err = e.tokens.RefreshToken(context.Background(), "nopass")
	assert.ErrorIs(t, err, ErrMissingPassword)
}

func TestRefreshTokenBadCredentials(t *testing.T) {
	e := newEnv(t)
	_, err := e.cs.Save(models.Connector{Name: "bad", CompanyPortal: e.srv.URL, Username: "admin", Password: "wrong"})
	require.NoError(t, err)
	_, err = e.tokens.RefreshToken(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, utils.Message(err), "400")
}

func TestNoEnabledConnector(t *testing.T) {
	e := newEnv(t)
	_, err := e.cs.Save(models.Connector{Name: "main", CompanyPortal: e.srv.URL, Username: "admin", IsEnabled: false})
	require.NoError(t, err)
	_, err = e.tokens.Token(context.Background())
	assert.ErrorIs(t, err, files.ErrNoEnabledConnector)
	assert.Equal(t, http.StatusNotFound, utils.StatusCode(err))
}

func TestFetchTransactionsSplitsByEmployee(t *testing.T) {
	e := newEnv(t)
	base := e.now.Add(-3 * time.Hour)
	for i := 0; i < 12; i++ {
		code := "100"
		if i%3 == 0 {
			code = "999"
		}
		e.srv.AddTransactions(biotimetest.Punch(code, "Gate", base.Add(time.Duration(i)*time.Minute), i%2 == 0))
	}
	b, err := e.sy.FetchTransactions(context.Background(), biotime.TransactionQuery{StartTime: base, EndTime: e.now})
	require.NoError(t, err)
	assert.Len(t, b.Checkins, 8)
	assert.Len(t, b.BioTimeCheckins, 4)
	assert.Equal(t, int64(12), b.MaxID)
	assert.Equal(t, 2, e.srv.Requests(transactionsPath))

	c := b.Checkins[0]
	assert.Equal(t, "HR-EMP-0001", c.Employee)
	assert.Equal(t, "Ada", c.EmployeeName)
	assert.Equal(t, "SN-Gate - Gate", c.DeviceID)
	assert.Equal(t, models.LogTypeOut, c.LogType)
	bt := b.BioTimeCheckins[0]
	assert.Equal(t, "999", bt.BioTimeEmployeeCode)
	assert.Equal(t, models.LogTypeIn, bt.LogType)
	assert.Equal(t, "Operations", bt.Department)
}

func TestFetchRetriesTemporaryFailures(t *testing.T) {
	e := newEnv(t)
	e.srv.AddTransactions(biotimetest.Punch("100", "Gate", e.now.Add(-time.Hour), true))
	e.srv.FailNext(2, http.StatusServiceUnavailable)
	b, err := e.sy.FetchTransactions(context.Background(), biotime.TransactionQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 3, e.srv.Requests(transactionsPath))
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	e := newEnv(t)
	e.srv.FailNext(5, http.StatusBadGateway)
	_, err := e.sy.FetchTransactions(context.Background(), biotime.TransactionQuery{})
	require.Error(t, err)
	assert.Equal(t, 3, e.srv.Requests(transactionsPath))
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	e := newEnv(t)
	e.srv.FailNext(1, http.StatusBadRequest)
	_, err := e.sy.FetchTransactions(context.Background(), biotime.TransactionQuery{})
	require.Error(t, err)
	assert.Equal(t, 1, e.srv.Requests(transactionsPath))
}

func TestFetchRecoversFromRevokedToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.tokens.Token(ctx)
	require.NoError(t, err)
	e.srv.RevokeTokens()
	e.srv.AddTransactions(biotimetest.Punch("100", "Gate", e.now.Add(-time.Hour), true))

	b, err := e.sy.FetchTransactions(ctx, biotime.TransactionQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 2, e.srv.IssuedTokens())
}

func TestInsertSkipsDuplicates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	at := e.now.Add(-time.Hour)
	e.srv.AddTransactions(
		biotimetest.Punch("100", "Gate", at, true),
		biotimetest.Punch("100", "Gate", at.Add(8*time.Hour), false),
		biotimetest.Punch("555", "Gate", at, true),
	)
	b, err := e.sy.FetchTransactions(ctx, biotime.TransactionQuery{})
	require.NoError(t, err)

	first := e.sy.insertBatch(ctx, b)
	assert.Equal(t, InsertStats{Inserted: 2}, first.Checkins)
	assert.Equal(t, InsertStats{Inserted: 1}, first.BioTimeCheckins)

	second := e.sy.insertBatch(ctx, b)
	assert.Equal(t, InsertStats{Duplicates: 2}, second.Checkins)
	assert.Equal(t, InsertStats{Duplicates: 1}, second.BioTimeCheckins)
}

func TestRegisterDevices(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.srv.AddTerminals(
		biotime.Terminal{ID: 1, SN: "SN1", Alias: "Gate", TerminalName: "Main Gate", IPAddress: "10.0.0.1",
			LastActivity: "2024-05-01 08:00:00", Area: biotime.Area{AreaName: "HQ", AreaCode: "01"}},
		biotime.Terminal{ID: 2, SN: "SN2", Alias: "Dock", TerminalName: "Dock", Area: biotime.Area{AreaName: "WH", AreaCode: "02"}},
	)
	res, err := e.sy.RegisterDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2 new device(s) created successfully", res.Message)

	d, err := e.st.Device(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "HQ - 01", d.DeviceArea)
	assert.Equal(t, "Main Gate", d.DeviceName)
	require.NotNil(t, d.LastActivity)
	assert.Equal(t, "2024-05-01 08:00:00", d.LastActivity.Format(models.TimeLayout))

	res, err = e.sy.RegisterDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0 new device(s) created successfully", res.Message)
	assert.Equal(t, 2, res.Existing)
}

func TestRegisterDevicesRefreshesExisting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.srv.AddTerminals(biotime.Terminal{ID: 1, Alias: "Gate", TerminalName: "Main Gate", IPAddress: "10.0.0.1",
		Area: biotime.Area{AreaName: "HQ", AreaCode: "01"}})
	_, err := e.sy.RegisterDevices(ctx)
	require.NoError(t, err)
	synced := e.now.Add(-time.Hour)
	require.NoError(t, e.st.SetDeviceLastSync(ctx, 1, synced))

	e.srv.SetTerminals(biotime.Terminal{ID: 1, Alias: "North Gate", TerminalName: "North Gate", IPAddress: "10.0.0.9",
		LastActivity: "2024-05-02 09:30:00", Area: biotime.Area{AreaName: "HQ", AreaCode: "03"}})
	res, err := e.sy.RegisterDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Existing)

	d, err := e.st.Device(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "North Gate", d.DeviceName)
	assert.Equal(t, "North Gate", d.DeviceAlias)
	assert.Equal(t, "10.0.0.9", d.DeviceIPAddress)
	assert.Equal(t, "HQ - 03", d.DeviceArea)
	require.NotNil(t, d.LastActivity)
	assert.Equal(t, "2024-05-02 09:30:00", d.LastActivity.Format(models.TimeLayout))
	require.NotNil(t, d.LastSyncRequest)
	assert.True(t, synced.Equal(*d.LastSyncRequest))
}

func TestLookupDevice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.srv.AddTerminals(biotime.Terminal{ID: 7, Alias: "Lobby", TerminalName: "Lobby", IPAddress: "10.0.0.7", Area: biotime.Area{AreaName: "HQ", AreaCode: "01"}})

	d, err := e.sy.LookupDevice(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Lobby", d.DeviceAlias)
	assert.Equal(t, "HQ - 01", d.DeviceArea)
	require.NotNil(t, d.LastSyncRequest)
	assert.True(t, e.now.Equal(*d.LastSyncRequest))
	_, err = e.st.Device(ctx, 7)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.sy.LookupDevice(ctx, 99)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, utils.StatusCode(err))
}

func TestLastCheckinFallbacks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	act := e.now.Add(-5 * time.Hour)
	d := models.Device{DeviceID: 1, DeviceAlias: "Gate", LastActivity: &act}
	assert.True(t, act.Equal(e.sy.LastCheckin(ctx, d)))

	d.LastActivity = nil
	assert.True(t, e.now.Add(-24*time.Hour).Equal(e.sy.LastCheckin(ctx, d)))

	last := e.now.Add(-2 * time.Hour)
	require.NoError(t, e.st.InsertCheckin(ctx, &models.EmployeeCheckin{Employee: "HR-EMP-0001", LogType: "IN", Time: last, DeviceID: Location("SN-Gate", "Gate")}))
	assert.True(t, last.Equal(e.sy.LastCheckin(ctx, d)))
}

func TestSyncDeviceWidensWindow(t *testing.T) {
	e := newEnv(t)
	act := e.now.Add(-10 * time.Hour)
	e.srv.AddTransactions(biotimetest.Punch("100", "Gate", e.now.Add(-5*time.Hour), true))
	b, err := e.sy.SyncDevice(context.Background(), models.Device{DeviceID: 1, DeviceAlias: "Gate", LastActivity: &act})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())

	qs := e.srv.TransactionQueries()
	require.Len(t, qs, 3)
	for i, hours := range []int{2, 4, 8} {
		assert.Equal(t, act.Format(models.TimeLayout), qs[i]["start_time"])
		assert.Equal(t, act.Add(time.Duration(hours)*time.Hour).Format(models.TimeLayout), qs[i]["end_time"])
		assert.Equal(t, "Gate", qs[i]["terminal_alias"])
	}
}

func TestSyncDeviceWidensWindowAfterError(t *testing.T) {
	e := newEnv(t)
	act := e.now.Add(-10 * time.Hour)
	e.srv.AddTransactions(biotimetest.Punch("100", "Gate", act.Add(3*time.Hour), true))
	_, err := e.tokens.Token(context.Background())
	require.NoError(t, err)
	e.srv.FailNext(1, http.StatusBadRequest)

	b, err := e.sy.SyncDevice(context.Background(), models.Device{DeviceID: 1, DeviceAlias: "Gate", LastActivity: &act})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 2, e.srv.Requests(transactionsPath))

	qs := e.srv.TransactionQueries()
	require.Len(t, qs, 1)
	assert.Equal(t, act.Add(4*time.Hour).Format(models.TimeLayout), qs[0]["end_time"])
}

func TestSyncDeviceReportsErrorWhenEveryWindowFails(t *testing.T) {
	e := newEnv(t)
	act := e.now.Add(-30 * time.Hour)
	e.srv.FailAlias("Gate", http.StatusBadRequest)

	_, err := e.sy.SyncDevice(context.Background(), models.Device{DeviceID: 1, DeviceAlias: "Gate", LastActivity: &act})
	require.Error(t, err)
	// 2h, 4h, 8h, 16h windows, one request each
	assert.Equal(t, 4, e.srv.Requests(transactionsPath))
}

func TestSyncDeviceStopsAtNow(t *testing.T) {
	e := newEnv(t)
	act := e.now.Add(-time.Hour)
	b, err := e.sy.SyncDevice(context.Background(), models.Device{DeviceID: 1, DeviceAlias: "Gate", LastActivity: &act})
	require.NoError(t, err)
	assert.Zero(t, b.Len())
	qs := e.srv.TransactionQueries()
	require.Len(t, qs, 1)
	assert.Equal(t, e.now.Format(models.TimeLayout), qs[0]["end_time"])
}

func TestSyncAllDevices(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	act := e.now.Add(-3 * time.Hour)
	e.addDevice(t, 1, "Gate", &act)
	e.addDevice(t, 2, "Dock", &act)
	e.srv.AddTransactions(
		biotimetest.Punch("100", "Gate", e.now.Add(-2*time.Hour), true),
		biotimetest.Punch("321", "Gate", e.now.Add(-2*time.Hour), true),
	)

	res, err := e.sy.SyncAllDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Devices)
	assert.Zero(t, res.FailedDevices)
	assert.Equal(t, 1, res.Checkins.Inserted)
	assert.Equal(t, 1, res.BioTimeCheckins.Inserted)

	gate, err := e.st.Device(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, gate.LastSyncRequest)
	assert.True(t, e.now.Equal(*gate.LastSyncRequest))
	dock, err := e.st.Device(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, dock.LastSyncRequest)
}

func TestSyncAllDevicesContinuesPastFailingDevice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	act := e.now.Add(-3 * time.Hour)
	e.addDevice(t, 1, "Gate", &act)
	e.addDevice(t, 2, "Dock", &act)
	e.srv.FailAlias("Dock", http.StatusBadRequest)
	e.srv.AddTransactions(biotimetest.Punch("100", "Gate", e.now.Add(-2*time.Hour), true))

	res, err := e.sy.SyncAllDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Devices)
	assert.Equal(t, 1, res.FailedDevices)
	assert.Equal(t, 1, res.Checkins.Inserted)

	gate, err := e.st.Device(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, gate.LastSyncRequest)
	dock, err := e.st.Device(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, dock.LastSyncRequest)
}

func TestSyncAllDevicesWithoutDevices(t *testing.T) {
	e := newEnv(t)
	_, err := e.sy.SyncAllDevices(context.Background())
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestSyncByIDAdvancesCursor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	base := e.now.Add(-48 * time.Hour)
	punches := func(from, n int) {
		for i := from; i < from+n; i++ {
			e.srv.AddTransactions(biotimetest.Punch(fmt.Sprint(900+i), "Gate", base.Add(time.Duration(i)*time.Minute), true))
		}
	}
	punches(0, 25)

	res, err := e.sy.SyncByID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, res.BioTimeCheckins.Inserted)
	assert.Equal(t, int64(25), res.LastSyncedID)
	conn, err := e.cs.Get("main")
	require.NoError(t, err)
	assert.Equal(t, int64(25), conn.LastSyncedID)

	punches(25, 3)
	res, err = e.sy.SyncByID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.BioTimeCheckins.Inserted)
	assert.Zero(t, res.BioTimeCheckins.Duplicates)
	assert.Equal(t, int64(28), res.LastSyncedID)

	qs := e.srv.TransactionQueries()
	last := qs[len(qs)-1]
	assert.Equal(t, "3", last["page"])
	assert.Equal(t, "10", last["page_size"])
}

func TestManualSyncValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addDevice(t, 1, "", nil)

	_, err := e.sy.ManualSync(ctx, e.now, e.now.Add(-time.Hour), 1)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = e.sy.ManualSync(ctx, e.now.Add(-time.Hour), e.now, 1)
	assert.ErrorIs(t, err, ErrNoAlias)
	_, err = e.sy.ManualSync(ctx, e.now.Add(-time.Hour), e.now, 42)
	assert.Equal(t, http.StatusNotFound, utils.StatusCode(err))
}

func TestManualSync(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addDevice(t, 1, "Gate", nil)
	e.srv.AddTransactions(
		biotimetest.Punch("100", "Gate", e.now.Add(-30*time.Hour), true),
		biotimetest.Punch("100", "Dock", e.now.Add(-30*time.Hour), false),
	)
	res, err := e.sy.ManualSync(ctx, e.now.Add(-48*time.Hour), e.now, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checkins.Inserted)
	q := e.srv.TransactionQueries()[0]
	assert.Equal(t, "1000", q["page_size"])
	assert.Equal(t, "Gate", q["terminal_alias"])
}

func TestSyncRangeFiltersByEmployee(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addDevice(t, 1, "Gate", nil)
	e.addDevice(t, 2, "Dock", nil)
	e.srv.AddTransactions(
		biotimetest.Punch("100", "Gate", e.now.Add(-2*time.Hour), true),
		biotimetest.Punch("100", "Dock", e.now.Add(-time.Hour), false),
		biotimetest.Punch("200", "Dock", e.now.Add(-time.Hour), false),
	)
	res, err := e.sy.SyncRange(ctx, e.now.Add(-24*time.Hour), e.now, "100")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checkins.Inserted)
	assert.Zero(t, res.BioTimeCheckins.Inserted)
	for _, q := range e.srv.TransactionQueries() {
		assert.Equal(t, "100", q["emp_code"])
	}

	_, err = e.sy.SyncRange(ctx, e.now, e.now.Add(-time.Minute), "")
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestBackfillLocations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	at := e.now.Add(-time.Hour)
	c := models.EmployeeCheckin{Employee: "HR-EMP-0001", LogType: models.LogTypeIn, Time: at}
	require.NoError(t, e.st.InsertCheckin(ctx, &c))
	e.srv.AddTransactions(
		biotimetest.Punch("100", "Gate", at, true),
		biotimetest.Punch("100", "Gate", at.Add(time.Minute), false),
	)

	n, err := e.sy.BackfillLocations(ctx, at.Add(-time.Hour), e.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := e.st.Checkin(ctx, c.Name)
	require.NoError(t, err)
	assert.Equal(t, "SN-Gate - Gate", got.DeviceID)
	assert.Equal(t, "10000", e.srv.TransactionQueries()[0]["page_size"])
}

func TestSyncMarksAttendance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.st.UpsertShiftType(ctx, models.ShiftType{Name: "Day", StartTime: "09:00", EndTime: "17:00", BeginCheckinBeforeMinutes: 60, AllowCheckoutAfterMinutes: 60}))
	require.NoError(t, e.st.UpsertEmployee(ctx, models.Employee{Name: "HR-EMP-0001", EmployeeName: "Ada", AttendanceDeviceID: "100", DefaultShift: "Day"}))
	require.NoError(t, e.st.SetAutoUpdateAttendance(ctx, true))
	e.addDevice(t, 1, "Gate", nil)

	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.Local)
	e.srv.AddTransactions(
		biotimetest.Punch("100", "Gate", day.Add(9*time.Hour), true),
		biotimetest.Punch("100", "Gate", day.Add(17*time.Hour), false),
	)
	_, err := e.sy.ManualSync(ctx, day, day.Add(24*time.Hour), 1)
	require.NoError(t, err)

	att, err := e.st.AttendanceFor(ctx, "HR-EMP-0001", "2024-05-06")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPresent, att.Status)
	assert.InDelta(t, 8.0, att.WorkingHours, 0.001)
}
