package erp

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "notification_scheduler/internal/domain/erp"
	"notification_scheduler/internal/domain/schedule"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const appointmentsQuery = `
SELECT code AS external_code, patient AS patient_code, phone, appt AS appointment_time,
       modified AS modified_at, room
FROM appointments
WHERE clinic = @clinic_code AND modified >= @start AND modified < @end
ORDER BY code`

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE appointments (
		code TEXT, patient TEXT, phone TEXT, clinic TEXT, room TEXT, appt DATETIME, modified DATETIME)`)
	require.NoError(t, err)

	// A-4 sits on the exclusive end and A-5 before the start of window().
	rows := []struct {
		code, clinic string
		modified     time.Time
	}{
		{"A-1", "C01", base.Add(-3 * time.Hour)},
		{"A-2", "C01", base.Add(-30 * time.Minute)},
		{"A-3", "C02", base.Add(-30 * time.Minute)},
		{"A-4", "C01", base},
		{"A-5", "C01", base.Add(-7 * time.Hour)},
	}
	for _, r := range rows {
		_, err := db.Exec(`INSERT INTO appointments VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.code, "p-"+r.code, "5511999990000", r.clinic, "room 3", base.Add(26*time.Hour), r.modified)
		require.NoError(t, err)
	}
	return db
}

func konsist(clinic string) schedule.ERPParams {
	return schedule.ERPParams{Kind: schedule.ERPKonsist, Konsist: &schedule.KonsistParams{ClinicCode: clinic}}
}

func window() schedule.Window {
	return schedule.Window{SettingID: 1, Start: base.Add(-6 * time.Hour), End: base}
}

func TestSQLAdapterFetchesWindow(t *testing.T) {
	a := NewSQLAdapter(openTestDB(t), schedule.ERPKonsist, appointmentsQuery, quietLogger())

	res, err := a.FetchEvents(context.Background(), window(), konsist("C01"))
	require.NoError(t, err)
	require.Len(t, res.Events, 2)

	first := res.Events[0]
	assert.Equal(t, "A-1", first.ExternalCode)
	assert.Equal(t, "p-A-1", first.PatientCode)
	assert.Equal(t, "5511999990000", first.Phone)
	assert.True(t, first.AppointmentTime.Equal(base.Add(26*time.Hour)))
	assert.True(t, first.ModifiedAt.Equal(base.Add(-3*time.Hour)))
	assert.Equal(t, "room 3", first.Extra["room"])

	assert.Equal(t, "A-2", res.Events[1].ExternalCode)
	assert.Equal(t, base.Add(-30*time.Minute).Format(time.RFC3339Nano), res.Continuation)
}

func TestSQLAdapterEmptyWindowKeepsContinuation(t *testing.T) {
	a := NewSQLAdapter(openTestDB(t), schedule.ERPKonsist, appointmentsQuery, quietLogger())
	w := window()
	w.Continuation = "prev"

	res, err := a.FetchEvents(context.Background(), w, konsist("C99"))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, "prev", res.Continuation)
}

func TestSQLAdapterErrorsAreClassified(t *testing.T) {
	db := openTestDB(t)
	tests := []struct {
		name   string
		query  string
		params schedule.ERPParams
		ctx    func() context.Context
		want   error
	}{
		{
			name:   "filter missing from setting",
			query:  appointmentsQuery,
			params: schedule.ERPParams{Kind: schedule.ERPGeneric},
			want:   domain.ErrAdapterRejected,
		},
		{
			name:   "unknown table",
			query:  `SELECT * FROM visits WHERE modified >= @start AND modified < @end`,
			params: konsist("C01"),
			want:   domain.ErrAdapterRejected,
		},
		{
			name:   "caller gave up",
			query:  appointmentsQuery,
			params: konsist("C01"),
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			want: domain.ErrAdapterUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}
			a := NewSQLAdapter(db, schedule.ERPKonsist, tt.query, quietLogger())
			_, err := a.FetchEvents(ctx, window(), tt.params)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"access denied", &mysql.MySQLError{Number: 1045, Message: "Access denied"}, domain.ErrAdapterRejected},
		{"syntax error", &mysql.MySQLError{Number: 1064, Message: "You have an error in your SQL syntax"}, domain.ErrAdapterRejected},
		{"lost connection", &mysql.MySQLError{Number: 2013, Message: "Lost connection"}, domain.ErrAdapterUnavailable},
		{"deadlock", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, domain.ErrAdapterUnavailable},
		{"bad conn", driver.ErrBadConn, domain.ErrAdapterUnavailable},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, domain.ErrAdapterUnavailable},
		{"timeout", context.DeadlineExceeded, domain.ErrAdapterUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(schedule.ERPGeneric, tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestBindNamed(t *testing.T) {
	q, args, err := bindNamed(`SELECT * FROM t WHERE a = @x AND b >= @start AND email LIKE '%@%' AND c = @x`,
		map[string]any{"x": "1", "start": base})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM t WHERE a = ? AND b >= ? AND email LIKE '%@%' AND c = ?`, q)
	assert.Equal(t, []any{"1", base, "1"}, args)

	_, _, err = bindNamed(`SELECT @missing`, nil)
	assert.ErrorIs(t, err, ErrMissingParam)
}

type stubAdapter struct{ name string }

func (stubAdapter) FetchEvents(context.Context, schedule.Window, schedule.ERPParams) (*domain.FetchResult, error) {
	return &domain.FetchResult{}, nil
}

func TestRegistry(t *testing.T) {
	empty := NewRegistry(nil)
	_, err := empty.Adapter(schedule.ERPManager)
	assert.ErrorIs(t, err, domain.ErrNoAdapter)

	r := NewRegistry(stubAdapter{name: "generic"})
	r.Register(schedule.ERPProDoctor, stubAdapter{name: "prodoctor"})

	got, err := r.Adapter(schedule.ERPProDoctor)
	require.NoError(t, err)
	assert.Equal(t, "prodoctor", got.(stubAdapter).name)

	got, err = r.Adapter(schedule.ERPManager)
	require.NoError(t, err)
	assert.Equal(t, "generic", got.(stubAdapter).name)
}
