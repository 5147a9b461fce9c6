// Package erp reads appointment records from external record systems.
package erp

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	domain "notification_scheduler/internal/domain/erp"
	"notification_scheduler/internal/domain/schedule"
)

// Reserved query parameters. Any other @name is looked up in the setting's ERP filters.
const (
	ParamStart = "start"
	ParamEnd   = "end"
)

var ErrMissingParam = fmt.Errorf("query parameter has no value")

// SQLAdapter runs a configured query against an ERP database. The query references the window
// as @start and @end (modification-time bounds, end exclusive) and setting filters by name,
// e.g. @clinic_code. Result columns are matched by name; unknown columns land in Extra.
type SQLAdapter struct {
	db     *sql.DB
	kind   schedule.ERPKind
	query  string
	logger *logrus.Entry
}

func NewSQLAdapter(db *sql.DB, kind schedule.ERPKind, query string, logger *logrus.Entry) *SQLAdapter {
	return &SQLAdapter{
		db:     db,
		kind:   kind,
		query:  query,
		logger: logger.WithFields(logrus.Fields{"component": "erp_adapter", "erp": kind}),
	}
}

// ConnectMySQL opens an ERP MySQL database. parseTime is forced so DATETIME columns scan
// into time.Time.
func ConnectMySQL(dsn string, timeout time.Duration) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse erp dsn: %w", err)
	}
	cfg.ParseTime = true
	if timeout > 0 {
		cfg.Timeout = timeout
		cfg.ReadTimeout = timeout
	}
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open erp database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func (a *SQLAdapter) FetchEvents(ctx context.Context, w schedule.Window, params schedule.ERPParams) (*domain.FetchResult, error) {
	values := make(map[string]any)
	for k, v := range params.Filters() {
		values[k] = v
	}
	values[ParamStart] = w.Start.UTC()
	values[ParamEnd] = w.End.UTC()

	query, args, err := bindNamed(a.query, values)
	if err != nil {
		return nil, domain.Rejected(a.kind, err)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(a.kind, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, Classify(a.kind, err)
	}

	result := &domain.FetchResult{Events: make([]schedule.RawEvent, 0), Continuation: w.Continuation}
	var latest time.Time
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, Classify(a.kind, err)
		}
		ev, err := toEvent(cols, raw)
		if err != nil {
			return nil, domain.Rejected(a.kind, err)
		}
		if ev.ModifiedAt.After(latest) {
			latest = ev.ModifiedAt
		}
		result.Events = append(result.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(a.kind, err)
	}
	if !latest.IsZero() {
		result.Continuation = latest.UTC().Format(time.RFC3339Nano)
	}

	a.logger.WithFields(logrus.Fields{
		"setting_id": w.SettingID,
		"start":      w.Start,
		"end":        w.End,
		"rows":       len(result.Events),
	}).Debug("Fetched ERP rows")
	return result, nil
}

// bindNamed rewrites @name references into positional ? placeholders.
func bindNamed(query string, values map[string]any) (string, []any, error) {
	var b strings.Builder
	args := make([]any, 0, 4)
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '@' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(query) && isIdent(query[j]) {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}
		name := query[i+1 : j]
		v, ok := values[name]
		if !ok {
			return "", nil, fmt.Errorf("%w: @%s", ErrMissingParam, name)
		}
		b.WriteByte('?')
		args = append(args, v)
		i = j - 1
	}
	return b.String(), args, nil
}

func isIdent(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func toEvent(cols []string, raw []any) (schedule.RawEvent, error) {
	ev := schedule.RawEvent{}
	for i, col := range cols {
		v := raw[i]
		if v == nil {
			continue
		}
		var err error
		switch strings.ToLower(col) {
		case "external_code":
			ev.ExternalCode = asString(v)
		case "patient_code":
			ev.PatientCode = asString(v)
		case "patient_name":
			ev.PatientName = asString(v)
		case "phone":
			ev.Phone = asString(v)
		case "email":
			ev.Email = asString(v)
		case "telegram_chat_id":
			ev.TelegramChatID, err = strconv.ParseInt(asString(v), 10, 64)
		case "appointment_time":
			ev.AppointmentTime, err = asTime(v)
		case "professional_name":
			ev.ProfessionalName = asString(v)
		case "location":
			ev.Location = asString(v)
		case "procedure":
			ev.Procedure = asString(v)
		case "modified_at":
			ev.ModifiedAt, err = asTime(v)
		default:
			if ev.Extra == nil {
				ev.Extra = make(map[string]string)
			}
			ev.Extra[col] = asString(v)
		}
		if err != nil {
			return ev, fmt.Errorf("column %s: %w", col, err)
		}
	}
	if ev.ExternalCode == "" {
		return ev, fmt.Errorf("row without external_code")
	}
	if ev.AppointmentTime.IsZero() {
		return ev, fmt.Errorf("row %s without appointment_time", ev.ExternalCode)
	}
	return ev, nil
}

func asString(v any) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// asTime accepts driver time values and the text layouts MySQL and SQLite emit. Naive
// timestamps are read as UTC.
func asTime(v any) (time.Time, error) {
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	s := strings.TrimSpace(asString(v))
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// MySQL server error numbers that mean the server is overloaded or the session broke.
var transientMySQLErrors = map[uint16]bool{
	1040: true, // too many connections
	1053: true, // server shutdown in progress
	1205: true, // lock wait timeout
	1213: true, // deadlock
	2006: true, // server has gone away
	2013: true, // lost connection during query
}

// Classify maps a driver error to AdapterUnavailable (retry later) or AdapterRejected
// (configuration or permission problem). Unrecognised errors are rejected.
func Classify(kind schedule.ERPKind, err error) error {
	var (
		myErr  *mysql.MySQLError
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr):
		return domain.Unavailable(kind, err)
	case errors.As(err, &myErr):
		if transientMySQLErrors[myErr.Number] {
			return domain.Unavailable(kind, err)
		}
		return domain.Rejected(kind, err)
	}
	return domain.Rejected(kind, err)
}

var _ domain.Adapter = (*SQLAdapter)(nil)
