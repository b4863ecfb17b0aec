package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/sweeney/nfon-callmonitor/internal/calls"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically in both dialects.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// PoolConfig controls database/sql pool behavior. Zero values take defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func (c PoolConfig) withDefaults(driver string) PoolConfig {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 25
		if driver == "sqlite" {
			out.MaxOpenConns = 4
		}
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = min(out.MaxOpenConns, 25)
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// dialect covers the two differences between the supported databases.
type dialect struct {
	driverName string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

var dialects = map[string]dialect{
	"sqlite":   {driverName: "sqlite"},
	"postgres": {driverName: "pgx", numbered: true},
}

// rebind converts ? placeholders to the dialect's format.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is a Store on database/sql.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS calls (
		id             TEXT NOT NULL,
		extension      TEXT NOT NULL,
		caller         TEXT NOT NULL DEFAULT '',
		callee         TEXT NOT NULL DEFAULT '',
		extension_name TEXT NOT NULL DEFAULT '',
		direction      TEXT NOT NULL DEFAULT '',
		start_time     TEXT NOT NULL,
		answer_time    TEXT,
		end_time       TEXT,
		duration       INTEGER,
		status         TEXT NOT NULL,
		end_reason     TEXT,
		PRIMARY KEY (id, extension)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_start_time ON calls(start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_extension ON calls(extension)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status)`,
}

// Open connects to driver ("sqlite" or "postgres") and applies the schema.
// For sqlite, dsn is a file path; WAL mode is enabled. The dsn must not be
// logged: for postgres it contains credentials.
func Open(ctx context.Context, driver, dsn string, pool PoolConfig) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if driver == "sqlite" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	}

	pool = pool.withDefaults(driver)
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, pool.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}

	s := &SQLStore{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Upsert inserts or updates a record by (id, extension). start_time is kept
// from the first insert.
func (s *SQLStore) Upsert(ctx context.Context, rec calls.CallRecord) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO calls (id, extension, caller, callee, extension_name, direction,
			start_time, answer_time, end_time, duration, status, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, extension) DO UPDATE SET
			caller = excluded.caller,
			callee = excluded.callee,
			extension_name = excluded.extension_name,
			direction = excluded.direction,
			answer_time = excluded.answer_time,
			end_time = excluded.end_time,
			duration = excluded.duration,
			status = excluded.status,
			end_reason = excluded.end_reason`),
		rec.ID, rec.Extension, rec.Caller, rec.Callee, rec.ExtensionName, string(rec.Direction),
		formatTime(rec.StartTime), formatTimePtr(rec.AnswerTime), formatTimePtr(rec.EndTime),
		nullInt(rec.Duration), string(rec.Status), nullString(rec.EndReason),
	)
	if err != nil {
		return fmt.Errorf("upsert call %s: %w", rec.Key(), err)
	}
	return nil
}

// ListActive returns ringing and active records, newest first.
func (s *SQLStore) ListActive(ctx context.Context) ([]calls.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+columns+` FROM calls WHERE status IN (?, ?) ORDER BY start_time DESC`),
		string(calls.StatusRinging), string(calls.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	return scanRecords(rows)
}

// Query returns one page of records matching f, newest first.
func (s *SQLStore) Query(ctx context.Context, f Filter) (Page, error) {
	f = f.withDefaults()

	var (
		conds []string
		args  []any
	)
	if f.Extension != "" {
		conds = append(conds, "extension = ?")
		args = append(args, f.Extension)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if !f.From.IsZero() {
		conds = append(conds, "start_time >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "start_time <= ?")
		args = append(args, formatTime(f.To))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	page := Page{Page: f.Page, PageSize: f.PageSize, Calls: []calls.CallRecord{}}
	if err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM calls`+where), args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count calls: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		s.d.rebind(`SELECT `+columns+` FROM calls`+where+` ORDER BY start_time DESC LIMIT ? OFFSET ?`),
		append(args, f.PageSize, f.offset())...)
	if err != nil {
		return Page{}, fmt.Errorf("query calls: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Page{}, err
	}
	page.Calls = append(page.Calls, recs...)
	return page, nil
}

// RecoverStale marks records left ringing or active by a previous process as
// missed with end reason "stale". It returns the number of records changed.
func (s *SQLStore) RecoverStale(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		`UPDATE calls SET status = ?, end_reason = ? WHERE status IN (?, ?) AND end_time IS NULL`),
		string(calls.StatusMissed), calls.EndReasonStale,
		string(calls.StatusRinging), string(calls.StatusActive))
	if err != nil {
		return 0, fmt.Errorf("recover stale calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale calls: %w", err)
	}
	return int(n), nil
}

const columns = `id, extension, caller, callee, extension_name, direction,
	start_time, answer_time, end_time, duration, status, end_reason`

func scanRecords(rows *sql.Rows) ([]calls.CallRecord, error) {
	defer rows.Close()
	var out []calls.CallRecord
	for rows.Next() {
		var (
			rec                    calls.CallRecord
			direction, status      string
			start                  string
			answer, end, endReason sql.NullString
			duration               sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Extension, &rec.Caller, &rec.Callee, &rec.ExtensionName,
			&direction, &start, &answer, &end, &duration, &status, &endReason); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		rec.Direction = calls.Direction(direction)
		rec.Status = calls.Status(status)
		rec.EndReason = endReason.String

		var err error
		if rec.StartTime, err = time.Parse(timeLayout, start); err != nil {
			return nil, fmt.Errorf("parse start_time of %s: %w", rec.Key(), err)
		}
		if rec.AnswerTime, err = parseTimePtr(answer); err != nil {
			return nil, fmt.Errorf("parse answer_time of %s: %w", rec.Key(), err)
		}
		if rec.EndTime, err = parseTimePtr(end); err != nil {
			return nil, fmt.Errorf("parse end_time of %s: %w", rec.Key(), err)
		}
		if duration.Valid {
			d := int(duration.Int64)
			rec.Duration = &d
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
