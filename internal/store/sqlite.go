package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pibackend/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// pruneBatch bounds how many readings one DELETE removes so retention
// pruning never holds the writer for long.
const pruneBatch = 500

// schemaVersion is written to the configuration table on open so a future
// migration pass can tell what it is upgrading from.
const schemaVersion = "1"

// Store is the SQLite-backed persistence layer. All writes go through a
// single connection (SQLite prefers one writer); readers share it, which
// is fine at tens of writes per minute.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.SetConfigValue(context.Background(), "schema_version", schemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Readings ----

// WriteReading persists one reading. Writing the same (source, at) twice is
// safe: last write wins, so retried ticks after a crash cannot duplicate data.
func (s *Store) WriteReading(ctx context.Context, r Reading) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	var payload any
	if len(r.Payload) > 0 {
		b, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("%w: marshal payload: %v", ErrWriteFailed, err)
		}
		payload = string(b)
	}
	status := r.Status
	if status == "" {
		status = StatusOK
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings(source, ts, status, err, payload) VALUES(?,?,?,?,?)
		 ON CONFLICT(source, ts) DO UPDATE SET
		   status=excluded.status, err=excluded.err, payload=excluded.payload`,
		r.Source, r.At.UTC().UnixMilli(), status, nullStr(r.Error), payload,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// QueryReadings returns readings for source within [from, to], newest first.
// Zero from/to mean unbounded; limit <= 0 applies a sane default.
func (s *Store) QueryReadings(ctx context.Context, srcName string, from, to time.Time, limit int) ([]Reading, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT source, ts, status, err, payload FROM readings WHERE source = ?`
	args := []any{srcName}
	if !from.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, from.UTC().UnixMilli())
	}
	if !to.IsZero() {
		q += ` AND ts <= ?`
		args = append(args, to.UTC().UnixMilli())
	}
	q += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestReading returns the most recent reading for source.
func (s *Store) LatestReading(ctx context.Context, srcName string) (Reading, error) {
	if s == nil || s.db == nil {
		return Reading{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT source, ts, status, err, payload FROM readings
		 WHERE source = ? ORDER BY ts DESC LIMIT 1`, srcName)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reading{}, ErrNotFound
	}
	return r, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (Reading, error) {
	var (
		r       Reading
		ms      int64
		errText sql.NullString
		payload sql.NullString
	)
	if err := row.Scan(&r.Source, &ms, &r.Status, &errText, &payload); err != nil {
		return Reading{}, err
	}
	r.At = time.UnixMilli(ms).UTC()
	r.Error = errText.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
			return Reading{}, fmt.Errorf("reading %s@%d: corrupt payload: %w", r.Source, ms, err)
		}
	}
	return r, nil
}

// PruneReadings deletes readings strictly older than cutoff; readings at
// exactly the cutoff are retained. Deletes run in bounded batches so ongoing
// writes are never blocked for long. Returns the number of rows removed.
func (s *Store) PruneReadings(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	ms := cutoff.UTC().UnixMilli()
	var total int64
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM readings WHERE rowid IN
			   (SELECT rowid FROM readings WHERE ts < ? LIMIT ?)`,
			ms, pruneBatch,
		)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
		if n < pruneBatch {
			return total, nil
		}
		// Yield between batches.
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}

// CountReadings reports the number of stored readings for source
// ("" counts every source). Used by stats/health output.
func (s *Store) CountReadings(ctx context.Context, srcName string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var n int64
	var err error
	if srcName == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings WHERE source = ?`, srcName).Scan(&n)
	}
	return n, err
}

// ---- Jobs ----

// SaveJob upserts the persisted scheduling state for one source.
func (s *Store) SaveJob(ctx context.Context, j JobRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(source, interval_ms, enabled, uses_location, log_failures,
		                  last_attempt, last_success, last_error, consecutive_failures, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(source) DO UPDATE SET
		   interval_ms=excluded.interval_ms,
		   enabled=excluded.enabled,
		   uses_location=excluded.uses_location,
		   log_failures=excluded.log_failures,
		   last_attempt=excluded.last_attempt,
		   last_success=excluded.last_success,
		   last_error=excluded.last_error,
		   consecutive_failures=excluded.consecutive_failures,
		   updated_at=excluded.updated_at`,
		j.Source, j.Interval.Milliseconds(), boolInt(j.Enabled), boolInt(j.UsesLocation), boolInt(j.LogFailures),
		nullMillis(j.LastAttempt), nullMillis(j.LastSuccess), nullStr(j.LastError), j.ConsecutiveFailures,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, srcName string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE source = ?`, srcName)
	return err
}

func (s *Store) ListJobs(ctx context.Context) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, interval_ms, enabled, uses_location, log_failures,
		        last_attempt, last_success, last_error, consecutive_failures
		 FROM jobs ORDER BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			j           JobRecord
			intervalMS  int64
			enabled     int
			usesLoc     int
			logFail     int
			lastAttempt sql.NullInt64
			lastSuccess sql.NullInt64
			lastErr     sql.NullString
		)
		if err := rows.Scan(&j.Source, &intervalMS, &enabled, &usesLoc, &logFail,
			&lastAttempt, &lastSuccess, &lastErr, &j.ConsecutiveFailures); err != nil {
			return nil, err
		}
		j.Interval = time.Duration(intervalMS) * time.Millisecond
		j.Enabled = enabled != 0
		j.UsesLocation = usesLoc != 0
		j.LogFailures = logFail != 0
		if lastAttempt.Valid {
			j.LastAttempt = time.UnixMilli(lastAttempt.Int64).UTC()
		}
		if lastSuccess.Valid {
			j.LastSuccess = time.UnixMilli(lastSuccess.Int64).UTC()
		}
		j.LastError = lastErr.String
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- API keys ----

// APIKey resolves a stored provider credential by name.
// Returns ErrNotFound when the key is absent.
func (s *Store) APIKey(ctx context.Context, name string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrClosed
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT key_value FROM api_keys WHERE key_name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("api key %q: %w", name, ErrNotFound)
	}
	return v, err
}

func (s *Store) SetAPIKey(ctx context.Context, name, value string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys(key_name, key_value, created_at) VALUES(?,?,?)
		 ON CONFLICT(key_name) DO UPDATE SET key_value=excluded.key_value`,
		name, value, time.Now().UnixMilli(),
	)
	return err
}

// ---- Configuration KV ----

func (s *Store) ConfigValue(ctx context.Context, key string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrClosed
	}
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM configuration WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config key %q: %w", key, ErrNotFound)
	}
	return v.String, err
}

func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO configuration(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixMilli()
}
