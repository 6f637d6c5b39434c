// Package store is the embedded relational store: the incoming sample
// log, one rollup table per period, and the quantile computation used to
// finalize rollup rows. Single-writer discipline — callers serialize
// writes through one *Store per process.
package store

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"smalltsdb/config"
	"smalltsdb/lineproto"

	_ "modernc.org/sqlite"
)

// Store wraps the embedded SQLite database holding incoming samples and
// rollup tables.
type Store struct {
	db  *sql.DB
	cfg config.StoreConfig

	// incomingTable is "incoming", or "incoming_db.incoming" when
	// cfg.IncomingDBPath attaches the incoming log to a separate file.
	// Every reference to the incoming table goes through this field so
	// the attached-file layout actually holds the data it's meant to.
	incomingTable string
}

// Open creates (if needed) and opens the store at cfg.DBPath, applying
// pragmas and bootstrapping the schema. If cfg.IncomingDBPath is set, the
// incoming table lives in a separately attached database file so ingest
// writes don't contend with rollup reads.
func Open(cfg config.StoreConfig) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	busyTimeout := cfg.BusyTimeoutMS
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}
	pragmas := fmt.Sprintf("pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=%d;", busyTimeout)
	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragmas: %w", err)
	}
	incomingTable := "incoming"
	if cfg.IncomingDBPath != "" {
		attach := fmt.Sprintf("attach database %s as incoming_db;", quoteSQLString(cfg.IncomingDBPath))
		if _, err := db.Exec(attach); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: attach incoming db: %w", err)
		}
		incomingTable = "incoming_db.incoming"
	}
	if err := ensureSchema(db, incomingTable); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, cfg: cfg, incomingTable: incomingTable}, nil
}

func quoteSQLString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Close releases resources. Idempotent.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StorageError wraps a persistent-store failure on insert or query.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Insert transactionally appends samples to the incoming table. All or
// none.
func (s *Store) Insert(samples []lineproto.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	err := s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(fmt.Sprintf(`insert into %s(path, timestamp, value) values(?, ?, ?)`, s.incomingTable))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, sample := range samples {
			if _, err := stmt.Exec(sample.Path, sample.Timestamp, sample.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &StorageError{Op: "insert", Err: err}
	}
	return nil
}

// withTx runs fn inside a single transaction, committing on success and
// rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// execQuerier is satisfied by both *sql.DB and *sql.Tx, letting the
// helper functions below run either standalone or inside a caller-owned
// transaction.
type execQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	Prepare(query string) (*sql.Stmt, error)
}

// PathLastFinal pairs a path present in incoming with the largest rollup
// timestamp already written for it in a given period. If none exists yet,
// HasRollups is false and LastFinal is zero.
type PathLastFinal struct {
	Path       string
	LastFinal  float64
	HasRollups bool
}

// PeriodPathsLastFinal materializes the distinct set of paths currently
// present in incoming, left-joined with the named rollup table, fully
// into memory before any further writes, to avoid cursor/lock conflicts.
func (s *Store) PeriodPathsLastFinal(periodName string) ([]PathLastFinal, error) {
	return pathsLastFinal(s.db, s.incomingTable, periodName)
}

func pathsLastFinal(q execQuerier, incomingTable, periodName string) ([]PathLastFinal, error) {
	query := fmt.Sprintf(`
	select i.path, r.max_ts
	from (select distinct path from %s) i
	left join (select path, max(timestamp) as max_ts from %s group by path) r
	on i.path = r.path
	order by i.path
	`, incomingTable, periodName)
	rows, err := q.Query(query)
	if err != nil {
		return nil, &StorageError{Op: "paths last final", Err: err}
	}
	defer rows.Close()

	var out []PathLastFinal
	for rows.Next() {
		var path string
		var maxTS sql.NullFloat64
		if err := rows.Scan(&path, &maxTS); err != nil {
			return nil, &StorageError{Op: "scan paths last final", Err: err}
		}
		if maxTS.Valid {
			out = append(out, PathLastFinal{Path: path, LastFinal: maxTS.Float64, HasRollups: true})
		} else {
			out = append(out, PathLastFinal{Path: path})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate paths last final", Err: err}
	}
	return out, nil
}

// BucketValues returns the values of every incoming sample for path with
// timestamp in [start, end).
func (s *Store) BucketValues(path string, start, end float64) ([]float64, error) {
	return bucketValues(s.db, s.incomingTable, path, start, end)
}

func bucketValues(q execQuerier, incomingTable, path string, start, end float64) ([]float64, error) {
	query := fmt.Sprintf(`select value from %s where path = ? and timestamp >= ? and timestamp < ? order by timestamp`, incomingTable)
	rows, err := q.Query(query, path, start, end)
	if err != nil {
		return nil, &StorageError{Op: "bucket values", Err: err}
	}
	defer rows.Close()
	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, &StorageError{Op: "scan bucket value", Err: err}
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate bucket values", Err: err}
	}
	return values, nil
}

// PathBucket holds the incoming sample values of one period-aligned
// bucket for one path.
type PathBucket struct {
	Start  float64
	Values []float64
}

// BucketedValues groups every incoming sample for path with timestamp
// before end into period-aligned buckets, ordered by bucket start.
// Buckets with no samples are absent.
func (s *Store) BucketedValues(path string, period, end float64) ([]PathBucket, error) {
	return bucketedValues(s.db, s.incomingTable, path, period, end)
}

func bucketedValues(q execQuerier, incomingTable, path string, period, end float64) ([]PathBucket, error) {
	query := fmt.Sprintf(`select timestamp, value from %s where path = ? and timestamp < ? order by timestamp`, incomingTable)
	rows, err := q.Query(query, path, end)
	if err != nil {
		return nil, &StorageError{Op: "bucketed values", Err: err}
	}
	defer rows.Close()
	var out []PathBucket
	for rows.Next() {
		var ts, v float64
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, &StorageError{Op: "scan bucketed value", Err: err}
		}
		bucket := math.Floor(ts/period) * period
		if len(out) == 0 || out[len(out)-1].Start != bucket {
			out = append(out, PathBucket{Start: bucket})
		}
		out[len(out)-1].Values = append(out[len(out)-1].Values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate bucketed values", Err: err}
	}
	return out, nil
}

// RollupRow is one finalized aggregate row for a (path, bucket) pair.
type RollupRow struct {
	Path      string
	Timestamp float64
	N         float64
	Min       float64
	Max       float64
	Avg       float64
	Sum       float64
	P50       float64
	P90       float64
	P99       float64
}

// RowFromValues computes a RollupRow's statistics from the raw sample
// values in one bucket, via in-memory sort-then-select quantiles.
func RowFromValues(path string, bucket float64, values []float64) RollupRow {
	n := float64(len(values))
	min, max, sum := values[0], values[0], 0.0
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	avg := sum / n
	return RollupRow{
		Path:      path,
		Timestamp: bucket,
		N:         n,
		Min:       min,
		Max:       max,
		Avg:       avg,
		Sum:       sum,
		P50:       quantile(append([]float64(nil), values...), 0.50),
		P90:       quantile(append([]float64(nil), values...), 0.90),
		P99:       quantile(append([]float64(nil), values...), 0.99),
	}
}

// UpsertRollup writes rows into the named rollup table, keyed on
// (path, timestamp). Re-computing the same bucket overwrites it
// atomically.
func (s *Store) UpsertRollup(periodName string, rows []RollupRow) error {
	err := s.withTx(func(tx *sql.Tx) error {
		return upsertRollupRows(tx, periodName, rows)
	})
	if err != nil {
		return &StorageError{Op: "upsert rollup " + periodName, Err: err}
	}
	return nil
}

func upsertRollupRows(q execQuerier, periodName string, rows []RollupRow) error {
	if len(rows) == 0 {
		return nil
	}
	stmtText := fmt.Sprintf(`
	insert into %s(path, timestamp, n, min, max, avg, sum, p50, p90, p99)
	values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	on conflict(path, timestamp) do update set
		n=excluded.n, min=excluded.min, max=excluded.max, avg=excluded.avg,
		sum=excluded.sum, p50=excluded.p50, p90=excluded.p90, p99=excluded.p99
	`, periodName)
	stmt, err := q.Prepare(stmtText)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.Path, r.Timestamp, r.N, r.Min, r.Max, r.Avg, r.Sum, r.P50, r.P90, r.P99); err != nil {
			return err
		}
	}
	return nil
}

// PruneIncoming deletes incoming rows older than cutoff.
func (s *Store) PruneIncoming(cutoff float64) error {
	query := fmt.Sprintf(`delete from %s where timestamp < ?`, s.incomingTable)
	if _, err := s.db.Exec(query, cutoff); err != nil {
		return &StorageError{Op: "prune incoming", Err: err}
	}
	return nil
}

// PeriodTx scopes the reads and writes of one rollup-engine period pass
// inside a single transaction.
type PeriodTx struct {
	tx            *sql.Tx
	period        string
	incomingTable string
}

// PathsLastFinal is the transaction-scoped equivalent of
// Store.PeriodPathsLastFinal.
func (p *PeriodTx) PathsLastFinal() ([]PathLastFinal, error) {
	return pathsLastFinal(p.tx, p.incomingTable, p.period)
}

// BucketedValues is the transaction-scoped equivalent of
// Store.BucketedValues.
func (p *PeriodTx) BucketedValues(path string, period, end float64) ([]PathBucket, error) {
	return bucketedValues(p.tx, p.incomingTable, path, period, end)
}

// UpsertRows is the transaction-scoped equivalent of Store.UpsertRollup.
func (p *PeriodTx) UpsertRows(rows []RollupRow) error {
	return upsertRollupRows(p.tx, p.period, rows)
}

// SyncPeriodInTx runs fn with a PeriodTx scoped to periodName, inside a
// single transaction that commits only if fn succeeds. On failure the
// whole pass (reads and writes) rolls back, leaving no partial writes.
func (s *Store) SyncPeriodInTx(periodName string, fn func(*PeriodTx) error) error {
	err := s.withTx(func(tx *sql.Tx) error {
		return fn(&PeriodTx{tx: tx, period: periodName, incomingTable: s.incomingTable})
	})
	if err != nil {
		return &StorageError{Op: "sync period " + periodName, Err: err}
	}
	return nil
}

// ArgumentError reports an invalid period, stat, or interval at the Query API.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "store: " + e.Msg }

// Point is one (timestamp, value) pair returned by GetMetric.
type Point struct {
	Timestamp float64
	Value     float64
}

var statColumn = map[string]bool{}

func init() {
	for _, s := range config.Stats {
		statColumn[s] = true
	}
}

func periodTableName(periodName string) (string, error) {
	for _, p := range config.Periods {
		if p.Name == periodName {
			return p.Name, nil
		}
	}
	return "", &ArgumentError{Msg: fmt.Sprintf("unknown period %q", periodName)}
}

// GetMetric returns ordered (timestamp, value) pairs for path in the
// given period/stat, optionally bounded by [start, end] inclusive on both
// ends. An empty result is not an error.
func (s *Store) GetMetric(path, periodName, stat string, start, end *float64) ([]Point, error) {
	table, err := periodTableName(periodName)
	if err != nil {
		return nil, err
	}
	if !statColumn[stat] {
		return nil, &ArgumentError{Msg: fmt.Sprintf("unknown stat %q", stat)}
	}
	query := fmt.Sprintf(`select timestamp, %s from %s where path = ?`, stat, table)
	args := []any{path}
	if start != nil {
		query += ` and timestamp >= ?`
		args = append(args, *start)
	}
	if end != nil {
		query += ` and timestamp <= ?`
		args = append(args, *end)
	}
	query += ` order by timestamp asc`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &StorageError{Op: "get metric", Err: err}
	}
	defer rows.Close()

	points := make([]Point, 0)
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, &StorageError{Op: "scan metric point", Err: err}
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate metric points", Err: err}
	}
	return points, nil
}

// ListMetrics returns every distinct path appearing in any rollup table,
// unordered.
func (s *Store) ListMetrics() ([]string, error) {
	seen := make(map[string]bool)
	for _, p := range config.Periods {
		rows, err := s.db.Query(fmt.Sprintf(`select distinct path from %s`, p.Name))
		if err != nil {
			return nil, &StorageError{Op: "list metrics", Err: err}
		}
		for rows.Next() {
			var path string
			if err := rows.Scan(&path); err != nil {
				rows.Close()
				return nil, &StorageError{Op: "scan metric path", Err: err}
			}
			seen[path] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, &StorageError{Op: "iterate metric paths", Err: err}
		}
	}
	out := make([]string, 0, len(seen))
	for path := range seen {
		out = append(out, path)
	}
	return out, nil
}
