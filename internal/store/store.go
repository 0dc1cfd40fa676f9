// Package store keeps the history of runs, their target results and speed
// samples in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"

	"github.com/sweeney/launch-timer/internal/logic"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeReset     Outcome = "reset"
	OutcomeAborted   Outcome = "aborted" // daemon shut down mid-run
)

// Run is one start-to-finish lifecycle of the timer.
type Run struct {
	ID         string
	CreatedAt  time.Time
	StartedAt  time.Time // zero until the first sample is seen
	FinishedAt time.Time // zero while running
	Unit       logic.Unit
	Targets    []float64
	Outcome    Outcome
	MaxSpeed   float64
	Results    []Result
}

// Result is a reached target within a run.
type Result struct {
	Threshold float64
	Unit      logic.Unit
	Elapsed   time.Duration
	ReachedAt time.Time
	Speed     float64
}

// Point is a stored speed sample in the run's display unit.
type Point struct {
	Time  time.Time
	Speed float64
}

// TargetStat summarises all recorded results for one threshold.
type TargetStat struct {
	Threshold float64
	Unit      logic.Unit
	Count     int
	Best      time.Duration
	Mean      time.Duration
	StdDev    time.Duration
}

// Store is a SQLite backed run history.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one connection: serialises writers and keeps pragmas and :memory: databases stable
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

func joinTargets(targets []float64) string {
	parts := make([]string, len(targets))
	for i, t := range targets {
		parts[i] = strconv.FormatFloat(t, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func splitTargets(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("parse target %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

// CreateRun inserts a new run in the running state.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	if run.Outcome == "" {
		run.Outcome = OutcomeRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, unit, targets, outcome) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt.UnixNano(), string(run.Unit), joinTargets(run.Targets), string(run.Outcome),
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// MarkStarted records the time of the run's first sample.
func (s *Store) MarkStarted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET started_at = ? WHERE id = ? AND started_at IS NULL`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark run %s started: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.exists(ctx, id)
	}
	return nil
}

// RecordResult stores a reached target.
func (s *Store) RecordResult(ctx context.Context, id string, e logic.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO target_results (run_id, threshold, unit, elapsed_ns, reached_at, speed) VALUES (?, ?, ?, ?, ?, ?)`,
		id, e.Target.Threshold, string(e.Target.Unit), int64(e.Elapsed), e.Time.UnixNano(), e.Speed,
	)
	if err != nil {
		return fmt.Errorf("record result for run %s: %w", id, err)
	}
	return nil
}

// RecordSample stores a speed sample (display unit) of a run.
func (s *Store) RecordSample(ctx context.Context, id string, at time.Time, speed float64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO samples (run_id, ts, speed) VALUES (?, ?, ?)`, id, at.UnixNano(), speed)
	if err != nil {
		return fmt.Errorf("record sample for run %s: %w", id, err)
	}
	return nil
}

// FinishRun sets the outcome, finish time and max speed of a run.
func (s *Store) FinishRun(ctx context.Context, id string, outcome Outcome, at time.Time, maxSpeed float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET outcome = ?, finished_at = ?, max_speed = ? WHERE id = ?`,
		string(outcome), at.UnixNano(), maxSpeed, id,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return err
}

const runColumns = `id, created_at, started_at, finished_at, unit, targets, outcome, max_speed`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                  Run
		created            int64
		started, finished  sql.NullInt64
		unit, targets, out string
	)
	if err := row.Scan(&r.ID, &created, &started, &finished, &unit, &targets, &out, &r.MaxSpeed); err != nil {
		return Run{}, err
	}
	ts, err := splitTargets(targets)
	if err != nil {
		return Run{}, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.StartedAt = fromNanos(started)
	r.FinishedAt = fromNanos(finished)
	r.Unit = logic.Unit(unit)
	r.Targets = ts
	r.Outcome = Outcome(out)
	return r, nil
}

// GetRun returns one run with its results.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	if r.Results, err = s.results(ctx, id); err != nil {
		return Run{}, err
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first, with their results.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	// results are queried after rows is closed: the pool has a single connection
	for i := range runs {
		if runs[i].Results, err = s.results(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// LatestRunID returns the ID of the most recently created run.
func (s *Store) LatestRunID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY created_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *Store) results(ctx context.Context, id string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT threshold, unit, elapsed_ns, reached_at, speed FROM target_results WHERE run_id = ? ORDER BY threshold`, id)
	if err != nil {
		return nil, fmt.Errorf("results for run %s: %w", id, err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r        Result
			unit     string
			elapsed  int64
			reachedN int64
		)
		if err := rows.Scan(&r.Threshold, &unit, &elapsed, &reachedN, &r.Speed); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Unit = logic.Unit(unit)
		r.Elapsed = time.Duration(elapsed)
		r.ReachedAt = time.Unix(0, reachedN).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Samples returns the stored samples of a run in time order.
func (s *Store) Samples(ctx context.Context, id string) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, speed FROM samples WHERE run_id = ? ORDER BY ts`, id)
	if err != nil {
		return nil, fmt.Errorf("samples for run %s: %w", id, err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			ts int64
			p  Point
		)
		if err := rows.Scan(&ts, &p.Speed); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		p.Time = time.Unix(0, ts).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// TargetStats summarises every recorded result in unit u, grouped by threshold.
func (s *Store) TargetStats(ctx context.Context, u logic.Unit) ([]TargetStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT threshold, elapsed_ns FROM target_results WHERE unit = ? ORDER BY threshold`, string(u))
	if err != nil {
		return nil, fmt.Errorf("target stats: %w", err)
	}
	defer rows.Close()

	var (
		out     []TargetStat
		seconds []float64
	)
	flush := func() {
		if len(seconds) == 0 {
			return
		}
		st := &out[len(out)-1]
		st.Count = len(seconds)
		st.Best = secondsToDuration(floats.Min(seconds))
		mean, std := stat.MeanStdDev(seconds, nil)
		st.Mean = secondsToDuration(mean)
		if len(seconds) > 1 {
			st.StdDev = secondsToDuration(std)
		}
		seconds = seconds[:0]
	}
	for rows.Next() {
		var (
			threshold float64
			elapsed   int64
		)
		if err := rows.Scan(&threshold, &elapsed); err != nil {
			return nil, fmt.Errorf("scan target stat: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].Threshold != threshold {
			flush()
			out = append(out, TargetStat{Threshold: threshold, Unit: u})
		}
		seconds = append(seconds, time.Duration(elapsed).Seconds())
	}
	flush()
	return out, rows.Err()
}

func secondsToDuration(s float64) time.Duration {
	if math.IsNaN(s) {
		return 0
	}
	return time.Duration(math.Round(s * float64(time.Second)))
}
