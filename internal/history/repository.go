// Package history persists the outcome of every supervised task and every
// discovered registry configuration to SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/registry-supervisor/internal/process"
	"github.com/nerrad567/registry-supervisor/internal/registry"
)

// ErrNoConfig is returned by LatestConfig before any discovery was recorded.
var ErrNoConfig = errors.New("history: no registry config recorded")

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Run is a stored task report.
type Run struct {
	ID          string          `json:"id"`
	Label       string          `json:"label,omitempty"`
	Outcome     process.Outcome `json:"outcome"`
	Error       string          `json:"error,omitempty"`
	Bytes       int64           `json:"bytes"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	FinishedAt  time.Time       `json:"finished_at"`
	Wait        time.Duration   `json:"wait"`
	Duration    time.Duration   `json:"duration"`
}

// Filter controls which runs List returns.
type Filter struct {
	Outcome process.Outcome // optional
	Label   string          // optional, prefix match ("versions:" matches every version query)
	Limit   int             // default 50, max 500
	Offset  int
}

// ListResult is a page of runs, most recent first.
type ListResult struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// StoredConfig is a discovered registry configuration with its timestamp.
type StoredConfig struct {
	registry.Config
	ID           string    `json:"id"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Repository defines the history operations used by the daemon and CLI.
type Repository interface {
	RecordTask(ctx context.Context, report process.TaskReport) error
	RecordConfig(ctx context.Context, cfg registry.Config) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	LatestConfig(ctx context.Context) (*StoredConfig, error)
}

// SQLiteRepository stores history in the task_runs and registry_configs tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a history repository on an open database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordTask inserts a resolved task. Reports without an ID get a fresh one.
func (r *SQLiteRepository) RecordTask(ctx context.Context, report process.TaskReport) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}

	var startedAt any
	if !report.StartedAt.IsZero() {
		startedAt = formatTime(report.StartedAt)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO task_runs (id, label, outcome, error, bytes, submitted_at, started_at, finished_at, wait_ms, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.Label, string(report.Outcome), nullableString(report.Error), report.Bytes,
		formatTime(report.SubmittedAt), startedAt, formatTime(report.FinishedAt),
		report.Wait.Milliseconds(), report.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting task run %s: %w", report.ID, err)
	}
	return nil
}

// RecordConfig stores a discovered configuration.
func (r *SQLiteRepository) RecordConfig(ctx context.Context, cfg registry.Config) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO registry_configs (id, config_file, http_address, htpasswd_file, username, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), cfg.ConfigFile, cfg.HTTPAddress, cfg.HtpasswdFile, cfg.Username,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting registry config: %w", err)
	}
	return nil
}

// LatestConfig returns the most recently discovered configuration.
func (r *SQLiteRepository) LatestConfig(ctx context.Context) (*StoredConfig, error) {
	var sc StoredConfig
	var discoveredAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, config_file, http_address, htpasswd_file, username, discovered_at
		 FROM registry_configs ORDER BY discovered_at DESC, rowid DESC LIMIT 1`,
	).Scan(&sc.ID, &sc.ConfigFile, &sc.HTTPAddress, &sc.HtpasswdFile, &sc.Username, &discoveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoConfig
	}
	if err != nil {
		return nil, fmt.Errorf("querying registry config: %w", err)
	}
	if sc.DiscoveredAt, err = parseTime(discoveredAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

// List returns runs matching the filter, most recently finished first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if filter.Label != "" {
		conditions = append(conditions, "substr(label, 1, ?) = ?")
		args = append(args, len(filter.Label), filter.Label)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM task_runs " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting task runs: %w", err)
	}

	query := `SELECT id, label, outcome, error, bytes, submitted_at, started_at, finished_at, wait_ms, duration_ms
		FROM task_runs ` + where + ` ORDER BY finished_at DESC, rowid DESC LIMIT ? OFFSET ?` //nolint:gosec // WHERE built from parameterised conditions
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying task runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task runs: %w", err)
	}

	return &ListResult{Runs: runs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func scanRun(rows *sql.Rows) (Run, error) {
	var run Run
	var outcome, submittedAt, finishedAt string
	var errText, startedAt sql.NullString
	var waitMS, durationMS int64

	if err := rows.Scan(&run.ID, &run.Label, &outcome, &errText, &run.Bytes,
		&submittedAt, &startedAt, &finishedAt, &waitMS, &durationMS); err != nil {
		return Run{}, fmt.Errorf("scanning task run: %w", err)
	}

	run.Outcome = process.Outcome(outcome)
	run.Error = errText.String
	run.Wait = time.Duration(waitMS) * time.Millisecond
	run.Duration = time.Duration(durationMS) * time.Millisecond

	var err error
	if run.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return Run{}, err
	}
	if run.FinishedAt, err = parseTime(finishedAt); err != nil {
		return Run{}, err
	}
	if startedAt.Valid {
		if run.StartedAt, err = parseTime(startedAt.String); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing history timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullableString maps "" to NULL for nullable TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
