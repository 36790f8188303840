// Package postgres provides the Postgres-backed run store and its migrations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/firescrape/internal/scrape"
)

// tableName matches the table created by the embedded migrations.
const tableName = "scrape_runs"

const runColumns = `id, owner_id, url, formats, options, status, created_at,
	started_at, completed_at, duration_ms, result, error_message, error_code`

// Duration is measured from the stored start time so it always equals
// completed_at - started_at. SET expressions see the pre-update row.
const (
	durationSet        = `duration_ms = FLOOR(EXTRACT(EPOCH FROM ($5::timestamptz - COALESCE(started_at, $4::timestamptz))) * 1000)::bigint`
	durationSetFailure = `duration_ms = FLOOR(EXTRACT(EPOCH FROM ($6::timestamptz - COALESCE(started_at, $5::timestamptz))) * 1000)::bigint`
)

// Config controls the Postgres connection pool used for runs.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// RunStore persists runs in Postgres. Every transition is one conditional
// UPDATE so concurrent claims resolve inside the database.
type RunStore struct {
	pool  pool
	table string
	ids   scrape.IDGenerator
	clock scrape.Clock
}

// NewRunStore connects a pgx pool using cfg.
func NewRunStore(ctx context.Context, cfg Config, ids scrape.IDGenerator, clock scrape.Clock) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRunStoreWithPool(p, ids, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, ids scrape.IDGenerator, clock scrape.Clock) (*RunStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	return &RunStore{pool: p, table: tableName, ids: ids, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// CreateRun inserts a new PENDING run.
func (s *RunStore) CreateRun(ctx context.Context, ownerID string, params scrape.Params) (scrape.Run, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return scrape.Run{}, fmt.Errorf("new run id: %w", err)
	}
	optionsJSON, err := json.Marshal(params.Options)
	if err != nil {
		return scrape.Run{}, fmt.Errorf("marshal options: %w", err)
	}
	run := scrape.Run{
		ID:        id,
		OwnerID:   ownerID,
		URL:       params.URL,
		Formats:   append([]scrape.Format(nil), params.Formats...),
		Options:   params.Options,
		Status:    scrape.RunStatusPending,
		CreatedAt: s.clock.Now(),
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, owner_id, url, formats, options, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table)
	_, err = s.pool.Exec(ctx, query,
		run.ID,
		run.OwnerID,
		run.URL,
		formatStrings(run.Formats),
		optionsJSON,
		string(run.Status),
		run.CreatedAt,
	)
	if err != nil {
		return scrape.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// TransitionToProcessing claims a PENDING run with a single conditional update.
func (s *RunStore) TransitionToProcessing(ctx context.Context, runID string, startedAt time.Time) (scrape.Run, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, started_at = $3
WHERE id = $1 AND status = $4
RETURNING %s`, s.table, runColumns)
	row := s.pool.QueryRow(ctx, query,
		runID,
		string(scrape.RunStatusProcessing),
		startedAt,
		string(scrape.RunStatusPending),
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Run{}, s.explainNoRows(ctx, runID, scrape.RunStatusProcessing)
	}
	if err != nil {
		return scrape.Run{}, fmt.Errorf("claim run %s: %w", runID, err)
	}
	return run, nil
}

// RecordSuccess moves a PROCESSING run to COMPLETE.
func (s *RunStore) RecordSuccess(
	ctx context.Context,
	runID string,
	result scrape.Result,
	startedAt time.Time,
) (scrape.Run, error) {
	resultJSON, err := json.Marshal(stripNUL(result))
	if err != nil {
		return scrape.Run{}, fmt.Errorf("marshal result: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, result = $3,
	started_at = COALESCE(started_at, $4), completed_at = $5, %s
WHERE id = $1 AND status = $6
RETURNING %s`, s.table, durationSet, runColumns)
	row := s.pool.QueryRow(ctx, query,
		runID,
		string(scrape.RunStatusComplete),
		resultJSON,
		startedAt,
		s.clock.Now(),
		string(scrape.RunStatusProcessing),
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Run{}, s.explainNoRows(ctx, runID, scrape.RunStatusComplete)
	}
	if err != nil {
		return scrape.Run{}, fmt.Errorf("record success %s: %w", runID, err)
	}
	return run, nil
}

// RecordFailure moves a PROCESSING run to FAILED.
func (s *RunStore) RecordFailure(
	ctx context.Context,
	runID, message, code string,
	startedAt time.Time,
) (scrape.Run, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, error_message = $3, error_code = $4,
	started_at = COALESCE(started_at, $5), completed_at = $6, %s
WHERE id = $1 AND status = $7
RETURNING %s`, s.table, durationSetFailure, runColumns)
	row := s.pool.QueryRow(ctx, query,
		runID,
		string(scrape.RunStatusFailed),
		strings.ReplaceAll(message, "\x00", ""),
		code,
		startedAt,
		s.clock.Now(),
		string(scrape.RunStatusProcessing),
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Run{}, s.explainNoRows(ctx, runID, scrape.RunStatusFailed)
	}
	if err != nil {
		return scrape.Run{}, fmt.Errorf("record failure %s: %w", runID, err)
	}
	return run, nil
}

// explainNoRows tells a missing run apart from one in the wrong state.
func (s *RunStore) explainNoRows(ctx context.Context, runID string, to scrape.RunStatus) error {
	var status string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read run status %s: %w", runID, err)
	}
	return &scrape.TransitionError{RunID: runID, From: scrape.RunStatus(status), To: to}
}

// GetRun fetches a run owned by ownerID.
func (s *RunStore) GetRun(ctx context.Context, ownerID, runID string) (scrape.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND owner_id = $2`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Run{}, scrape.ErrNotFound
	}
	if err != nil {
		return scrape.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns the owner's runs matching filter.
func (s *RunStore) ListRuns(ctx context.Context, ownerID string, filter scrape.ListFilter) ([]scrape.Run, error) {
	query, args := buildListQuery(s.table, ownerID, filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]scrape.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func buildListQuery(table, ownerID string, filter scrape.ListFilter) (string, []any) {
	var b strings.Builder
	args := []any{ownerID}
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE owner_id = $1", runColumns, table)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		fmt.Fprintf(&b, " AND status = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		fmt.Fprintf(&b, " AND created_at >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		fmt.Fprintf(&b, " AND created_at <= $%d", len(args))
	}
	if filter.Sort == scrape.SortOldest {
		b.WriteString(" ORDER BY created_at ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY created_at DESC, id DESC")
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (scrape.Run, error) {
	var (
		run         scrape.Run
		formats     []string
		optionsJSON []byte
		status      string
		resultJSON  []byte
		errMessage  *string
		errCode     *string
	)
	err := row.Scan(
		&run.ID,
		&run.OwnerID,
		&run.URL,
		&formats,
		&optionsJSON,
		&status,
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
		&run.DurationMs,
		&resultJSON,
		&errMessage,
		&errCode,
	)
	if err != nil {
		return scrape.Run{}, err
	}
	run.Status = scrape.RunStatus(status)
	run.Formats = make([]scrape.Format, 0, len(formats))
	for _, f := range formats {
		run.Formats = append(run.Formats, scrape.Format(f))
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &run.Options); err != nil {
			return scrape.Run{}, fmt.Errorf("decode options: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		var result scrape.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return scrape.Run{}, fmt.Errorf("decode result: %w", err)
		}
		run.Result = &result
	}
	if errMessage != nil || errCode != nil {
		run.Error = &scrape.RunError{Message: deref(errMessage), Code: deref(errCode)}
	}
	return run, nil
}

// stripNUL removes NUL characters, which jsonb cannot store.
func stripNUL(result scrape.Result) scrape.Result {
	clean := func(v string) string { return strings.ReplaceAll(v, "\x00", "") }
	result.Markdown = clean(result.Markdown)
	result.HTML = clean(result.HTML)
	result.RawHTML = clean(result.RawHTML)
	result.Screenshot = clean(result.Screenshot)
	if len(result.Links) > 0 {
		links := make([]string, len(result.Links))
		for i, l := range result.Links {
			links[i] = clean(l)
		}
		result.Links = links
	}
	if len(result.Metadata) > 0 {
		result.Metadata, _ = stripNULValue(result.Metadata).(map[string]any)
	}
	return result
}

func stripNULValue(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, "\x00", "")
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.ReplaceAll(k, "\x00", "")] = stripNULValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripNULValue(val)
		}
		return out
	default:
		return v
	}
}

func formatStrings(formats []scrape.Format) []string {
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = string(f)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
