// Package postgres is the durable Store adapter: PostgreSQL via pgx/sqlx,
// with the unique constraint on (workflow_id, run_id, seq) serving as the
// CAS primitive spec.md §6 requires. Migrations are embedded and run with
// goose at worker startup.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/adx-core/woc/internal/common/backoff"
	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/eventlog"
)

//go:embed migrations/*.sql
var migrations embed.FS

const pgUniqueViolation = "23505"

// Store is the postgres-backed eventlog.Store.
type Store struct {
	db *sqlx.DB
}

var _ eventlog.Store = (*Store)(nil)

// openRetryPolicy bounds how long Open retries a database that isn't
// accepting connections yet (container startup ordering, failover), rather
// than failing a worker's boot on the first transient dial error.
var openRetryPolicy = backoff.RetryPolicy{
	InitialInterval:    200 * time.Millisecond,
	BackoffCoefficient: 2.0,
	MaximumInterval:    5 * time.Second,
	ExpirationInterval: 30 * time.Second,
	JitterFraction:     0.2,
}

// Open connects to dsn using pgx's database/sql shim (so sqlx and goose can
// both drive the same *sql.DB) and applies pending migrations, retrying the
// initial ping with backoff.Retry since a freshly started postgres may not
// yet be accepting connections.
func Open(dsn string) (*Store, error) {
	sqlDB := stdlib.OpenDB(*mustParseConfig(dsn))
	db := sqlx.NewDb(sqlDB, "pgx")

	err := backoff.Retry(context.Background(), func() error {
		return db.Ping()
	}, openRetryPolicy, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func mustParseConfig(dsn string) *pgconnConfig {
	cfg, err := pgconnParseConfig(dsn)
	if err != nil {
		panic(fmt.Sprintf("invalid postgres dsn: %v", err))
	}
	return cfg
}

// pgconnConfig/pgconnParseConfig indirect pgconn.ParseConfig so this file
// reads the same way regardless of pgx point release field layout.
type pgconnConfig = pgconn.Config

func pgconnParseConfig(dsn string) (*pgconnConfig, error) {
	return pgconn.ParseConfig(dsn)
}

func (s *Store) Append(ctx context.Context, workflowID, runID string, expectedNextSeq int64, events []core.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.NewStorageUnavailableError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var tail sql.NullInt64
	err = tx.GetContext(ctx, &tail,
		`SELECT max(seq) FROM woc_events WHERE workflow_id=$1 AND run_id=$2`, workflowID, runID)
	if err != nil {
		return core.NewStorageUnavailableError(err)
	}
	actualNextSeq := tail.Int64 + 1

	var lastKind sql.NullString
	_ = tx.GetContext(ctx, &lastKind,
		`SELECT kind FROM woc_events WHERE workflow_id=$1 AND run_id=$2 ORDER BY seq DESC LIMIT 1`, workflowID, runID)
	if lastKind.Valid && core.EventKind(lastKind.String).IsClose() {
		return &core.ExecutionClosedError{WorkflowID: workflowID, RunID: runID}
	}

	if expectedNextSeq != actualNextSeq {
		return &core.ConcurrentAppendError{
			WorkflowID: workflowID, RunID: runID,
			ExpectedNextSeq: expectedNextSeq, ActualNextSeq: actualNextSeq,
		}
	}

	for i := range events {
		events[i].Seq = actualNextSeq + int64(i)
		payload, err := json.Marshal(events[i].Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO woc_events (workflow_id, run_id, seq, kind, occurred_at, payload)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			workflowID, runID, events[i].Seq, string(events[i].Kind), events[i].Timestamp, payload)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				// Another writer won the race for this seq between our
				// tail read and our insert: report ConcurrentAppend so the
				// caller discards this turn and lets the winner proceed.
				return &core.ConcurrentAppendError{
					WorkflowID: workflowID, RunID: runID,
					ExpectedNextSeq: expectedNextSeq, ActualNextSeq: events[i].Seq,
				}
			}
			return core.NewStorageUnavailableError(err)
		}
		if events[i].Kind.IsClose() {
			_, err = tx.ExecContext(ctx,
				`UPDATE woc_executions SET status=$3, updated_at=now()
				 WHERE workflow_id=$1 AND current_run_id=$2`,
				workflowID, runID, closeStatus(events[i].Kind))
			if err != nil {
				return core.NewStorageUnavailableError(err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return core.NewStorageUnavailableError(err)
	}
	return nil
}

func closeStatus(kind core.EventKind) core.Status {
	switch kind {
	case core.EventWorkflowCompleted:
		return core.StatusCompleted
	case core.EventWorkflowFailed:
		return core.StatusFailed
	case core.EventWorkflowCancelled:
		return core.StatusCancelled
	case core.EventWorkflowTimedOut:
		return core.StatusTimedOut
	case core.EventWorkflowContinuedAsNew:
		return core.StatusContinuedAsNew
	default:
		return core.StatusRunning
	}
}

func (s *Store) ReadRange(ctx context.Context, workflowID, runID string, fromSeq, toSeq int64) (*core.History, error) {
	var archived bool
	_ = s.db.GetContext(ctx, &archived,
		`SELECT EXISTS(SELECT 1 FROM woc_events_archive WHERE workflow_id=$1 AND run_id=$2)`, workflowID, runID)
	if archived {
		return nil, &core.ArchivedError{WorkflowID: workflowID, RunID: runID}
	}

	if fromSeq < 1 {
		fromSeq = 1
	}
	query := `SELECT seq, kind, occurred_at, payload FROM woc_events
	          WHERE workflow_id=$1 AND run_id=$2 AND seq >= $3`
	args := []interface{}{workflowID, runID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= $4`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewStorageUnavailableError(err)
	}
	defer rows.Close()

	out := &core.History{WorkflowID: workflowID, RunID: runID}
	for rows.Next() {
		var (
			seq       int64
			kind      string
			occurred  sql.NullTime
			rawPayload []byte
		)
		if err := rows.Scan(&seq, &kind, &occurred, &rawPayload); err != nil {
			return nil, core.NewStorageUnavailableError(err)
		}
		var payload core.EventPayload
		if err := json.Unmarshal(rawPayload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		out.Events = append(out.Events, core.Event{
			Seq: seq, Kind: core.EventKind(kind), Timestamp: occurred.Time, Payload: payload,
		})
	}
	return out, rows.Err()
}

func (s *Store) Tail(ctx context.Context, workflowID, runID string) (int64, error) {
	var tail sql.NullInt64
	err := s.db.GetContext(ctx, &tail,
		`SELECT max(seq) FROM woc_events WHERE workflow_id=$1 AND run_id=$2`, workflowID, runID)
	if err != nil {
		return 0, core.NewStorageUnavailableError(err)
	}
	return tail.Int64, nil
}

func (s *Store) ClaimRun(ctx context.Context, workflowID, runID string, policy core.IDReusePolicy) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.NewStorageUnavailableError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing struct {
		CurrentRunID string `db:"current_run_id"`
		Status       int32  `db:"status"`
	}
	err = tx.GetContext(ctx, &existing,
		`SELECT current_run_id, status FROM woc_executions WHERE workflow_id=$1 FOR UPDATE`, workflowID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return core.NewStorageUnavailableError(err)
	}
	if err == nil && policy == core.IDReusePolicyReject && !core.Status(existing.Status).IsTerminal() {
		return &core.ExecutionAlreadyExistsError{WorkflowID: workflowID, RunID: existing.CurrentRunID}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO woc_executions (workflow_id, current_run_id, status)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (workflow_id) DO UPDATE SET current_run_id=$2, status=$3, updated_at=now()`,
		workflowID, runID, core.StatusRunning)
	if err != nil {
		return core.NewStorageUnavailableError(err)
	}
	if err := tx.Commit(); err != nil {
		return core.NewStorageUnavailableError(err)
	}
	return nil
}

func (s *Store) LatestRun(ctx context.Context, workflowID string) (string, core.Status, bool, error) {
	var row struct {
		CurrentRunID string `db:"current_run_id"`
		Status       int32  `db:"status"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT current_run_id, status FROM woc_executions WHERE workflow_id=$1`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.StatusUnspecified, false, nil
	}
	if err != nil {
		return "", core.StatusUnspecified, false, core.NewStorageUnavailableError(err)
	}
	return row.CurrentRunID, core.Status(row.Status), true, nil
}

func (s *Store) SetStatus(ctx context.Context, workflowID, runID string, status core.Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE woc_executions SET status=$3, updated_at=now() WHERE workflow_id=$1 AND current_run_id=$2`,
		workflowID, runID, status)
	if err != nil {
		return core.NewStorageUnavailableError(err)
	}
	return nil
}

func (s *Store) Archive(ctx context.Context, workflowID, runID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.NewStorageUnavailableError(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO woc_events_archive SELECT * FROM woc_events WHERE workflow_id=$1 AND run_id=$2`,
		workflowID, runID)
	if err != nil {
		return core.NewStorageUnavailableError(err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM woc_events WHERE workflow_id=$1 AND run_id=$2`, workflowID, runID)
	if err != nil {
		return core.NewStorageUnavailableError(err)
	}
	if err := tx.Commit(); err != nil {
		return core.NewStorageUnavailableError(err)
	}
	return nil
}
