package resultbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/taskqueue/taskqueue/internal/taskmsg"
)

// PostgresConfig configures the Postgres-backed result backend. The
// full configuration surface matches what a deployment needs to tune
// independent of code changes.
type PostgresConfig struct {
	ConnectionString    string
	TableName           string
	Schema              string
	DefaultExpiry       time.Duration
	PollingInterval     time.Duration
	UseNotify           bool
	NotifyChannelPrefix string
	AutoCreateTables    bool
	CleanupInterval     time.Duration
	CleanupBatchSize    int
	CommandTimeout      time.Duration
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.TableName == "" {
		c.TableName = "task_results"
	}
	if c.DefaultExpiry <= 0 {
		c.DefaultExpiry = DefaultExpiry
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = 500 * time.Millisecond
	}
	if c.CleanupBatchSize <= 0 {
		c.CleanupBatchSize = 500
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	return c
}

// NewPgxConnConfig parses connString and forces
// QueryExecModeDescribeExec: the cache-statement default invalidates
// its prepared plans whenever a migration alters the schema under a
// long-lived pool, surfacing as "cached plan must not change result
// type" errors.
func NewPgxConnConfig(connString string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("resultbackend: parse connection string: %w", err)
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec
	return cfg, nil
}

// OpenPostgresDB builds a *sqlx.DB over the pgx stdlib driver using
// NewPgxConnConfig's safe execution mode.
func OpenPostgresDB(connString string) (*sqlx.DB, error) {
	connConfig, err := NewPgxConnConfig(connString)
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDB(*connConfig)
	return sqlx.NewDb(db, "pgx"), nil
}

// PostgresBackend is the durable, SQL-native result backend: table
// bootstrap, transactional store+NOTIFY, a dedicated LISTEN connection
// per waiter, polling fallback, and an expiry cleanup loop.
type PostgresBackend struct {
	db  *sqlx.DB
	cfg PostgresConfig
	log zerolog.Logger

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	waiters map[string][]chan *taskmsg.TaskResult
}

// NewPostgresBackend builds a Backend over db. Table bootstrap is
// deferred to the first operation (guarded by initOnce), matching the
// "idempotent, init-mutex-guarded" contract.
func NewPostgresBackend(db *sqlx.DB, cfg PostgresConfig, log zerolog.Logger) *PostgresBackend {
	return &PostgresBackend{
		db:      db,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "resultbackend.postgres").Logger(),
		waiters: make(map[string][]chan *taskmsg.TaskResult),
	}
}

func (b *PostgresBackend) qualifiedTable() string {
	if b.cfg.Schema != "" {
		return b.cfg.Schema + "." + b.cfg.TableName
	}
	return b.cfg.TableName
}

func (b *PostgresBackend) ensureTable(ctx context.Context) error {
	if !b.cfg.AutoCreateTables {
		return nil
	}
	b.initOnce.Do(func() {
		table := b.qualifiedTable()
		_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	result_bytes BYTEA,
	content_type TEXT,
	exception JSONB,
	completed_at TIMESTAMPTZ,
	duration_ns BIGINT,
	retries INT NOT NULL DEFAULT 0,
	worker TEXT,
	metadata JSONB,
	retry_after_ns BIGINT,
	do_not_increment_retry BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at TIMESTAMPTZ
)`, table))
		if err != nil {
			b.initErr = fmt.Errorf("resultbackend: create table: %w", err)
			return
		}
		_, b.initErr = b.db.ExecContext(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s (expires_at) WHERE expires_at IS NOT NULL`,
			b.cfg.TableName, table))
	})
	return b.initErr
}

type resultRow struct {
	TaskID              string          `db:"task_id"`
	State               string          `db:"state"`
	ResultBytes         []byte          `db:"result_bytes"`
	ContentType         sql.NullString  `db:"content_type"`
	Exception           sql.NullString  `db:"exception"`
	CompletedAt         sql.NullTime    `db:"completed_at"`
	DurationNs          sql.NullInt64   `db:"duration_ns"`
	Retries             int             `db:"retries"`
	Worker              sql.NullString  `db:"worker"`
	Metadata            sql.NullString  `db:"metadata"`
	RetryAfterNs        sql.NullInt64   `db:"retry_after_ns"`
	DoNotIncrementRetry bool            `db:"do_not_increment_retry"`
}

func toRow(r *taskmsg.TaskResult, expiresAt *time.Time) (*resultRow, error) {
	row := &resultRow{
		TaskID:              r.TaskID,
		State:                string(r.State),
		ResultBytes:         r.ResultBytes,
		ContentType:         sql.NullString{String: r.ContentType, Valid: r.ContentType != ""},
		Retries:             r.Retries,
		Worker:              sql.NullString{String: r.Worker, Valid: r.Worker != ""},
		DoNotIncrementRetry: r.DoNotIncrementRetry,
	}
	if r.Exception != nil {
		data, err := json.Marshal(r.Exception)
		if err != nil {
			return nil, err
		}
		row.Exception = sql.NullString{String: string(data), Valid: true}
	}
	if r.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *r.CompletedAt, Valid: true}
	}
	if r.Duration > 0 {
		row.DurationNs = sql.NullInt64{Int64: int64(r.Duration), Valid: true}
	}
	if r.RetryAfter != nil {
		row.RetryAfterNs = sql.NullInt64{Int64: int64(*r.RetryAfter), Valid: true}
	}
	if len(r.Metadata) > 0 {
		data, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, err
		}
		row.Metadata = sql.NullString{String: string(data), Valid: true}
	}
	_ = expiresAt
	return row, nil
}

func (row *resultRow) toResult() *taskmsg.TaskResult {
	r := &taskmsg.TaskResult{
		TaskID:              row.TaskID,
		State:                taskmsg.State(row.State),
		ResultBytes:         row.ResultBytes,
		ContentType:         row.ContentType.String,
		Retries:             row.Retries,
		Worker:              row.Worker.String,
		DoNotIncrementRetry: row.DoNotIncrementRetry,
	}
	if row.Exception.Valid {
		var exc taskmsg.ExceptionInfo
		if err := json.Unmarshal([]byte(row.Exception.String), &exc); err == nil {
			r.Exception = &exc
		}
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		r.CompletedAt = &t
	}
	if row.DurationNs.Valid {
		r.Duration = time.Duration(row.DurationNs.Int64)
	}
	if row.RetryAfterNs.Valid {
		d := time.Duration(row.RetryAfterNs.Int64)
		r.RetryAfter = &d
	}
	if row.Metadata.Valid {
		meta := make(map[string]string)
		if err := json.Unmarshal([]byte(row.Metadata.String), &meta); err == nil {
			r.Metadata = meta
		}
	}
	return r
}

// StoreResult upserts result in a transaction and, within that same
// transaction, publishes a notification via the parameterised
// pg_notify() server function so no untrusted byte reaches the
// command text.
func (b *PostgresBackend) StoreResult(ctx context.Context, result *taskmsg.TaskResult) error {
	if err := b.ensureTable(ctx); err != nil {
		return err
	}
	expiresAt := time.Now().UTC().Add(b.cfg.DefaultExpiry)
	row, err := toRow(result, &expiresAt)
	if err != nil {
		return fmt.Errorf("resultbackend: encode result: %w", err)
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resultbackend: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (task_id, state, result_bytes, content_type, exception, completed_at,
	duration_ns, retries, worker, metadata, retry_after_ns, do_not_increment_retry, expires_at)
VALUES (:task_id, :state, :result_bytes, :content_type, :exception, :completed_at,
	:duration_ns, :retries, :worker, :metadata, :retry_after_ns, :do_not_increment_retry, :expires_at)
ON CONFLICT (task_id) DO UPDATE SET
	state = EXCLUDED.state,
	result_bytes = EXCLUDED.result_bytes,
	content_type = EXCLUDED.content_type,
	exception = EXCLUDED.exception,
	completed_at = EXCLUDED.completed_at,
	duration_ns = EXCLUDED.duration_ns,
	retries = EXCLUDED.retries,
	worker = EXCLUDED.worker,
	metadata = EXCLUDED.metadata,
	retry_after_ns = EXCLUDED.retry_after_ns,
	do_not_increment_retry = EXCLUDED.do_not_increment_retry,
	expires_at = EXCLUDED.expires_at
`, b.qualifiedTable()), map[string]any{
		"task_id":                 row.TaskID,
		"state":                   row.State,
		"result_bytes":            row.ResultBytes,
		"content_type":            row.ContentType,
		"exception":               row.Exception,
		"completed_at":            row.CompletedAt,
		"duration_ns":             row.DurationNs,
		"retries":                 row.Retries,
		"worker":                  row.Worker,
		"metadata":                row.Metadata,
		"retry_after_ns":          row.RetryAfterNs,
		"do_not_increment_retry":  row.DoNotIncrementRetry,
		"expires_at":              expiresAt,
	})
	if err != nil {
		return fmt.Errorf("resultbackend: upsert: %w", err)
	}

	if b.cfg.UseNotify {
		channel, err := sanitizeChannelName(result.TaskID)
		if err != nil {
			b.log.Warn().Err(err).Str("task_id", result.TaskID).Msg("skipping notify, unsanitizable channel name")
		} else {
			payload, _ := result.ToJSON()
			channel = b.cfg.NotifyChannelPrefix + channel
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
				return fmt.Errorf("resultbackend: notify: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("resultbackend: commit: %w", err)
	}
	b.deliverToLocalWaiters(result)
	return nil
}

func (b *PostgresBackend) deliverToLocalWaiters(result *taskmsg.TaskResult) {
	b.mu.Lock()
	waiters := b.waiters[result.TaskID]
	delete(b.waiters, result.TaskID)
	b.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- result:
		default:
		}
	}
}

// GetResult returns the stored result, or ErrNotFound.
func (b *PostgresBackend) GetResult(ctx context.Context, taskID string) (*taskmsg.TaskResult, error) {
	if err := b.ensureTable(ctx); err != nil {
		return nil, err
	}
	var row resultRow
	err := b.db.GetContext(ctx, &row, fmt.Sprintf(
		`SELECT task_id, state, result_bytes, content_type, exception, completed_at,
			duration_ns, retries, worker, metadata, retry_after_ns, do_not_increment_retry
		 FROM %s WHERE task_id = $1`, b.qualifiedTable()), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resultbackend: get: %w", err)
	}
	return row.toResult(), nil
}

// UpdateState changes only the state column.
func (b *PostgresBackend) UpdateState(ctx context.Context, taskID string, state taskmsg.State) error {
	if err := b.ensureTable(ctx); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET state = $1 WHERE task_id = $2`, b.qualifiedTable()), string(state), taskID)
	if err != nil {
		return fmt.Errorf("resultbackend: update state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resultbackend: update state rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetState returns only the current state, or ErrNotFound.
func (b *PostgresBackend) GetState(ctx context.Context, taskID string) (taskmsg.State, error) {
	if err := b.ensureTable(ctx); err != nil {
		return "", err
	}
	var state string
	err := b.db.GetContext(ctx, &state, fmt.Sprintf(
		`SELECT state FROM %s WHERE task_id = $1`, b.qualifiedTable()), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resultbackend: get state: %w", err)
	}
	return taskmsg.State(state), nil
}

func (b *PostgresBackend) registerWaiter(taskID string) chan *taskmsg.TaskResult {
	ch := make(chan *taskmsg.TaskResult, 1)
	b.mu.Lock()
	b.waiters[taskID] = append(b.waiters[taskID], ch)
	b.mu.Unlock()
	return ch
}

func (b *PostgresBackend) unregisterWaiter(taskID string, target chan *taskmsg.TaskResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.waiters[taskID]
	for i, ch := range list {
		if ch == target {
			b.waiters[taskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.waiters[taskID]) == 0 {
		delete(b.waiters, taskID)
	}
}

// WaitForResult races a local short-circuit, a push notification on a
// dedicated LISTEN connection, and a polling fallback.
func (b *PostgresBackend) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*taskmsg.TaskResult, error) {
	if result, err := b.GetResult(ctx, taskID); err == nil {
		return result, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	waiter := b.registerWaiter(taskID)
	defer b.unregisterWaiter(taskID, waiter)

	if result, err := b.GetResult(ctx, taskID); err == nil {
		return result, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if b.cfg.UseNotify {
		go b.listen(waitCtx, taskID, waiter)
	}
	go b.poll(waitCtx, taskID, waiter)

	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case result := <-waiter:
		return result, nil
	case <-ctx.Done():
		return nil, ErrOperationCanceled
	case <-timerCh:
		return nil, ErrTimeout
	}
}

// listen acquires a dedicated connection for the lifetime of ctx,
// issues LISTEN on taskID's channel, and blocks on the underlying pgx
// connection's notification stream — not shared across waiters,
// since LISTEN is tied to this one connection's lifetime.
func (b *PostgresBackend) listen(ctx context.Context, taskID string, waiter chan *taskmsg.TaskResult) {
	channel, err := sanitizeChannelName(taskID)
	if err != nil {
		return
	}
	channel = b.cfg.NotifyChannelPrefix + channel

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		b.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to LISTEN for result notification")
		return
	}

	for {
		var notification *pgconnNotification
		err := conn.Raw(func(driverConn any) error {
			stdlibConn, ok := driverConn.(*stdlib.Conn)
			if !ok {
				return fmt.Errorf("resultbackend: unexpected driver connection type %T", driverConn)
			}
			notice, err := stdlibConn.Conn().WaitForNotification(ctx)
			if err != nil {
				return err
			}
			notification = &pgconnNotification{Channel: notice.Channel, Payload: notice.Payload}
			return nil
		})
		if err != nil {
			return
		}
		if notification == nil {
			continue
		}
		result, err := taskmsg.FromResultJSON([]byte(notification.Payload))
		if err != nil {
			b.log.Warn().Err(err).Str("task_id", taskID).Msg("dropping unparsable result notification")
			continue
		}
		if result.TaskID != taskID {
			continue
		}
		select {
		case waiter <- result:
		default:
		}
		return
	}
}

type pgconnNotification struct {
	Channel string
	Payload string
}

func (b *PostgresBackend) poll(ctx context.Context, taskID string, waiter chan *taskmsg.TaskResult) {
	ticker := time.NewTicker(b.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := b.GetResult(ctx, taskID)
			if err != nil {
				continue
			}
			select {
			case waiter <- result:
			default:
			}
			return
		}
	}
}

// CleanupExpired deletes up to cfg.CleanupBatchSize rows whose
// expires_at is past, returning the count removed.
func (b *PostgresBackend) CleanupExpired(ctx context.Context) (int, error) {
	if err := b.ensureTable(ctx); err != nil {
		return 0, err
	}
	res, err := b.db.ExecContext(ctx, fmt.Sprintf(`
WITH due AS (
	SELECT task_id FROM %s WHERE expires_at IS NOT NULL AND expires_at < now() LIMIT $1
)
DELETE FROM %s WHERE task_id IN (SELECT task_id FROM due)
`, b.qualifiedTable(), b.qualifiedTable()), b.cfg.CleanupBatchSize)
	if err != nil {
		return 0, fmt.Errorf("resultbackend: cleanup: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// RunCleanupLoop runs CleanupExpired every cfg.CleanupInterval until
// ctx is canceled, logging and continuing on error.
func (b *PostgresBackend) RunCleanupLoop(ctx context.Context) {
	if b.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := b.CleanupExpired(ctx)
			if err != nil {
				b.log.Error().Err(err).Msg("result cleanup pass failed")
				continue
			}
			if removed > 0 {
				b.log.Debug().Int("removed", removed).Msg("cleaned up expired results")
			}
		}
	}
}
