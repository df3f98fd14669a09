// Package postgres implements the queue.Interface contract over a
// relational store using a skip-locked claim query and LISTEN/NOTIFY
// wake-up, auto-provisioning each queue's table on first use.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/jaymon-go/morp/pkg/codec"
	"github.com/jaymon-go/morp/pkg/connection"
	"github.com/jaymon-go/morp/pkg/morperr"
	"github.com/jaymon-go/morp/pkg/queue"
	"github.com/jaymon-go/morp/pkg/telemetry"
)

// status mirrors the NEW/PROCESSING/RELEASED enum every queue table's
// status column holds. NEW and RELEASED are both claimable; only
// PROCESSING is not.
type status string

const (
	statusNew        status = "NEW"
	statusProcessing status = "PROCESSING"
	statusReleased   status = "RELEASED"
)

// listener is the subset of pq.Listener this package uses.
type listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Engine implements queue.Interface over a relational store.
type Engine struct {
	cfg    *connection.Config
	logger telemetry.Logger

	openDB       func(driverName, dsn string) (*sql.DB, error)
	openListener func(dsn string, minReconnect, maxReconnect time.Duration, cb pq.EventCallbackType) listener

	mu       sync.Mutex
	conn     *sql.DB
	listener listener
	dsn      string
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine from a parsed connection and a raw libpq-compatible
// DSN string (host/port/user/pass/dbname/sslmode, whatever lib/pq accepts).
func New(cfg *connection.Config, rawDSN string, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: telemetry.Nop(),
		dsn:    rawDSN,
		openDB: sql.Open,
		openListener: func(dsn string, minR, maxR time.Duration, cb pq.EventCallbackType) listener {
			return pq.NewListener(dsn, minR, maxR, cb)
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return nil
	}
	conn, err := e.openDB("postgres", e.dsn)
	if err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "postgres.connect", err)
	}
	conn.SetMaxOpenConns(e.cfg.MaxSize)
	conn.SetMaxIdleConns(e.cfg.MinSize)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return morperr.Wrap(morperr.KindTransient, "postgres.connect", err)
	}
	e.conn = conn
	return nil
}

func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	if e.listener != nil {
		if err := e.listener.Close(); err != nil {
			firstErr = err
		}
		e.listener = nil
	}
	if e.conn != nil {
		if err := e.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.conn = nil
	}
	if firstErr != nil {
		return morperr.Wrap(morperr.KindTransient, "postgres.close", firstErr)
	}
	return nil
}

func (e *Engine) db() (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, morperr.Wrap(morperr.KindConfiguration, "postgres", fmt.Errorf("not connected"))
	}
	return e.conn, nil
}

// tableName derives the per-queue table name. Queue names come from the
// message model's env-prefix + class-name resolution, not from arbitrary
// user input, but the result is still validated before being formatted
// into SQL.
func tableName(queueName string) (string, error) {
	name := "morp_" + strings.ReplaceAll(strings.ToLower(queueName), "-", "_")
	if !tableNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid queue name %q", queueName)
	}
	return name, nil
}

func channelName(table string) string {
	return table + "_notify"
}

func (e *Engine) createTable(ctx context.Context, conn *sql.DB, table string) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	body BYTEA NOT NULL,
	status TEXT NOT NULL DEFAULT 'NEW',
	count INTEGER NOT NULL DEFAULT 1,
	valid_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[1]s_claim_idx ON %[1]s (valid_at, status, created_at);
`, table)
	_, err := conn.ExecContext(ctx, ddl)
	return err
}

func isMissingTable(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "42P01" // undefined_table
	}
	return strings.Contains(err.Error(), "does not exist")
}

func (e *Engine) Send(ctx context.Context, queueName string, fields queue.Fields, delaySeconds int) (string, error) {
	conn, err := e.db()
	if err != nil {
		return "", err
	}
	table, err := tableName(queueName)
	if err != nil {
		return "", morperr.Wrap(morperr.KindConfiguration, "postgres.send", err)
	}

	body, err := codec.Encode(toCodecFields(fields), e.cfg.Serializer, e.cfg.Key)
	if err != nil {
		return "", morperr.Wrap(morperr.KindDecode, "postgres.send", err)
	}

	id, err := e.insert(ctx, conn, table, body, delaySeconds)
	if err != nil && isMissingTable(err) {
		if createErr := e.createTable(ctx, conn, table); createErr != nil {
			return "", morperr.Wrap(morperr.KindTransient, "postgres.send", createErr)
		}
		id, err = e.insert(ctx, conn, table, body, delaySeconds)
	}
	if err != nil {
		return "", morperr.Wrap(morperr.KindTransient, "postgres.send", err)
	}

	if notifyErr := e.notify(ctx, conn, table); notifyErr != nil {
		e.logger.Warn("postgres: notify failed after send", map[string]any{"table": table, "error": notifyErr.Error()})
	}
	return id, nil
}

func (e *Engine) insert(ctx context.Context, conn *sql.DB, table string, body []byte, delaySeconds int) (string, error) {
	query := fmt.Sprintf(
		`INSERT INTO %s (body, status, count, valid_at) VALUES ($1, 'NEW', 1, now() + ($2 || ' seconds')::interval) RETURNING _id`,
		table)
	var id string
	err := conn.QueryRowContext(ctx, query, body, strconv.Itoa(delaySeconds)).Scan(&id)
	return id, err
}

func (e *Engine) notify(ctx context.Context, conn *sql.DB, table string) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf(`SELECT pg_notify('%s', '')`, channelName(table)))
	return err
}

// claim runs the skip-locked claim statement once and returns (fields,
// found, err).
func (e *Engine) claim(ctx context.Context, conn *sql.DB, table string) (queue.Fields, bool, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
UPDATE %[1]s SET status = 'PROCESSING', updated_at = now()
WHERE _id = (
	SELECT _id FROM %[1]s
	WHERE valid_at <= now() AND status <> 'PROCESSING'
	ORDER BY created_at ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING _id, body, count`, table)

	var id string
	var body []byte
	var count int
	err = tx.QueryRowContext(ctx, query).Scan(&id, &body, &count)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	fields, err := codec.Decode(body, e.cfg.Serializer, e.cfg.Key)
	if err != nil {
		return nil, false, morperr.Wrap(morperr.KindDecode, "postgres.claim", err)
	}
	out := fromCodecFields(fields)
	out[queue.MetaID] = id
	out[queue.MetaCount] = count
	out[queue.MetaRaw] = rawHandle{table: table, id: id}
	return out, true, nil
}

// rawHandle is the backend-private handle ack/release use to identify
// which table a claimed row lives in without re-deriving it from the
// queue name (which the caller might not even pass back consistently).
type rawHandle struct {
	table string
	id    string
}

func (e *Engine) Recv(ctx context.Context, queueName string, timeoutSeconds int) (queue.Fields, error) {
	conn, err := e.db()
	if err != nil {
		return nil, err
	}
	table, err := tableName(queueName)
	if err != nil {
		return nil, morperr.Wrap(morperr.KindConfiguration, "postgres.recv", err)
	}

	fields, found, err := e.claim(ctx, conn, table)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, morperr.Wrap(morperr.KindTransient, "postgres.recv", err)
	}
	if found {
		return fields, nil
	}
	if timeoutSeconds <= 0 {
		return nil, nil
	}

	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	l := e.openListener(e.dsn, time.Second, time.Minute, nil)
	channel := channelName(table)
	if err := l.Listen(channel); err != nil {
		l.Close()
		return nil, morperr.Wrap(morperr.KindTransient, "postgres.recv", err)
	}
	defer func() {
		_ = l.Unlisten(channel)
		_ = l.Close()
	}()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.NotificationChannel():
			fields, found, err := e.claim(ctx, conn, table)
			if err != nil {
				return nil, morperr.Wrap(morperr.KindTransient, "postgres.recv", err)
			}
			if found {
				return fields, nil
			}
		case <-time.After(remaining):
			return nil, nil
		}
	}
}

func (e *Engine) Ack(ctx context.Context, queueName string, fields queue.Fields) error {
	conn, err := e.db()
	if err != nil {
		return err
	}
	table, id, err := resolveRaw(queueName, fields)
	if err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "postgres.ack", err)
	}
	_, err = conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE _id = $1`, table), id)
	if err != nil {
		return morperr.Wrap(morperr.KindTransient, "postgres.ack", err)
	}
	return nil
}

func (e *Engine) Release(ctx context.Context, queueName string, fields queue.Fields, delaySeconds int) error {
	conn, err := e.db()
	if err != nil {
		return err
	}
	table, id, err := resolveRaw(queueName, fields)
	if err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "postgres.release", err)
	}
	if delaySeconds == 0 && fields.Count() > 0 {
		delaySeconds = queue.Backoff(e.cfg, fields.Count())
	}
	query := fmt.Sprintf(
		`UPDATE %s SET status = 'RELEASED', count = count + 1, valid_at = now() + ($2 || ' seconds')::interval, updated_at = now() WHERE _id = $1`,
		table)
	if _, err := conn.ExecContext(ctx, query, id, strconv.Itoa(delaySeconds)); err != nil {
		return morperr.Wrap(morperr.KindTransient, "postgres.release", err)
	}
	if notifyErr := e.notify(ctx, conn, table); notifyErr != nil {
		e.logger.Warn("postgres: notify failed after release", map[string]any{"table": table, "error": notifyErr.Error()})
	}
	return nil
}

func (e *Engine) Count(ctx context.Context, queueName string) (int, error) {
	conn, err := e.db()
	if err != nil {
		return 0, err
	}
	table, err := tableName(queueName)
	if err != nil {
		return 0, morperr.Wrap(morperr.KindConfiguration, "postgres.count", err)
	}
	var n int
	err = conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&n)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, morperr.Wrap(morperr.KindTransient, "postgres.count", err)
	}
	return n, nil
}

func (e *Engine) UnsafeClear(ctx context.Context, queueName string) error {
	conn, err := e.db()
	if err != nil {
		return err
	}
	table, err := tableName(queueName)
	if err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "postgres.unsafe_clear", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, table)); err != nil {
		if isMissingTable(err) {
			return nil
		}
		return morperr.Wrap(morperr.KindTransient, "postgres.unsafe_clear", err)
	}
	return nil
}

func (e *Engine) UnsafeDelete(ctx context.Context, queueName string) error {
	conn, err := e.db()
	if err != nil {
		return err
	}
	table, err := tableName(queueName)
	if err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "postgres.unsafe_delete", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return morperr.Wrap(morperr.KindTransient, "postgres.unsafe_delete", err)
	}
	return nil
}

func resolveRaw(queueName string, fields queue.Fields) (table, id string, err error) {
	if raw, ok := fields[queue.MetaRaw].(rawHandle); ok {
		return raw.table, raw.id, nil
	}
	table, err = tableName(queueName)
	if err != nil {
		return "", "", err
	}
	id = fields.ID()
	if id == "" {
		return "", "", fmt.Errorf("fields missing _id")
	}
	return table, id, nil
}

func toCodecFields(f queue.Fields) codec.Fields {
	out := make(codec.Fields, len(f))
	for k, v := range f {
		if strings.HasPrefix(k, "_") && k != queue.MetaClasspath {
			continue
		}
		out[k] = v
	}
	return out
}

func fromCodecFields(f codec.Fields) queue.Fields {
	out := make(queue.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

var _ queue.Interface = (*Engine)(nil)
