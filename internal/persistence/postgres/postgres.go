// Package postgres provides the PostgreSQL-backed DataStore used by
// production deployments. Schema management runs through embedded goose
// migrations applied at connect time, so every controller replica can
// boot against an empty database.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/pressly/goose/v3"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/persistence"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	maxOpenConns    = 16
	maxIdleConns    = 4
	connMaxLifetime = 30 * time.Minute
)

// Store implements persistence.DataStore on top of PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ persistence.DataStore = (*Store)(nil)

// New opens a connection pool, repairs known legacy schema damage, and
// applies pending migrations. The dsn accepts both URL and key=value
// connection strings.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if err := repairSystemLogs(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info(ctx, "Connected to PostgreSQL")
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

const systemLogsDefaultQuery = `
	SELECT column_default
	FROM information_schema.columns
	WHERE table_name = 'system_logs' AND column_name = 'log_id'`

// repairSystemLogs drops a system_logs table whose log_id column lost its
// sequence default. Early deployments created the table by hand; once the
// default is gone every insert fails with a null primary key, so the only
// fix is to recreate the table. The migration that follows does that.
func repairSystemLogs(ctx context.Context, db *sql.DB) error {
	var def sql.NullString
	err := db.QueryRowContext(ctx, systemLogsDefaultQuery).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect system_logs: %w", err)
	}
	if !needsSequenceRepair(def) {
		return nil
	}

	logger.Warn(ctx, "Recreating system_logs table", tag.Reason("log_id has no sequence default"))
	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS system_logs CASCADE`); err != nil {
		return fmt.Errorf("failed to drop corrupt system_logs: %w", err)
	}
	return nil
}

// needsSequenceRepair reports whether a log_id column default indicates a
// hand-created table: either no default at all, or one that does not draw
// from a sequence.
func needsSequenceRepair(def sql.NullString) bool {
	return !def.Valid || !strings.Contains(def.String, "nextval")
}

func (s *Store) AgentStore() persistence.AgentStore               { return &agentStore{db: s.db} }
func (s *Store) TaskStore() persistence.TaskStore                 { return &taskStore{db: s.db} }
func (s *Store) ConversationStore() persistence.ConversationStore { return &conversationStore{db: s.db} }
func (s *Store) ContextStore() persistence.ContextStore           { return &contextStore{db: s.db} }
func (s *Store) MetricsStore() persistence.MetricsStore           { return &metricsStore{db: s.db} }
func (s *Store) ReplicaStore() persistence.ReplicaStore           { return &replicaStore{db: s.db} }
func (s *Store) LogStore() persistence.LogStore                   { return &logStore{db: s.db} }

// Close implements persistence.DataStore.
func (s *Store) Close() error { return s.db.Close() }

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// mustAffect returns missing when the statement matched no rows.
func mustAffect(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
