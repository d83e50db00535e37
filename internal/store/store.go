package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

var (
	//go:embed schema_sqlite.sql
	schemaSQLite string
	//go:embed schema_postgres.sql
	schemaPostgres string
	//go:embed erp_sqlite.sql
	erpSQLite string
	//go:embed erp_postgres.sql
	erpPostgres string
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know about.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store is the repository over the engine tables and the ERP tables it reads.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database. For sqlite the dsn may be a bare path
// or ":memory:".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return &Store{db: db, driver: driver}, nil
}

func sqliteDSN(path string) string {
	const params = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	switch {
	case path == ":memory:":
		return "file::memory:?" + params
	case strings.HasPrefix(path, "file:"):
		return path
	}
	return fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&%s", path, params)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Driver() string { return s.driver }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureSchema creates the engine tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := schemaSQLite
	if s.driver == DriverPostgres {
		ddl = schemaPostgres
	}
	return s.execScript(ctx, ddl)
}

// EnsureERPSchema creates a minimal copy of the ERP tables the engine reads.
// Production deployments own these tables elsewhere.
func (s *Store) EnsureERPSchema(ctx context.Context) error {
	ddl := erpSQLite
	if s.driver == DriverPostgres {
		ddl = erpPostgres
	}
	return s.execScript(ctx, ddl)
}

func (s *Store) execScript(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}

func (s *Store) q(query string) string { return s.db.Rebind(query) }

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func utc(t time.Time) time.Time { return t.UTC() }
