package repository

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// driver knows how to reach one database engine.
type driver struct {
	// sqlName is the name registered with database/sql.
	sqlName string
	dsn     func(cfg domain.RepositoryConfig) (string, error)
	// tune adjusts the pool after open, before config overrides apply.
	tune func(db *sql.DB, cfg domain.RepositoryConfig)
}

var drivers = map[string]driver{
	"sqlite": {
		sqlName: "sqlite",
		dsn:     sqliteDSN,
		tune: func(db *sql.DB, cfg domain.RepositoryConfig) {
			// An in-memory database lives and dies with its connection.
			if sqlitePath(cfg) == ":memory:" {
				db.SetMaxOpenConns(1)
			}
		},
	},
	"postgres": {
		sqlName: "postgres",
		dsn:     postgresDSN,
		tune: func(db *sql.DB, _ domain.RepositoryConfig) {
			db.SetMaxIdleConns(5)
		},
	},
}

func openDB(cfg domain.RepositoryConfig) (*sql.DB, error) {
	d, ok := drivers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported driver %q", domain.ErrInvalidInput, cfg.Driver)
	}

	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.sqlName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	d.tune(db, cfg)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}

func sqlitePath(cfg domain.RepositoryConfig) string {
	if cfg.SQLitePath == "" {
		return "./kestrel.db"
	}
	return cfg.SQLitePath
}

// sqliteDSN enables WAL and a busy timeout so case and score writers queue
// instead of failing with SQLITE_BUSY.
func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := sqlitePath(cfg)
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	q := url.Values{}
	for _, pragma := range []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
		"foreign_keys(ON)",
	} {
		q.Add("_pragma", pragma)
	}
	return "file:" + path + "?" + q.Encode(), nil
}

// postgresDSN builds a postgres:// URL for lib/pq.
func postgresDSN(cfg domain.RepositoryConfig) (string, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	name := cfg.PostgresDB
	if name == "" {
		name = "kestrel"
	}
	sslMode := cfg.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + name,
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	u.RawQuery = url.Values{
		"sslmode":          {sslMode},
		"application_name": {"kestrel"},
	}.Encode()
	return u.String(), nil
}
