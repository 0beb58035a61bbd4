package storage

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"paperchat/internal/config"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the SQL database described by cfg.
func Open(cfg config.StorageConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one writer keeps whole-document overwrites serialized
		db.SetMaxOpenConns(1)
	case "mysql":
		dsn := cfg.DSN
		if dsn == "" {
			if dsn, err = mysqlDSN(cfg); err != nil {
				return nil, err
			}
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// mysqlDSN builds a DSN from the discrete mysql fields. Params is a query
// string such as "charset=utf8mb4&loc=Local".
func mysqlDSN(cfg config.StorageConfig) (string, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	mc.DBName = cfg.DBName
	if cfg.Params != "" {
		values, err := url.ParseQuery(cfg.Params)
		if err != nil {
			return "", fmt.Errorf("parse mysql params: %w", err)
		}
		mc.Params = make(map[string]string, len(values))
		for k := range values {
			mc.Params[k] = values.Get(k)
		}
	}
	return mc.FormatDSN(), nil
}

// Migrate ensures the record table is present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS kv_records (
				record_key TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS kv_records (
				record_key VARCHAR(191) NOT NULL,
				value LONGBLOB NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (record_key)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
