// Package records adapts a gorm database to the snapshot records store.
package records

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/japinder12/snapvault/pkg/snapshot"
)

// Options configures Open.
type Options struct {
	// Path of the SQLite database file.
	Path string
	// LogLevel of gorm's own logger: silent, error, warn or info.
	LogLevel     string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// Store runs snapshot reads and restore transactions through gorm.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New wraps an already opened database.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Open opens (creating if needed) a SQLite database.
func Open(opts Options, logger *zap.Logger) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.NotValidf("empty database path")
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Annotatef(err, "creating database dir %s", dir)
		}
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", opts.Path, busy.Milliseconds())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormLogLevel(opts.LogLevel)),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "opening sqlite %s", opts.Path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}
	conns := opts.MaxOpenConns
	if conns <= 0 {
		conns = 1
	}
	sqlDB.SetMaxOpenConns(conns)
	sqlDB.SetMaxIdleConns(conns)
	return New(db, logger), nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "silent", "":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

// DB exposes the underlying handle, for schema setup.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sqlDB.Close())
}

// convertedTypes are declared column types the sqlite driver turns into
// time.Time or bool on read. Writing those back would change the stored
// text or integer, so such columns are read in their storage form.
var convertedTypes = map[string]bool{
	"DATE":      true,
	"DATETIME":  true,
	"TIMESTAMP": true,
	"BOOLEAN":   true,
}

// Query runs stmt and returns the rows with columns in result order.
// Values keep the form they are stored in.
func (s *Store) Query(ctx context.Context, stmt string) ([]snapshot.Row, error) {
	rows, err := s.db.WithContext(ctx).Raw(stmt).Rows()
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := storageProjection(rows, stmt)
	if err != nil {
		_ = rows.Close()
		return nil, errors.Trace(err)
	}
	if raw != "" {
		_ = rows.Close()
		if rows, err = s.db.WithContext(ctx).Raw(raw).Rows(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	defer rows.Close()
	return scanRows(rows)
}

// storageProjection wraps stmt so that converted columns lose their
// declared type. A unary plus keeps the value and its storage class. It
// returns "" when stmt has no such column.
func storageProjection(rows *sql.Rows, stmt string) (string, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return "", errors.Trace(err)
	}
	converted := false
	cols := make([]string, len(types))
	for i, ct := range types {
		name := quoteIdent(ct.Name())
		if convertedTypes[strings.ToUpper(ct.DatabaseTypeName())] {
			converted = true
			cols[i] = "+" + name + " AS " + name
			continue
		}
		cols[i] = name
	}
	if !converted {
		return "", nil
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM (" + stmt + ")", nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func scanRows(rows *sql.Rows) ([]snapshot.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := []snapshot.Row{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Trace(err)
		}
		row := make(snapshot.Row, len(cols))
		for i, col := range cols {
			v, err := snapshot.ValueOf(vals[i])
			if err != nil {
				return nil, errors.Annotatef(err, "column %q", col)
			}
			row[i] = snapshot.Field{Name: col, Value: v}
		}
		out = append(out, row)
	}
	return out, errors.Trace(rows.Err())
}

// Txn runs fn in a gorm transaction, rolled back when fn fails.
func (s *Store) Txn(ctx context.Context, fn func(context.Context, snapshot.Execer) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, execer{tx: tx})
	})
}

type execer struct {
	tx *gorm.DB
}

func (e execer) Exec(ctx context.Context, stmt string, args ...any) error {
	return errors.Trace(e.tx.WithContext(ctx).Exec(stmt, args...).Error)
}

// TableNames lists the tables present in the database.
func (s *Store) TableNames(ctx context.Context) ([]string, error) {
	names, err := s.db.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := names[:0]
	for _, name := range names {
		if strings.HasPrefix(name, "sqlite_") {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

var (
	_ snapshot.Records     = (*Store)(nil)
	_ snapshot.TableLister = (*Store)(nil)
)
