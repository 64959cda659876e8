// Package store keeps encoded ciphertexts in SQLite and evaluates
// homomorphic aggregates inside the SQL engine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opaque/encindex/pkg/aggregate"
)

// DefaultAggregateName is the SQL name of the homomorphic SUM aggregate.
const DefaultAggregateName = "homomorphic_sum"

var (
	// ErrStoreUnavailable is returned when the database stays locked for the
	// whole retry budget.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUnknownColumn is returned for a row or index naming a column that is
	// not in the schema.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrInvalidIndex is returned for index definitions that cannot be
	// created.
	ErrInvalidIndex = errors.New("invalid index")
)

// Options configures Open.
type Options struct {
	// Path of the database file. ":memory:" opens a private in-memory database.
	Path string

	// BusyTimeout is how long SQLite waits on a lock before reporting it.
	BusyTimeout time.Duration

	Retry RetryPolicy

	// Schema defaults to HousingSchema.
	Schema Schema

	// AggregateName defaults to DefaultAggregateName.
	AggregateName string

	// Aggregator is required. It must not hold a secret key.
	Aggregator aggregate.Aggregator

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = ":memory:"
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.Schema.Table == "" {
		o.Schema = HousingSchema
	}
	if o.AggregateName == "" {
		o.AggregateName = DefaultAggregateName
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) dsn() string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		o.Path, o.BusyTimeout.Milliseconds())
}

// Store is a single shared SQLite handle over the encrypted table.
type Store struct {
	db      *sql.DB
	schema  Schema
	binding *binding
	logger  *slog.Logger

	// Serialises Execute so aggregate errors are attributed to the right query.
	mu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Open binds the aggregate, connects (retrying on lock contention), enables
// WAL and creates the table if needed.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.Aggregator == nil {
		return nil, errors.New("store: aggregator is required")
	}
	if !ValidIdentifier(opts.AggregateName) {
		return nil, fmt.Errorf("invalid aggregate name %q", opts.AggregateName)
	}
	if err := opts.Schema.Validate(); err != nil {
		return nil, err
	}

	b, err := bind(opts.AggregateName, opts.Aggregator)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	err = opts.Retry.Do(ctx, opts.Logger, func(attempt int) error {
		var err error
		db, err = connect(ctx, opts)
		return err
	})
	if err != nil {
		b.release()
		return nil, err
	}

	opts.Logger.Info("store opened",
		"path", opts.Path,
		"table", opts.Schema.Table,
		"aggregate", opts.AggregateName)

	return &Store{
		db:      db,
		schema:  opts.Schema,
		binding: b,
		logger:  opts.Logger,
	}, nil
}

// connect is one attempt. The handle is closed on failure.
func connect(ctx context.Context, opts Options) (*sql.DB, error) {
	db, err := sql.Open("sqlite", opts.dsn())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: pragmas, in-memory databases and the aggregate error
	// slot all assume a single handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := setup(ctx, db, opts); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setup(ctx context.Context, db *sql.DB, opts Options) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	switch strings.ToLower(mode) {
	case "wal", "memory":
	default:
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}

	if _, err := db.ExecContext(ctx, opts.Schema.createTableSQL()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database and frees the aggregate name.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
		s.binding.release()
	})
	return s.closeErr
}

// Schema returns the table schema.
func (s *Store) Schema() Schema {
	return s.schema
}

// Row is one record of encoded ciphertexts keyed by column. Missing columns
// and nil values are stored as NULL. ID 0 lets SQLite assign the key.
type Row struct {
	ID          int64
	Ciphertexts map[string][]byte
}

// InsertRow stores one row.
func (s *Store) InsertRow(ctx context.Context, row Row) error {
	return s.InsertRows(ctx, []Row{row})
}

// InsertRows stores rows in a single transaction.
func (s *Store) InsertRows(ctx context.Context, rows []Row) error {
	for i, r := range rows {
		for col := range r.Ciphertexts {
			if !s.schema.HasColumn(col) {
				return fmt.Errorf("row %d: %q: %w", i, col, ErrUnknownColumn)
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cols := append([]string{"id"}, s.schema.Columns...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(s.schema.Table), quoteAll(cols), placeholders))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	for i, r := range rows {
		args[0] = nil
		if r.ID != 0 {
			args[0] = r.ID
		}
		for j, col := range s.schema.Columns {
			if v := r.Ciphertexts[col]; v != nil {
				args[j+1] = v
			} else {
				args[j+1] = nil
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Count returns the number of rows in the table.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(s.schema.Table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// Result holds every row of a query and the wall time to run and drain it.
type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

// Execute runs query and fetches all rows. An error raised by the aggregate
// inside SQLite is returned wrapped, so errors.Is matches its sentinel.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.binding.takeErr()

	start := time.Now()
	res, err := s.query(ctx, query, args...)
	if err != nil {
		if aggErr := s.binding.takeErr(); aggErr != nil {
			return nil, fmt.Errorf("execute: %w (%v)", aggErr, err)
		}
		return nil, fmt.Errorf("execute: %w", err)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*Result, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Index is a secondary index over encrypted columns.
type Index struct {
	Name    string
	Columns []string
}

func (s *Store) validateIndex(idx Index) error {
	if !ValidIdentifier(idx.Name) || !strings.HasPrefix(idx.Name, ManagedPrefix) {
		return fmt.Errorf("%w: name %q must be an identifier starting with %q", ErrInvalidIndex, idx.Name, ManagedPrefix)
	}
	if len(idx.Columns) == 0 {
		return fmt.Errorf("%w: %s has no columns", ErrInvalidIndex, idx.Name)
	}
	for _, c := range idx.Columns {
		if !s.schema.HasColumn(c) {
			return fmt.Errorf("%w: %s: %q: %w", ErrInvalidIndex, idx.Name, c, ErrUnknownColumn)
		}
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) createIndex(ctx context.Context, ex execer, idx Index) error {
	if err := s.validateIndex(idx); err != nil {
		return err
	}
	q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote(idx.Name), quote(s.schema.Table), quoteAll(idx.Columns))
	if _, err := ex.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create index %s: %w", idx.Name, err)
	}
	return nil
}

func dropIndex(ctx context.Context, ex execer, name string) error {
	if !ValidIdentifier(name) {
		return fmt.Errorf("%w: name %q", ErrInvalidIndex, name)
	}
	if _, err := ex.ExecContext(ctx, "DROP INDEX IF EXISTS "+quote(name)); err != nil {
		return fmt.Errorf("drop index %s: %w", name, err)
	}
	return nil
}

func (s *Store) managedIndexes(ctx context.Context, ex execer) ([]string, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL AND substr(name, 1, ?) = ?`,
		s.schema.Table, len(ManagedPrefix), ManagedPrefix)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// CreateIndex creates idx if it does not exist.
func (s *Store) CreateIndex(ctx context.Context, idx Index) error {
	return s.createIndex(ctx, s.db, idx)
}

// DropIndex drops the named index if it exists.
func (s *Store) DropIndex(ctx context.Context, name string) error {
	return dropIndex(ctx, s.db, name)
}

// ManagedIndexes lists managed index names on the table, sorted. Indexes
// created by earlier processes are included.
func (s *Store) ManagedIndexes(ctx context.Context) ([]string, error) {
	return s.managedIndexes(ctx, s.db)
}

// DropAllManagedIndexes removes every managed index.
func (s *Store) DropAllManagedIndexes(ctx context.Context) error {
	return s.ReplaceManagedIndexes(ctx, nil)
}

// ReplaceManagedIndexes drops every managed index and creates want, in one
// transaction.
func (s *Store) ReplaceManagedIndexes(ctx context.Context, want []Index) error {
	for _, idx := range want {
		if err := s.validateIndex(idx); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.managedIndexes(ctx, tx)
	if err != nil {
		return err
	}
	for _, name := range existing {
		if err := dropIndex(ctx, tx, name); err != nil {
			return err
		}
	}
	for _, idx := range want {
		if err := s.createIndex(ctx, tx, idx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("managed indexes replaced", "dropped", len(existing), "created", len(want))
	return nil
}
