package relational

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// TableDef describes how one replicated table is laid out relationally.
// BusinessKey columns identify the same business entity across clients that
// invented different row ids; References are foreign-key columns that must
// resolve before a row can be applied.
type TableDef struct {
	Name        string
	BusinessKey []string
	References  map[string]string // column -> referenced table
}

// Store owns the relational side of the write path: the per-table row
// storage and the sequence-ordered query index. All mutations arrive through
// Apply; nothing else writes these tables.
type Store struct {
	db      *sql.DB
	dialect Dialect
	defs    map[string]TableDef
	order   []string // apply order, parents before children
	logger  *slog.Logger
}

func NewStore(db *sql.DB, dialect Dialect, defs []TableDef, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		defs:    make(map[string]TableDef, len(defs)),
		order:   make([]string, 0, len(defs)),
		logger:  logger,
	}
	for _, def := range defs {
		s.defs[def.Name] = def
		s.order = append(s.order, def.Name)
	}
	return s
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Tables returns the table names this store manages, in apply order.
func (s *Store) Tables() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// EnsureSchema creates the replicated tables and the query index if they do
// not exist. Every replicated table carries the sync bookkeeping columns
// (sync_status, last_server_seq) the schema guard looks for.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, name := range s.order {
		def := s.defs[name]

		cols := []string{
			"id TEXT PRIMARY KEY",
			"payload TEXT NOT NULL",
			"updated_at TEXT",
			"deleted_at TEXT",
			"sync_status TEXT NOT NULL DEFAULT 'synced'",
			"last_server_seq BIGINT NOT NULL DEFAULT 0",
		}
		for _, bk := range def.BusinessKey {
			cols = append(cols, bk+" TEXT")
		}

		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", def.Name, strings.Join(cols, ", "))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", def.Name, err)
		}

		if len(def.BusinessKey) > 0 {
			idx := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_business_key ON %s (%s)",
				def.Name, def.Name, strings.Join(def.BusinessKey, ", "))
			if _, err := s.db.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("failed to create business key index for %s: %w", def.Name, err)
			}
		}
	}

	logDDL := `CREATE TABLE IF NOT EXISTS sync_log (
		server_seq BIGINT PRIMARY KEY,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, logDDL); err != nil {
		return fmt.Errorf("failed to create sync_log: %w", err)
	}

	return nil
}

// CountRows returns the number of live (non-tombstoned) rows in a table.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	if _, ok := s.defs[table]; !ok {
		return 0, fmt.Errorf("unknown table: %s", table)
	}
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE deleted_at IS NULL", table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return n, nil
}
