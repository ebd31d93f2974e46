package schemaguard

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mdsync/mdsync/internal/relational"
)

// Mode controls what a registry mismatch does at boot.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeWarn   Mode = "warn"
	ModeStrict Mode = "strict"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOff, ModeWarn, ModeStrict:
		return Mode(s), nil
	case "":
		return ModeWarn, nil
	default:
		return "", fmt.Errorf("invalid schema guard mode: %s (valid options: off, warn, strict)", s)
	}
}

// Guard checks that the sync registry, the ledger's table enum and the live
// database schema agree on which tables are replicated. Table registries
// drift easily across modules; the guard turns a silent data-loss bug into a
// loud boot-time failure.
type Guard struct {
	db      *sql.DB
	dialect relational.Dialect
	mode    Mode
	logger  *slog.Logger
}

func New(db *sql.DB, dialect relational.Dialect, mode Mode, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{db: db, dialect: dialect, mode: mode, logger: logger}
}

// Ensure compares the three table sets and acts per mode: off skips, warn
// logs every mismatch and continues, strict fails on the first one.
func (g *Guard) Ensure(ctx context.Context, registryTables, ledgerTables []string) error {
	if g.mode == ModeOff {
		return nil
	}

	liveTables, err := g.liveSyncTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to inspect live schema: %w", err)
	}

	mismatches := diff(registryTables, ledgerTables, liveTables)
	if len(mismatches) == 0 {
		return nil
	}

	if g.mode == ModeStrict {
		return fmt.Errorf("sync schema mismatch: %s", mismatches[0])
	}

	for _, m := range mismatches {
		g.logger.Warn("sync schema mismatch", "detail", m)
	}
	return nil
}

// liveSyncTables returns the database tables carrying both sync bookkeeping
// columns (sync_status, last_server_seq).
func (g *Guard) liveSyncTables(ctx context.Context) (map[string]bool, error) {
	if g.dialect == relational.Postgres {
		return g.liveSyncTablesPostgres(ctx)
	}
	return g.liveSyncTablesSQLite(ctx)
}

func (g *Guard) liveSyncTablesPostgres(ctx context.Context) (map[string]bool, error) {
	query := `SELECT table_name FROM information_schema.columns
		WHERE table_schema = 'public' AND column_name IN ('sync_status', 'last_server_seq')
		GROUP BY table_name HAVING COUNT(DISTINCT column_name) = 2`
	rows, err := g.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables[name] = true
	}
	return tables, rows.Err()
}

func (g *Guard) liveSyncTablesSQLite(ctx context.Context) (map[string]bool, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make(map[string]bool)
	for _, name := range names {
		cols, err := g.sqliteColumns(ctx, name)
		if err != nil {
			return nil, err
		}
		if cols["sync_status"] && cols["last_server_seq"] {
			tables[name] = true
		}
	}
	return tables, nil
}

func (g *Guard) sqliteColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := g.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func diff(registryTables, ledgerTables []string, liveTables map[string]bool) []string {
	registry := toSet(registryTables)
	ledger := toSet(ledgerTables)

	var mismatches []string
	for _, t := range sortedKeys(registry) {
		if !ledger[t] {
			mismatches = append(mismatches, fmt.Sprintf("table %s is sync-replicated but unknown to the ledger", t))
		}
		if !liveTables[t] {
			mismatches = append(mismatches, fmt.Sprintf("table %s is sync-replicated but missing sync columns in the database", t))
		}
	}
	for _, t := range sortedKeys(ledger) {
		if !registry[t] {
			mismatches = append(mismatches, fmt.Sprintf("table %s is in the ledger enum but not sync-replicated", t))
		}
	}
	for _, t := range sortedKeys(liveTables) {
		if !registry[t] {
			mismatches = append(mismatches, fmt.Sprintf("table %s carries sync columns but nobody replicates it", t))
		}
	}
	return mismatches
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
