package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TableRows is one table's slice of a write batch.
type TableRows struct {
	Table string
	Rows  []map[string]any
}

// ApplyBatch is the relational apply input: normalized, sequence-stamped
// rows grouped by table.
type ApplyBatch struct {
	ClientID string
	Upserts  []TableRows
}

type ApplyOptions struct {
	// CollectChanges records per-row outcomes in the result.
	CollectChanges bool

	// AllowSyncConflicts bypasses the optimistic freshness check. Used
	// when replaying from canonical ledger state, where seq order is the
	// only truth.
	AllowSyncConflicts bool
}

// SkippedRow is a row the ledger accepted but the relational store could not
// yet apply. Skips are data, not errors: the client retries once the reason
// resolves.
type SkippedRow struct {
	Table  string `json:"table"`
	RowID  string `json:"rowId"`
	Reason string `json:"reason"`
}

// AppliedChange is one row outcome, collected when CollectChanges is set.
type AppliedChange struct {
	Table string `json:"table"`
	RowID string `json:"rowId"`
	Op    string `json:"op"`
	Seq   int64  `json:"seq"`
}

// IDRemaps maps table -> client-proposed id -> canonical id for rows that
// were recognized as an already-known business entity.
type IDRemaps map[string]map[string]string

func (r IDRemaps) lookup(table, id string) (string, bool) {
	canon, ok := r[table][id]
	return canon, ok
}

func (r IDRemaps) record(table, clientID, canonicalID string) {
	if r[table] == nil {
		r[table] = make(map[string]string)
	}
	r[table][clientID] = canonicalID
}

type ApplyResult struct {
	Applied  int
	IDRemaps IDRemaps
	Skipped  []SkippedRow
	Changes  []AppliedChange
}

type rowMeta struct {
	updatedAt     string
	deletedAt     string
	lastServerSeq int64
}

// Apply writes a batch into the relational tables inside one transaction.
// It is idempotent under replay: a row whose last_server_seq is at or below
// the stored one is a no-op. Business-key duplicates resolve to an id remap
// instead of an error, and the remap rewrites foreign keys of rows later in
// the same batch.
func (s *Store) Apply(ctx context.Context, batch ApplyBatch, opts ApplyOptions) (*ApplyResult, error) {
	res := &ApplyResult{IDRemaps: IDRemaps{}}

	byTable := make(map[string][]map[string]any, len(batch.Upserts))
	for _, tr := range batch.Upserts {
		if _, ok := s.defs[tr.Table]; !ok {
			return nil, fmt.Errorf("unknown table in batch: %s", tr.Table)
		}
		byTable[tr.Table] = append(byTable[tr.Table], tr.Rows...)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Parents before children: s.order lists referenced tables first, so a
	// batch inserting an entity type and its attribute defs resolves in one
	// pass.
	for _, table := range s.order {
		def := s.defs[table]
		for _, row := range byTable[table] {
			if err := s.applyRow(ctx, tx, def, row, opts, res); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return res, nil
}

func (s *Store) applyRow(ctx context.Context, tx *sql.Tx, def TableDef, in map[string]any, opts ApplyOptions, res *ApplyResult) error {
	row := make(map[string]any, len(in))
	for k, v := range in {
		row[k] = v
	}

	id := asString(row["id"])
	if id == "" {
		res.Skipped = append(res.Skipped, SkippedRow{Table: def.Name, Reason: "missing row id"})
		return nil
	}
	if canon, ok := res.IDRemaps.lookup(def.Name, id); ok {
		id = canon
	}

	deleted := asString(row["deleted_at"]) != ""
	incomingSeq := asInt64(row["last_server_seq"])

	if !deleted {
		for col, refTable := range def.References {
			ref := asString(row[col])
			if ref == "" {
				continue
			}
			if canon, ok := res.IDRemaps.lookup(refTable, ref); ok {
				ref = canon
				row[col] = canon
			}
			exists, err := s.rowExists(ctx, tx, refTable, ref)
			if err != nil {
				return err
			}
			if !exists {
				res.Skipped = append(res.Skipped, SkippedRow{
					Table:  def.Name,
					RowID:  id,
					Reason: "missing_reference: " + col,
				})
				return nil
			}
		}

		if len(def.BusinessKey) > 0 {
			canonID, err := s.findByBusinessKey(ctx, tx, def, row)
			if err != nil {
				return err
			}
			if canonID != "" && canonID != id {
				res.IDRemaps.record(def.Name, id, canonID)
				id = canonID
			}
		}
	}
	row["id"] = id

	existing, err := s.getRowMeta(ctx, tx, def.Name, id)
	if err != nil {
		return err
	}

	if existing != nil {
		// Replayed change: already applied at this or a later sequence.
		if incomingSeq > 0 && existing.lastServerSeq >= incomingSeq {
			return nil
		}
		if !opts.AllowSyncConflicts && !deleted && newerThan(existing.updatedAt, asString(row["updated_at"])) {
			res.Skipped = append(res.Skipped, SkippedRow{
				Table:  def.Name,
				RowID:  id,
				Reason: "conflict: existing row is newer",
			})
			return nil
		}
	}

	op := "upsert"
	if deleted {
		op = "delete"
	}

	if existing == nil {
		if err := s.insertRow(ctx, tx, def, id, row, deleted); err != nil {
			return err
		}
	} else if deleted {
		if err := s.tombstoneRow(ctx, tx, def, id, row); err != nil {
			return err
		}
	} else {
		if err := s.updateRow(ctx, tx, def, id, row); err != nil {
			return err
		}
	}

	res.Applied++
	if opts.CollectChanges {
		res.Changes = append(res.Changes, AppliedChange{
			Table: def.Name, RowID: id, Op: op, Seq: incomingSeq,
		})
	}
	return nil
}

func (s *Store) insertRow(ctx context.Context, tx *sql.Tx, def TableDef, id string, row map[string]any, deleted bool) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row payload: %w", err)
	}

	cols := []string{"id", "payload", "updated_at", "deleted_at", "sync_status", "last_server_seq"}
	args := []any{id, string(payload), asString(row["updated_at"]), nullable(asString(row["deleted_at"])),
		orDefault(asString(row["sync_status"]), "synced"), asInt64(row["last_server_seq"])}
	for _, bk := range def.BusinessKey {
		cols = append(cols, bk)
		args = append(args, asString(row[bk]))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		def.Name, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := tx.ExecContext(ctx, s.dialect.bind(query), args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", def.Name, err)
	}
	return nil
}

func (s *Store) updateRow(ctx context.Context, tx *sql.Tx, def TableDef, id string, row map[string]any) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row payload: %w", err)
	}

	sets := []string{"payload = ?", "updated_at = ?", "deleted_at = ?", "sync_status = ?", "last_server_seq = ?"}
	args := []any{string(payload), asString(row["updated_at"]), nullable(asString(row["deleted_at"])),
		orDefault(asString(row["sync_status"]), "synced"), asInt64(row["last_server_seq"])}
	for _, bk := range def.BusinessKey {
		sets = append(sets, bk+" = ?")
		args = append(args, asString(row[bk]))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", def.Name, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, s.dialect.bind(query), args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", def.Name, err)
	}
	return nil
}

// tombstoneRow marks an existing row deleted without discarding its payload
// or business key columns, so auditing can still see what was deleted.
func (s *Store) tombstoneRow(ctx context.Context, tx *sql.Tx, def TableDef, id string, row map[string]any) error {
	query := fmt.Sprintf(
		"UPDATE %s SET deleted_at = ?, updated_at = ?, sync_status = ?, last_server_seq = ? WHERE id = ?",
		def.Name)
	args := []any{asString(row["deleted_at"]), asString(row["updated_at"]),
		orDefault(asString(row["sync_status"]), "synced"), asInt64(row["last_server_seq"]), id}
	if _, err := tx.ExecContext(ctx, s.dialect.bind(query), args...); err != nil {
		return fmt.Errorf("failed to tombstone row in %s: %w", def.Name, err)
	}
	return nil
}

func (s *Store) getRowMeta(ctx context.Context, tx *sql.Tx, table, id string) (*rowMeta, error) {
	query := fmt.Sprintf("SELECT updated_at, deleted_at, last_server_seq FROM %s WHERE id = ?", table)

	var updatedAt, deletedAt sql.NullString
	var seq int64
	err := tx.QueryRowContext(ctx, s.dialect.bind(query), id).Scan(&updatedAt, &deletedAt, &seq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row %s/%s: %w", table, id, err)
	}
	return &rowMeta{updatedAt: updatedAt.String, deletedAt: deletedAt.String, lastServerSeq: seq}, nil
}

func (s *Store) rowExists(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", table)
	var one int
	err := tx.QueryRowContext(ctx, s.dialect.bind(query), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check row %s/%s: %w", table, id, err)
	}
	return true, nil
}

// findByBusinessKey returns the id of an existing row (tombstoned or not)
// carrying the same business key, or "" if there is none. Tombstoned matches
// are included deliberately: re-creating a deleted entity revives the
// canonical row instead of violating the unique index.
func (s *Store) findByBusinessKey(ctx context.Context, tx *sql.Tx, def TableDef, row map[string]any) (string, error) {
	conds := make([]string, 0, len(def.BusinessKey))
	args := make([]any, 0, len(def.BusinessKey))
	for _, bk := range def.BusinessKey {
		v := asString(row[bk])
		if v == "" {
			return "", nil
		}
		conds = append(conds, bk+" = ?")
		args = append(args, v)
	}

	query := fmt.Sprintf("SELECT id FROM %s WHERE %s", def.Name, strings.Join(conds, " AND "))
	var id string
	err := tx.QueryRowContext(ctx, s.dialect.bind(query), args...).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed business key lookup on %s: %w", def.Name, err)
	}
	return id, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case uint64:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// newerThan reports whether timestamp a is strictly after b. Unparseable
// timestamps never win a conflict.
func newerThan(a, b string) bool {
	ta, err := time.Parse(time.RFC3339Nano, a)
	if err != nil {
		return false
	}
	tb, err := time.Parse(time.RFC3339Nano, b)
	if err != nil {
		return true
	}
	return ta.After(tb)
}
