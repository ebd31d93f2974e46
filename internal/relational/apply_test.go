package relational

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func testDefs() []TableDef {
	return []TableDef{
		{Name: "entity_types", BusinessKey: []string{"name"}},
		{
			Name:        "attribute_defs",
			BusinessKey: []string{"entity_type_id", "name"},
			References:  map[string]string{"entity_type_id": "entity_types"},
		},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	// sqlite in-memory DBs are per-connection; the pool would hand each
	// query a fresh empty database. A temp file sidesteps that.
	path := filepath.Join(t.TempDir(), "md.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, SQLite, testDefs(), nil)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func upsertRow(id string, seq int64, extra map[string]any) map[string]any {
	row := map[string]any{
		"id":              id,
		"updated_at":      "2026-08-20T10:00:00Z",
		"last_server_seq": seq,
	}
	for k, v := range extra {
		row[k] = v
	}
	return row
}

func TestApplyInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Apply(ctx, ApplyBatch{
		ClientID: "c-1",
		Upserts: []TableRows{{
			Table: "entity_types",
			Rows:  []map[string]any{upsertRow("et-1", 1, map[string]any{"name": "engine"})},
		}},
	}, ApplyOptions{CollectChanges: true})
	require.NoError(t, err)

	require.Equal(t, 1, res.Applied)
	require.Empty(t, res.Skipped)
	require.Len(t, res.Changes, 1)
	require.Equal(t, "upsert", res.Changes[0].Op)

	n, err := s.CountRows(ctx, "entity_types")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestApplyBusinessKeyRemap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, ApplyBatch{
		ClientID: "c-1",
		Upserts: []TableRows{{
			Table: "entity_types",
			Rows:  []map[string]any{upsertRow("et-1", 1, map[string]any{"name": "engine"})},
		}},
	}, ApplyOptions{})
	require.NoError(t, err)

	// A second client invented its own id for the same business entity and
	// referenced it from a child row in the same batch.
	res, err := s.Apply(ctx, ApplyBatch{
		ClientID: "c-2",
		Upserts: []TableRows{
			{
				Table: "entity_types",
				Rows: []map[string]any{upsertRow("client-9", 2, map[string]any{
					"name":       "engine",
					"updated_at": "2026-08-20T11:00:00Z",
				})},
			},
			{
				Table: "attribute_defs",
				Rows: []map[string]any{upsertRow("ad-1", 3, map[string]any{
					"entity_type_id": "client-9",
					"name":           "power_kw",
				})},
			},
		},
	}, ApplyOptions{})
	require.NoError(t, err)

	require.Equal(t, "et-1", res.IDRemaps["entity_types"]["client-9"])
	require.Empty(t, res.Skipped)

	// The child's foreign key must point at the canonical id.
	var ref string
	err = s.DB().QueryRow("SELECT entity_type_id FROM attribute_defs WHERE id = 'ad-1'").Scan(&ref)
	require.NoError(t, err)
	require.Equal(t, "et-1", ref)

	// No second entity_types row was created.
	n, err := s.CountRows(ctx, "entity_types")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestApplySkipsMissingReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Apply(ctx, ApplyBatch{
		ClientID: "c-1",
		Upserts: []TableRows{{
			Table: "attribute_defs",
			Rows: []map[string]any{upsertRow("ad-1", 1, map[string]any{
				"entity_type_id": "et-404",
				"name":           "power_kw",
			})},
		}},
	}, ApplyOptions{})
	require.NoError(t, err)

	require.Equal(t, 0, res.Applied)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, "attribute_defs", res.Skipped[0].Table)
	require.Equal(t, "ad-1", res.Skipped[0].RowID)
	require.Equal(t, "missing_reference: entity_type_id", res.Skipped[0].Reason)
}

func TestApplyConflictSkip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newer := upsertRow("et-1", 1, map[string]any{"name": "engine"})
	newer["updated_at"] = "2026-08-20T12:00:00Z"
	_, err := s.Apply(ctx, ApplyBatch{
		ClientID: "c-1",
		Upserts:  []TableRows{{Table: "entity_types", Rows: []map[string]any{newer}}},
	}, ApplyOptions{})
	require.NoError(t, err)

	stale := upsertRow("et-1", 2, map[string]any{"name": "motor"})
	stale["updated_at"] = "2026-08-20T11:00:00Z"

	res, err := s.Apply(ctx, ApplyBatch{
		ClientID: "c-2",
		Upserts:  []TableRows{{Table: "entity_types", Rows: []map[string]any{stale}}},
	}, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, res.Applied)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, "conflict: existing row is newer", res.Skipped[0].Reason)

	// Replay mode takes sequence order as truth and overwrites.
	res, err = s.Apply(ctx, ApplyBatch{
		ClientID: "c-2",
		Upserts:  []TableRows{{Table: "entity_types", Rows: []map[string]any{stale}}},
	}, ApplyOptions{AllowSyncConflicts: true})
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)

	var name string
	err = s.DB().QueryRow("SELECT name FROM entity_types WHERE id = 'et-1'").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "motor", name)
}

func TestApplyIdempotentBySeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := ApplyBatch{
		ClientID: "c-1",
		Upserts: []TableRows{{
			Table: "entity_types",
			Rows:  []map[string]any{upsertRow("et-1", 7, map[string]any{"name": "engine"})},
		}},
	}

	res, err := s.Apply(ctx, batch, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)

	// Same sequence again: already applied, no-op.
	res, err = s.Apply(ctx, batch, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, res.Applied)
	require.Empty(t, res.Skipped)
}

func TestApplyTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, ApplyBatch{
		ClientID: "c-1",
		Upserts: []TableRows{{
			Table: "entity_types",
			Rows:  []map[string]any{upsertRow("et-1", 1, map[string]any{"name": "engine"})},
		}},
	}, ApplyOptions{})
	require.NoError(t, err)

	del := upsertRow("et-1", 2, map[string]any{"name": "engine"})
	del["updated_at"] = "2026-08-20T12:00:00Z"
	del["deleted_at"] = "2026-08-20T12:00:00Z"

	res, err := s.Apply(ctx, ApplyBatch{
		ClientID: "c-1",
		Upserts:  []TableRows{{Table: "entity_types", Rows: []map[string]any{del}}},
	}, ApplyOptions{CollectChanges: true})
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)
	require.Equal(t, "delete", res.Changes[0].Op)

	n, err := s.CountRows(ctx, "entity_types")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// The row itself survives as a tombstone with its business key intact.
	var name string
	var deletedAt sql.NullString
	err = s.DB().QueryRow("SELECT name, deleted_at FROM entity_types WHERE id = 'et-1'").Scan(&name, &deletedAt)
	require.NoError(t, err)
	require.Equal(t, "engine", name)
	require.Equal(t, "2026-08-20T12:00:00Z", deletedAt.String)
}

func TestApplyReviveTombstonedBusinessKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, ApplyBatch{
		ClientID: "c-1",
		Upserts: []TableRows{{
			Table: "entity_types",
			Rows:  []map[string]any{upsertRow("et-1", 1, map[string]any{"name": "engine"})},
		}},
	}, ApplyOptions{})
	require.NoError(t, err)

	del := upsertRow("et-1", 2, map[string]any{"name": "engine"})
	del["deleted_at"] = "2026-08-20T12:00:00Z"
	del["updated_at"] = "2026-08-20T12:00:00Z"
	_, err = s.Apply(ctx, ApplyBatch{
		ClientID: "c-1",
		Upserts:  []TableRows{{Table: "entity_types", Rows: []map[string]any{del}}},
	}, ApplyOptions{})
	require.NoError(t, err)

	// A different client re-creates the same entity under a new id. The
	// tombstoned row must be revived instead of tripping the unique index.
	revive := upsertRow("client-5", 3, map[string]any{"name": "engine"})
	revive["updated_at"] = "2026-08-20T13:00:00Z"

	res, err := s.Apply(ctx, ApplyBatch{
		ClientID: "c-2",
		Upserts:  []TableRows{{Table: "entity_types", Rows: []map[string]any{revive}}},
	}, ApplyOptions{})
	require.NoError(t, err)
	require.Equal(t, "et-1", res.IDRemaps["entity_types"]["client-5"])

	n, err := s.CountRows(ctx, "entity_types")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestApplyUnknownTableFails(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Apply(context.Background(), ApplyBatch{
		ClientID: "c-1",
		Upserts:  []TableRows{{Table: "nonsense", Rows: []map[string]any{{"id": "x"}}}},
	}, ApplyOptions{})
	require.Error(t, err)
}

func TestSyncLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		err := s.AppendLog(ctx, LogEntry{
			ServerSeq: seq,
			Table:     "entity_types",
			RowID:     "et-1",
			Op:        "upsert",
			Payload:   `{"name":"engine"}`,
			CreatedAt: "2026-08-20T10:00:00Z",
		})
		require.NoError(t, err)
	}

	// Retried projection of an existing seq is a no-op.
	err := s.AppendLog(ctx, LogEntry{
		ServerSeq: 3,
		Table:     "entity_types",
		RowID:     "et-other",
		Op:        "delete",
		CreatedAt: "2026-08-20T11:00:00Z",
	})
	require.NoError(t, err)

	n, err := s.LogCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	entries, err := s.ListLogSince(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(3), entries[0].ServerSeq)
	require.Equal(t, uint64(4), entries[1].ServerSeq)
	require.Equal(t, "et-1", entries[0].RowID)

	entries, err = s.ListLogSince(ctx, 5, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}
