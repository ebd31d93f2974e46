package syncsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mdsync/mdsync/internal/canonical"
	"github.com/mdsync/mdsync/internal/ledger"
	"github.com/mdsync/mdsync/internal/relational"
)

// Change is one client-submitted row mutation, the transient input unit of a
// sync batch.
type Change struct {
	Type  string         `json:"type"` // "upsert" or "delete"
	Table string         `json:"table"`
	RowID string         `json:"row_id"`
	Row   map[string]any `json:"row"`
}

// AppliedRow reports the ledger sequence assigned to one row.
type AppliedRow struct {
	Table string `json:"table"`
	RowID string `json:"rowId"`
	Seq   uint64 `json:"seq"`
}

// WriteResult is the outcome of one write batch. A non-empty Skipped list
// still means the batch succeeded at the ledger layer; skipped rows are
// retried by the client once their reason resolves.
type WriteResult struct {
	DBApplied     int                     `json:"dbApplied"`
	LedgerApplied int                     `json:"ledgerApplied"`
	LastSeq       uint64                  `json:"lastSeq"`
	BlockHeight   uint64                  `json:"blockHeight"`
	AppliedRows   []AppliedRow            `json:"appliedRows"`
	IDRemaps      relational.IDRemaps     `json:"idRemaps"`
	Skipped       []relational.SkippedRow `json:"skipped"`
}

// Service is the single entry point for mutations to replicated tables.
// Everything funnels through WriteSyncChanges: the ledger is the source of
// truth, the relational store a materialized view of it.
type Service struct {
	ledger *ledger.Store
	store  *relational.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(ld *ledger.Store, store *relational.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger: ld,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WriteSyncChanges turns a client batch into signed ledger transactions,
// relational state and query-index rows.
//
// The batch is validated in full before anything durable happens; a
// validation failure aborts it whole. Once the ledger append returns, the
// batch is committed even if relational apply declines individual rows.
func (s *Service) WriteSyncChanges(ctx context.Context, changes []Change, actor canonical.Actor) (*WriteResult, error) {
	if len(changes) == 0 {
		idx := s.ledger.Index()
		return &WriteResult{
			LastSeq:     idx.LastSeq,
			BlockHeight: idx.LastHeight,
			IDRemaps:    relational.IDRemaps{},
		}, nil
	}

	// Step 1: validate and normalize. No durable write happens past this
	// point unless every item passes.
	now := s.now()
	normalized := make([]normalizedChange, 0, len(changes))
	for _, c := range changes {
		schema, ok := Schema(c.Table)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTable, c.Table)
		}
		nc, err := normalizeChange(c, schema, now)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, nc)
	}

	// Step 2: sign and append as one block. Concurrent writers serialize
	// inside the ledger store; this is where global order is decided.
	payloads := make([]canonical.Payload, len(normalized))
	for i, nc := range normalized {
		p := canonical.Payload{
			Type:  nc.txType,
			Table: nc.table,
			RowID: nc.rowID,
			Actor: actor,
			TS:    nc.ts,
		}
		if nc.txType == ledger.TxTypeUpsert {
			p.Row = nc.row
		}
		payloads[i] = p
	}

	block, err := s.ledger.Append(payloads)
	if err != nil {
		return nil, fmt.Errorf("ledger append failed: %w", err)
	}

	// Step 3: stamp assigned sequence numbers onto the rows so the
	// relational store and the ledger agree on provenance.
	maxSeq := make(map[string]uint64, len(block.Txs))
	for _, tx := range block.Txs {
		k := tx.Table + "\x00" + tx.RowID
		if tx.Seq > maxSeq[k] {
			maxSeq[k] = tx.Seq
		}
	}

	rowsByTable := make(map[string][]map[string]any, len(normalized))
	for _, nc := range normalized {
		row := make(map[string]any, len(nc.row)+1)
		for k, v := range nc.row {
			row[k] = v
		}
		row["last_server_seq"] = int64(maxSeq[nc.table+"\x00"+nc.rowID])
		rowsByTable[nc.table] = append(rowsByTable[nc.table], row)
	}

	upserts := make([]relational.TableRows, 0, len(rowsByTable))
	for _, table := range applyOrder {
		if rows := rowsByTable[table]; len(rows) > 0 {
			upserts = append(upserts, relational.TableRows{Table: table, Rows: rows})
		}
	}

	// Step 4: relational apply. The ledger has committed; row-level
	// declines surface as skips, not errors.
	applyRes, err := s.store.Apply(ctx, relational.ApplyBatch{
		ClientID: uuid.NewString(),
		Upserts:  upserts,
	}, relational.ApplyOptions{CollectChanges: true})
	if err != nil {
		return nil, fmt.Errorf("relational apply failed after ledger commit at height %d: %w", block.Height, err)
	}

	// Step 5: project into the query index. Insert-or-ignore keeps retried
	// projections safe.
	for _, tx := range block.Txs {
		if tx.Seq == 0 || tx.RowID == "" {
			continue
		}
		payload := ""
		if tx.Row != nil {
			data, err := json.Marshal(tx.Row)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal tx row: %w", err)
			}
			payload = string(data)
		}
		err := s.store.AppendLog(ctx, relational.LogEntry{
			ServerSeq: tx.Seq,
			Table:     tx.Table,
			RowID:     tx.RowID,
			Op:        tx.Type,
			Payload:   payload,
			CreatedAt: block.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
	}

	applied := make([]AppliedRow, 0, len(block.Txs))
	for _, tx := range block.Txs {
		applied = append(applied, AppliedRow{Table: tx.Table, RowID: tx.RowID, Seq: tx.Seq})
	}

	idx := s.ledger.Index()
	res := &WriteResult{
		DBApplied:     applyRes.Applied,
		LedgerApplied: len(block.Txs),
		LastSeq:       idx.LastSeq,
		BlockHeight:   block.Height,
		AppliedRows:   applied,
		IDRemaps:      applyRes.IDRemaps,
		Skipped:       applyRes.Skipped,
	}

	s.logger.Info("sync batch committed",
		"block_height", res.BlockHeight,
		"ledger_applied", res.LedgerApplied,
		"db_applied", res.DBApplied,
		"skipped", len(res.Skipped),
		"actor", actor.Username)

	return res, nil
}

// ListChangesSince is the pull-side contract: everything committed after the
// client's cursor, bounded by limit.
func (s *Service) ListChangesSince(ctx context.Context, cursor uint64, limit int) ([]relational.LogEntry, error) {
	return s.store.ListLogSince(ctx, cursor, limit)
}
