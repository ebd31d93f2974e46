package relational

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mdsync/mdsync/internal/ledger"
)

const replayPageBlocks = 200

// ReplayFromLedger rebuilds the relational tables and the query index from
// the canonical ledger history, paging block by block. Conflict checks are
// bypassed: the ledger's sequence order is the only truth during replay, and
// the per-row last_server_seq check makes reruns idempotent. Transactions
// without a row id are valid ledger content but address nothing, so they are
// skipped; the height cursor advances per page regardless.
func (s *Store) ReplayFromLedger(ctx context.Context, ld *ledger.Store) (int, error) {
	clientID := "ledger-replay-" + uuid.NewString()
	applied := 0
	height := uint64(0)

	for {
		blocks, err := ld.ListBlocksSince(height, replayPageBlocks)
		if err != nil {
			return applied, fmt.Errorf("failed to list ledger blocks: %w", err)
		}
		if len(blocks) == 0 {
			return applied, nil
		}

		upserts := make([]TableRows, 0, len(blocks))
		entries := make([]LogEntry, 0, len(blocks))
		for _, block := range blocks {
			for _, tx := range block.Txs {
				if tx.RowID == "" {
					continue
				}

				row := replayRow(tx)
				upserts = append(upserts, TableRows{Table: tx.Table, Rows: []map[string]any{row}})

				payload := ""
				if tx.Row != nil {
					data, err := json.Marshal(tx.Row)
					if err != nil {
						return applied, fmt.Errorf("failed to marshal tx row: %w", err)
					}
					payload = string(data)
				}
				entries = append(entries, LogEntry{
					ServerSeq: tx.Seq,
					Table:     tx.Table,
					RowID:     tx.RowID,
					Op:        tx.Type,
					Payload:   payload,
					CreatedAt: block.CreatedAt,
				})
			}
		}

		res, err := s.Apply(ctx, ApplyBatch{ClientID: clientID, Upserts: upserts}, ApplyOptions{
			AllowSyncConflicts: true,
		})
		if err != nil {
			return applied, fmt.Errorf("failed to apply replay batch: %w", err)
		}
		applied += res.Applied

		for _, e := range entries {
			if err := s.AppendLog(ctx, e); err != nil {
				return applied, err
			}
		}

		height = blocks[len(blocks)-1].Height
	}
}

// replayRow reconstructs the relational row for one ledger transaction.
func replayRow(tx ledger.SignedTx) map[string]any {
	row := make(map[string]any, len(tx.Row)+4)
	for k, v := range tx.Row {
		row[k] = v
	}
	row["id"] = tx.RowID
	row["last_server_seq"] = int64(tx.Seq)
	if tx.Type == ledger.TxTypeDelete {
		row["deleted_at"] = tx.TS
	}
	if asString(row["updated_at"]) == "" {
		row["updated_at"] = tx.TS
	}
	return row
}
