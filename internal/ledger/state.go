package ledger

import (
	"sort"

	"github.com/mdsync/mdsync/internal/canonical"
)

// Row is the last-applied-wins snapshot of a replicated row.
type Row = map[string]any

// State is the pure reduction of the ordered transaction sequence: a row
// store keyed by table, then row id. Two replicas that applied the same
// sequence must produce byte-identical per-table hashes.
type State struct {
	Tables map[string]map[string]Row `json:"tables"`
}

func NewState() *State {
	return &State{Tables: make(map[string]map[string]Row)}
}

// Apply folds one transaction into the state. Upserts replace the row
// wholesale; deletes tombstone it, keeping prior fields so auditing can still
// see what was deleted. A transaction without a row id is a no-op, since a
// row without an id cannot be addressed later.
func (s *State) Apply(tx SignedTx) {
	id := tx.RowID
	if id == "" {
		return
	}

	table := s.Tables[tx.Table]
	if table == nil {
		table = make(map[string]Row)
		s.Tables[tx.Table] = table
	}

	switch tx.Type {
	case TxTypeDelete:
		row := make(Row, len(table[id])+2)
		for k, v := range table[id] {
			row[k] = v
		}
		row["deleted_at"] = tx.TS
		row["updated_at"] = tx.TS
		table[id] = row
	default:
		row := make(Row, len(tx.Row)+1)
		for k, v := range tx.Row {
			row[k] = v
		}
		row["updated_at"] = tx.TS
		table[id] = row
	}
}

// ApplyAll is the order-sensitive sequential fold.
func (s *State) ApplyAll(txs []SignedTx) {
	for _, tx := range txs {
		s.Apply(tx)
	}
}

// Clone returns a copy sharing row values. Rows are never mutated in place
// (Apply always writes a fresh map), so sharing them is safe.
func (s *State) Clone() *State {
	out := NewState()
	for name, table := range s.Tables {
		copied := make(map[string]Row, len(table))
		for id, row := range table {
			copied[id] = row
		}
		out.Tables[name] = copied
	}
	return out
}

// Hashes computes the per-table and whole-state integrity hashes. Each table
// is stringified as its sorted-by-id (id, row) list; the state hash covers
// the sorted (table, tableHash) list. The result is independent of map
// iteration and insertion order.
func (s *State) Hashes() (string, map[string]string, error) {
	tableHashes := make(map[string]string, len(s.Tables))

	for name, table := range s.Tables {
		ids := make([]string, 0, len(table))
		for id := range table {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		entries := make([]any, 0, len(ids))
		for _, id := range ids {
			entries = append(entries, []any{id, table[id]})
		}

		h, err := canonical.HashJSON(entries)
		if err != nil {
			return "", nil, err
		}
		tableHashes[name] = h
	}

	pairs := make([][]string, 0, len(tableHashes))
	for _, name := range sortedTableNames(tableHashes) {
		pairs = append(pairs, []string{name, tableHashes[name]})
	}

	stateHash, err := canonical.HashJSON(pairs)
	if err != nil {
		return "", nil, err
	}

	return stateHash, tableHashes, nil
}
