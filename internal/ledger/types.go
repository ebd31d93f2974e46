package ledger

import (
	"sort"

	"github.com/mdsync/mdsync/internal/canonical"
)

const (
	TxTypeUpsert = "upsert"
	TxTypeDelete = "delete"

	// GenesisHash is the prev_hash of the first block.
	GenesisHash = "GENESIS"
)

// Tables is the set of replicated tables the ledger recognizes. The sync
// layer keeps its own registry; the schema guard asserts the two agree.
var Tables = []string{
	"attribute_defs",
	"attribute_values",
	"contracts",
	"employees",
	"engines",
	"entity_types",
	"parts",
}

func KnownTable(name string) bool {
	for _, t := range Tables {
		if t == name {
			return true
		}
	}
	return false
}

// SignedTx is a payload plus everything the ledger attached to it: the
// globally monotonic sequence number, the content hash and the writer's
// signature.
type SignedTx struct {
	canonical.Payload
	Seq       uint64 `json:"seq"`
	TxID      string `json:"tx_id"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// Block is a batch of signed transactions committed atomically. Blocks are
// immutable once written; Hash chains each block onto its predecessor.
type Block struct {
	Height    uint64     `json:"height"`
	PrevHash  string     `json:"prev_hash"`
	CreatedAt string     `json:"created_at"`
	Txs       []SignedTx `json:"txs"`
	Hash      string     `json:"hash"`
}

func (b *Block) TxIDs() []string {
	ids := make([]string, len(b.Txs))
	for i, tx := range b.Txs {
		ids[i] = tx.TxID
	}
	return ids
}

// Index is the ledger's durable cursor.
type Index struct {
	LastHeight uint64 `json:"last_height"`
	LastHash   string `json:"last_hash"`
	LastSeq    uint64 `json:"last_seq"`
}

// Checkpoint is a periodic, independently verifiable summary of the reduced
// state, used to detect silent corruption without replaying history.
type Checkpoint struct {
	Height      uint64            `json:"height"`
	Seq         uint64            `json:"seq"`
	StateHash   string            `json:"state_hash"`
	TableHashes map[string]string `json:"table_hashes"`
	CreatedAt   string            `json:"created_at"`
}

func sortedTableNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
