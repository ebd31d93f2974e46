package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mdsync/mdsync/internal/alert"
	"github.com/mdsync/mdsync/internal/canonical"
)

var (
	blocksBucket = []byte("blocks")
	txsBucket    = []byte("txs")
	metaBucket   = []byte("meta")
	stateBucket  = []byte("state")

	indexKey      = []byte("index")
	checkpointKey = []byte("checkpoint")
	snapshotKey   = []byte("snapshot")
)

const DefaultCheckpointEvery = 100

// Options configures a ledger store.
type Options struct {
	// Keys is the writer's signing identity. Required for Append; a
	// follower that only ingests remote blocks can omit it.
	Keys *canonical.KeyPair

	// CheckpointEvery is the block interval between integrity checkpoints.
	CheckpointEvery uint64

	Logger *slog.Logger
	Alerts *alert.Manager
}

// Store is the persistence and sequencing authority for the ledger. It is
// the single writer: all seq/height assignment happens inside its mutex, and
// every append persists block, tx index, cursor and state snapshot in one
// bolt transaction so a crash can never leave the trio out of step.
type Store struct {
	db              *bolt.DB
	keys            *canonical.KeyPair
	checkpointEvery uint64
	logger          *slog.Logger
	alerts          *alert.Manager

	mu    sync.Mutex
	index Index
	state *State
}

// Open opens (or creates) a ledger store at path. If the state snapshot is
// missing but blocks exist, the full history is replayed to rebuild it.
func Open(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{blocksBucket, txsBucket, metaBucket, stateBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if opts.CheckpointEvery == 0 {
		opts.CheckpointEvery = DefaultCheckpointEvery
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		db:              db,
		keys:            opts.Keys,
		checkpointEvery: opts.CheckpointEvery,
		logger:          opts.Logger,
		alerts:          opts.Alerts,
	}

	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) load() error {
	s.index = Index{LastHash: GenesisHash}
	s.state = NewState()

	var snapshot []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(metaBucket).Get(indexKey); data != nil {
			if err := json.Unmarshal(data, &s.index); err != nil {
				return fmt.Errorf("failed to parse ledger index: %w", err)
			}
		}
		if data := tx.Bucket(stateBucket).Get(snapshotKey); data != nil {
			snapshot = make([]byte, len(data))
			copy(snapshot, data)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if snapshot != nil {
		if err := json.Unmarshal(snapshot, s.state); err != nil {
			return fmt.Errorf("failed to parse state snapshot: %w", err)
		}
		if s.state.Tables == nil {
			s.state.Tables = make(map[string]map[string]Row)
		}
		return nil
	}

	if s.index.LastHeight == 0 {
		return nil
	}

	// Snapshot lost but blocks survive: replay the whole history.
	s.logger.Warn("state snapshot missing, replaying ledger",
		"last_height", s.index.LastHeight)

	return s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(blocksBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var block Block
			if err := json.Unmarshal(v, &block); err != nil {
				return fmt.Errorf("failed to parse block %d: %w", u64(k), err)
			}
			s.state.ApplyAll(block.Txs)
		}
		return nil
	})
}

// Index returns the current durable cursor.
func (s *Store) Index() Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// StateHashes computes the integrity hashes of the current reduced state.
func (s *Store) StateHashes() (string, map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Hashes()
}

// StateRow returns the current snapshot of one row, or nil if the ledger has
// never seen it.
func (s *Store) StateRow(table, rowID string) Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Tables[table][rowID]
}

// signTxs assigns sequence numbers from the ledger cursor and signs each
// payload. Callers must hold s.mu: a stale read of lastSeq would mint
// duplicate sequence numbers.
func (s *Store) signTxs(payloads []canonical.Payload) ([]SignedTx, error) {
	if s.keys == nil {
		return nil, fmt.Errorf("ledger store has no signing key")
	}

	pubHex := s.keys.PublicHex()
	txs := make([]SignedTx, len(payloads))
	for i, p := range payloads {
		txID, err := canonical.HashPayload(p)
		if err != nil {
			return nil, err
		}
		sig, err := canonical.Sign(p, s.keys.Private)
		if err != nil {
			return nil, err
		}
		txs[i] = SignedTx{
			Payload:   p,
			Seq:       s.index.LastSeq + uint64(i) + 1,
			TxID:      txID,
			Signature: sig,
			PublicKey: pubHex,
		}
	}
	return txs, nil
}

// Append is the local-writer path: sign the payloads, seal them into the
// next block and commit block, txs, cursor and state snapshot atomically.
func (s *Store) Append(payloads []canonical.Payload) (*Block, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("cannot append an empty block")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txs, err := s.signTxs(payloads)
	if err != nil {
		return nil, err
	}

	block := &Block{
		Height:    s.index.LastHeight + 1,
		PrevHash:  s.index.LastHash,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Txs:       txs,
	}
	block.Hash = canonical.HashBlock(block.PrevHash, block.CreatedAt, block.TxIDs())

	return block, s.commitLocked(block)
}

// AppendRemote is the follower path. The block is verified before anything
// is mutated: height continuity, hash-chain linkage, recomputed block hash
// and every transaction signature. Application is all-or-nothing.
func (s *Store) AppendRemote(block *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block.Height != s.index.LastHeight+1 {
		return fmt.Errorf("%w: got height %d, expected %d",
			ErrOutOfOrder, block.Height, s.index.LastHeight+1)
	}

	if block.PrevHash != s.index.LastHash {
		s.alertTamper(block.Height, "prev_hash does not match chain head")
		return fmt.Errorf("%w: prev_hash %s does not match chain head %s",
			ErrBlockHashMismatch, block.PrevHash, s.index.LastHash)
	}

	expected := canonical.HashBlock(block.PrevHash, block.CreatedAt, block.TxIDs())
	if expected != block.Hash {
		s.alertTamper(block.Height, "recomputed block hash mismatch")
		return fmt.Errorf("%w: recomputed %s, stored %s",
			ErrBlockHashMismatch, expected, block.Hash)
	}

	if !VerifyTxs(block.Txs) {
		s.alertTamper(block.Height, "transaction signature verification failed")
		return fmt.Errorf("%w: block %d", ErrTxSignatureInvalid, block.Height)
	}

	for _, tx := range block.Txs {
		if tx.Seq <= s.index.LastSeq {
			return fmt.Errorf("%w: tx seq %d not beyond cursor %d",
				ErrOutOfOrder, tx.Seq, s.index.LastSeq)
		}
		if !KnownTable(tx.Table) {
			return fmt.Errorf("block %d: unknown table %s", block.Height, tx.Table)
		}
	}

	return s.commitLocked(block)
}

// commitLocked persists a verified block and folds it into the state. The
// in-memory cursor and state are replaced only after the bolt transaction
// commits, so an I/O failure leaves the previous consistent state intact.
func (s *Store) commitLocked(block *Block) error {
	next := s.state.Clone()
	next.ApplyAll(block.Txs)

	index := s.index
	index.LastHeight = block.Height
	index.LastHash = block.Hash
	for _, tx := range block.Txs {
		if tx.Seq > index.LastSeq {
			index.LastSeq = tx.Seq
		}
	}

	blockData, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	indexData, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	snapshotData, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal state snapshot: %w", err)
	}

	// Checkpoints ride in the same transaction as the block, so an error
	// returned from an append always means nothing was committed.
	var cp *Checkpoint
	var checkpointData []byte
	if block.Height%s.checkpointEvery == 0 {
		stateHash, tableHashes, err := next.Hashes()
		if err != nil {
			return err
		}
		cp = &Checkpoint{
			Height:      block.Height,
			Seq:         index.LastSeq,
			StateHash:   stateHash,
			TableHashes: tableHashes,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		}
		checkpointData, err = json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
	}

	err = s.db.Update(func(btx *bolt.Tx) error {
		if err := btx.Bucket(blocksBucket).Put(u64key(block.Height), blockData); err != nil {
			return fmt.Errorf("failed to store block: %w", err)
		}
		for _, tx := range block.Txs {
			txData, err := json.Marshal(tx)
			if err != nil {
				return fmt.Errorf("failed to marshal tx: %w", err)
			}
			if err := btx.Bucket(txsBucket).Put(u64key(tx.Seq), txData); err != nil {
				return fmt.Errorf("failed to store tx: %w", err)
			}
		}
		if err := btx.Bucket(metaBucket).Put(indexKey, indexData); err != nil {
			return fmt.Errorf("failed to store index: %w", err)
		}
		if checkpointData != nil {
			if err := btx.Bucket(metaBucket).Put(checkpointKey, checkpointData); err != nil {
				return fmt.Errorf("failed to store checkpoint: %w", err)
			}
		}
		return btx.Bucket(stateBucket).Put(snapshotKey, snapshotData)
	})
	if err != nil {
		return err
	}

	s.index = index
	s.state = next

	if cp != nil {
		s.logger.Info("checkpoint written",
			"height", cp.Height, "seq", cp.Seq, "state_hash", cp.StateHash)
	}

	return nil
}

// VerifyTxs re-derives each transaction's content hash and verifies its
// signature against the embedded public key.
func VerifyTxs(txs []SignedTx) bool {
	for _, tx := range txs {
		txID, err := canonical.HashPayload(tx.Payload)
		if err != nil || txID != tx.TxID {
			return false
		}
		if !canonical.Verify(tx.Payload, tx.Signature, tx.PublicKey) {
			return false
		}
	}
	return true
}

// GetBlock returns the block at height, or nil if it does not exist.
func (s *Store) GetBlock(height uint64) (*Block, error) {
	var block *Block
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(blocksBucket).Get(u64key(height))
		if data == nil {
			return nil
		}
		block = &Block{}
		return json.Unmarshal(data, block)
	})
	return block, err
}

// ListBlocksSince returns up to limit blocks with height > height, in
// ascending order. This is the follower catch-up scan.
func (s *Store) ListBlocksSince(height uint64, limit int) ([]Block, error) {
	blocks := make([]Block, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(blocksBucket).Cursor()
		for k, v := cursor.Seek(u64key(height + 1)); k != nil && len(blocks) < limit; k, v = cursor.Next() {
			var block Block
			if err := json.Unmarshal(v, &block); err != nil {
				return fmt.Errorf("failed to parse block %d: %w", u64(k), err)
			}
			blocks = append(blocks, block)
		}
		return nil
	})
	return blocks, err
}

// ListTxsSince returns up to limit signed transactions with seq > seq, in
// ascending order. This is the client pull scan.
func (s *Store) ListTxsSince(seq uint64, limit int) ([]SignedTx, error) {
	txs := make([]SignedTx, 0, limit)
	err := s.db.View(func(btx *bolt.Tx) error {
		cursor := btx.Bucket(txsBucket).Cursor()
		for k, v := cursor.Seek(u64key(seq + 1)); k != nil && len(txs) < limit; k, v = cursor.Next() {
			var tx SignedTx
			if err := json.Unmarshal(v, &tx); err != nil {
				return fmt.Errorf("failed to parse tx %d: %w", u64(k), err)
			}
			txs = append(txs, tx)
		}
		return nil
	})
	return txs, err
}

// BuildCheckpoint computes and persists an integrity checkpoint from the
// current state.
func (s *Store) BuildCheckpoint() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildCheckpointLocked()
}

func (s *Store) buildCheckpointLocked() (*Checkpoint, error) {
	stateHash, tableHashes, err := s.state.Hashes()
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		Height:      s.index.LastHeight,
		Seq:         s.index.LastSeq,
		StateHash:   stateHash,
		TableHashes: tableHashes,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(checkpointKey, data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store checkpoint: %w", err)
	}

	s.logger.Info("checkpoint written",
		"height", cp.Height, "seq", cp.Seq, "state_hash", cp.StateHash)
	return cp, nil
}

// LoadCheckpoint returns the latest checkpoint, or nil if none was written.
func (s *Store) LoadCheckpoint() (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metaBucket).Get(checkpointKey)
		if data == nil {
			return nil
		}
		cp = &Checkpoint{}
		return json.Unmarshal(data, cp)
	})
	return cp, err
}

// VerifyChain walks every persisted block, re-deriving the hash chain,
// transaction hashes and signatures, then replays the whole history and
// compares the result against the live state. Any divergence means the data
// at rest was modified outside the write path.
func (s *Store) VerifyChain() error {
	s.mu.Lock()
	index := s.index
	liveHash, _, err := s.state.Hashes()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	prevHash := GenesisHash
	lastSeq := uint64(0)
	replayed := NewState()

	for height := uint64(1); height <= index.LastHeight; height++ {
		block, err := s.GetBlock(height)
		if err != nil {
			return err
		}
		if block == nil {
			return &TamperingError{Height: height, Detail: "block missing"}
		}
		if block.Height != height {
			return &TamperingError{Height: height, Detail: "stored under wrong height"}
		}
		if block.PrevHash != prevHash {
			return &TamperingError{Height: height, Detail: "hash chain broken"}
		}
		if canonical.HashBlock(block.PrevHash, block.CreatedAt, block.TxIDs()) != block.Hash {
			return &TamperingError{Height: height, Detail: "block hash mismatch"}
		}
		if !VerifyTxs(block.Txs) {
			return &TamperingError{Height: height, Detail: "transaction signature invalid"}
		}
		for _, tx := range block.Txs {
			if tx.Seq <= lastSeq {
				return &TamperingError{Height: height, Detail: "sequence numbers not increasing"}
			}
			lastSeq = tx.Seq
		}
		replayed.ApplyAll(block.Txs)
		prevHash = block.Hash
	}

	if prevHash != index.LastHash {
		return &TamperingError{Height: index.LastHeight, Detail: "chain head does not match index"}
	}

	replayedHash, _, err := replayed.Hashes()
	if err != nil {
		return err
	}
	if replayedHash != liveHash {
		return &TamperingError{Height: index.LastHeight, Detail: "replayed state diverges from snapshot"}
	}

	return nil
}

func (s *Store) alertTamper(height uint64, detail string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.SendTamperAlert(height, detail); err != nil {
		s.logger.Error("failed to send tamper alert", "error", err)
	}
}

func u64key(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}

func u64(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
