package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Block mirrors the ledger's stored block layout. This tool corrupts a
// transaction inside a committed block without re-signing it, so that
// `mdsync verify` has something to detect.
type Block struct {
	Height    uint64           `json:"height"`
	PrevHash  string           `json:"prev_hash"`
	CreatedAt string           `json:"created_at"`
	Txs       []map[string]any `json:"txs"`
	Hash      string           `json:"hash"`
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <ledger-db-path> <height>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool corrupts the first transaction of the block at the given height\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	height, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid height: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Opening ledger: %s\n", dbPath)
	fmt.Printf("Target block height: %d\n", height)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ledger database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("blocks"))
		if bucket == nil {
			return fmt.Errorf("bucket not found: blocks")
		}

		data := bucket.Get(key)
		if data == nil {
			return fmt.Errorf("no block at height %d", height)
		}

		var block Block
		if err := json.Unmarshal(data, &block); err != nil {
			return fmt.Errorf("failed to parse block: %w", err)
		}
		if len(block.Txs) == 0 {
			return fmt.Errorf("block %d has no transactions", height)
		}

		txID, _ := block.Txs[0]["tx_id"].(string)
		fmt.Printf("Found block %d with %d transactions\n", height, len(block.Txs))
		if len(txID) >= 16 {
			fmt.Printf("  Target tx: %s...\n", txID[:16])
		}

		// Mutate the first tx's row without re-signing it.
		row, _ := block.Txs[0]["row"].(map[string]any)
		if row == nil {
			row = make(map[string]any)
		}
		row["tampered"] = true
		block.Txs[0]["row"] = row

		corrupted, err := json.Marshal(&block)
		if err != nil {
			return fmt.Errorf("failed to marshal corrupted block: %w", err)
		}

		if err := bucket.Put(key, corrupted); err != nil {
			return fmt.Errorf("failed to save corrupted block: %w", err)
		}

		fmt.Println("✓ Successfully corrupted block transaction")
		return nil
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Ledger tampering completed")
}
