package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Actor identifies who submitted a transaction.
type Actor struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Payload is the unit that gets signed and ordered. The signature and any
// ledger-assigned fields are deliberately not part of it.
type Payload struct {
	Type  string         `json:"type"` // "upsert" or "delete"
	Table string         `json:"table"`
	Row   map[string]any `json:"row,omitempty"` // nil for deletes
	RowID string         `json:"row_id,omitempty"`
	Actor Actor          `json:"actor"`
	TS    string         `json:"ts"` // RFC3339Nano, UTC
}

// Canonicalize produces the deterministic byte form of a payload. The payload
// is lowered to a map before marshaling so that encoding/json's sorted-key
// output applies at every level; field order in the source struct never
// matters.
func Canonicalize(p Payload) ([]byte, error) {
	m := map[string]any{
		"type":  p.Type,
		"table": p.Table,
		"actor": map[string]any{
			"userId":   p.Actor.UserID,
			"username": p.Actor.Username,
			"role":     p.Actor.Role,
		},
		"ts": p.TS,
	}
	if p.Row != nil {
		m["row"] = p.Row
	}
	if p.RowID != "" {
		m["row_id"] = p.RowID
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return data, nil
}

// HashPayload returns the transaction's content identifier: the sha256 of the
// canonical bytes. Identical payloads always hash to the same tx id, which is
// what makes retry de-duplication possible.
func HashPayload(p Payload) (string, error) {
	data, err := Canonicalize(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBlock chains a block onto its predecessor.
func HashBlock(prevHash, createdAt string, txIDs []string) string {
	return HashString(prevHash + "|" + createdAt + "|" + strings.Join(txIDs, ","))
}

// HashJSON hashes an arbitrary value through its JSON form. Map keys are
// sorted by the encoder, so the result is iteration-order independent.
func HashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func HashString(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
