package syncsvc

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mdsync/mdsync/internal/ledger"
)

type normalizedChange struct {
	table  string
	rowID  string
	row    map[string]any
	txType string
	ts     string
}

// normalizeChange validates one batch item against its table schema and
// fills in the timestamp bookkeeping clients routinely omit. It never
// mutates the caller's row.
func normalizeChange(c Change, schema TableSchema, now time.Time) (normalizedChange, error) {
	if c.Type != ledger.TxTypeUpsert && c.Type != ledger.TxTypeDelete {
		return normalizedChange{}, fmt.Errorf("%w: unknown change type %q", ErrInvalidTxRow, c.Type)
	}
	if c.Row == nil && c.Type != ledger.TxTypeDelete {
		return normalizedChange{}, fmt.Errorf("%w: %s", ErrInvalidTxRow, c.Table)
	}

	row := make(map[string]any, len(c.Row)+4)
	for k, v := range c.Row {
		row[k] = v
	}

	rowID := c.RowID
	if rowID == "" {
		rowID = str(row["id"])
	}
	if rowID == "" {
		return normalizedChange{}, fmt.Errorf("%w: %s: missing row id", ErrInvalidRow, c.Table)
	}
	row["id"] = rowID

	nowStr := now.UTC().Format(time.RFC3339Nano)
	createdAt := str(row["created_at"])
	updatedAt := str(row["updated_at"])
	if updatedAt == "" {
		if createdAt != "" {
			updatedAt = createdAt
		} else {
			updatedAt = nowStr
		}
	}
	if createdAt == "" {
		createdAt = updatedAt
	}
	row["created_at"] = createdAt
	row["updated_at"] = updatedAt

	// A change is a delete if the caller says so or the row already
	// carries a tombstone.
	txType := ledger.TxTypeUpsert
	deletedAt := str(row["deleted_at"])
	if c.Type == ledger.TxTypeDelete || deletedAt != "" {
		txType = ledger.TxTypeDelete
		if deletedAt == "" {
			deletedAt = updatedAt
		}
		row["deleted_at"] = deletedAt
	}

	if str(row["sync_status"]) == "" {
		row["sync_status"] = "synced"
	}

	if txType == ledger.TxTypeUpsert {
		for _, field := range schema.Required {
			if str(row[field]) == "" {
				return normalizedChange{}, fmt.Errorf("%w: %s: missing %s", ErrInvalidRow, c.Table, field)
			}
		}
	}

	return normalizedChange{
		table:  c.Table,
		rowID:  rowID,
		row:    row,
		txType: txType,
		ts:     updatedAt,
	}, nil
}

func str(v any) string {
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
