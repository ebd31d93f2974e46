package relational

import (
	"context"
	"fmt"
)

// LogEntry is one row of the query index: the sequence-ordered projection of
// accepted transactions that clients page through when catching up.
type LogEntry struct {
	ServerSeq uint64 `json:"serverSeq"`
	Table     string `json:"table"`
	RowID     string `json:"rowId"`
	Op        string `json:"op"`
	Payload   string `json:"payloadJson"`
	CreatedAt string `json:"createdAt"`
}

// AppendLog projects one accepted transaction into the query index. The
// insert ignores an already-present server_seq, so retried projections are
// no-ops.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	query := `INSERT INTO sync_log (server_seq, table_name, row_id, op, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_seq) DO NOTHING`
	_, err := s.db.ExecContext(ctx, s.dialect.bind(query),
		int64(e.ServerSeq), e.Table, e.RowID, e.Op, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append to sync_log: %w", err)
	}
	return nil
}

// ListLogSince returns up to limit entries with server_seq > cursor, in
// ascending order. This is the pull-side wire contract.
func (s *Store) ListLogSince(ctx context.Context, cursor uint64, limit int) ([]LogEntry, error) {
	query := `SELECT server_seq, table_name, row_id, op, payload, created_at
		FROM sync_log WHERE server_seq > ? ORDER BY server_seq ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(query), int64(cursor), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync_log: %w", err)
	}
	defer rows.Close()

	entries := make([]LogEntry, 0, limit)
	for rows.Next() {
		var e LogEntry
		var seq int64
		if err := rows.Scan(&seq, &e.Table, &e.RowID, &e.Op, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync_log row: %w", err)
		}
		e.ServerSeq = uint64(seq)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogCount returns the number of projected transactions.
func (s *Store) LogCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync_log: %w", err)
	}
	return n, nil
}
