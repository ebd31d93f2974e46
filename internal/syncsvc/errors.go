package syncsvc

import "errors"

// Validation errors reject the whole batch before any durable write. The
// HTTP layer maps them to client errors; everything behind them is untouched.
var (
	ErrInvalidTable = errors.New("sync_invalid_table")
	ErrInvalidTxRow = errors.New("sync_invalid_tx_row")
	ErrInvalidRow   = errors.New("sync_invalid_row")
)
