package ledger

import (
	"errors"
	"fmt"
)

// Integrity errors are only possible on remote/follower ingestion. A block
// failing any of them is rejected whole, never partially applied.
var (
	ErrOutOfOrder         = errors.New("ledger_out_of_order")
	ErrBlockHashMismatch  = errors.New("ledger_block_hash_mismatch")
	ErrTxSignatureInvalid = errors.New("ledger_tx_signature_invalid")
)

// TamperingError reports corruption found in blocks already at rest, as
// opposed to rejection of incoming blocks.
type TamperingError struct {
	Height uint64
	Detail string
}

func (e *TamperingError) Error() string {
	return fmt.Sprintf("TAMPERING DETECTED: block %d: %s", e.Height, e.Detail)
}

func IsTamperingError(err error) bool {
	var te *TamperingError
	return errors.As(err, &te)
}
