package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrAnchorNotFound is returned by ReadAnchor when the key was never anchored.
var ErrAnchorNotFound = errors.New("anchor not found")

// NetworkError is a transport failure talking to the ledger. It is transient.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ledger %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(err error) bool {
	_, ok := err.(*NetworkError)
	return ok
}

// LedgerUnavailableError means account state could not be read, so no
// sequence number or fee could be determined. It is transient.
type LedgerUnavailableError struct {
	Err error
}

func (e *LedgerUnavailableError) Error() string {
	return fmt.Sprintf("ledger unavailable: %v", e.Err)
}

func (e *LedgerUnavailableError) Unwrap() error {
	return e.Err
}

func (e *LedgerUnavailableError) Is(err error) bool {
	_, ok := err.(*LedgerUnavailableError)
	return ok
}

// RejectedError means the network refused the transaction or call, or the
// transaction reverted. The same transaction must not be resubmitted as-is.
type RejectedError struct {
	TxHash common.Hash
	Reason string
	// SequenceTaken is set when the refusal says the sequence number is
	// already used by another transaction, so it must not be handed out again.
	SequenceTaken bool
}

func (e *RejectedError) Error() string {
	if e.TxHash == (common.Hash{}) {
		return fmt.Sprintf("rejected by network: %s", e.Reason)
	}
	return fmt.Sprintf("transaction %s rejected by network: %s", e.TxHash.Hex(), e.Reason)
}

func (e *RejectedError) Is(err error) bool {
	_, ok := err.(*RejectedError)
	return ok
}

// NotFinalizedError means finality was not observed in time. The outcome is
// unknown; the transaction can be re-queried by hash later.
type NotFinalizedError struct {
	TxHash common.Hash
	Err    error
}

func (e *NotFinalizedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transaction %s not finalized", e.TxHash.Hex())
	}
	return fmt.Sprintf("transaction %s not finalized: %v", e.TxHash.Hex(), e.Err)
}

func (e *NotFinalizedError) Unwrap() error {
	return e.Err
}

func (e *NotFinalizedError) Is(err error) bool {
	_, ok := err.(*NotFinalizedError)
	return ok
}
