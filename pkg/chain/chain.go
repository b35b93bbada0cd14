package chain

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
)

var (
	// ErrHistoryUnavailable is returned when the node no longer serves the
	// requested part of the ledger.
	ErrHistoryUnavailable = errors.New("history is not available from the node")
	ErrAccountNotFound    = errors.New("account not found")
	ErrTransactionMissing = errors.New("transaction not found")
)

// Instruction is one instruction of a transaction with its accounts
// resolved to addresses. Inner instructions follow the instruction that
// invoked them, so Index is the execution order within the transaction.
type Instruction struct {
	Index     int
	ProgramID string
	Accounts  []string
	Data      []byte
	Inner     bool
}

type Transaction struct {
	Signature    string
	Slot         uint64
	BlockTime    time.Time
	Failed       bool
	Instructions []Instruction
}

// InstructionsOf returns the instructions executed by program.
func (tx *Transaction) InstructionsOf(program string) []Instruction {
	var out []Instruction
	for _, ix := range tx.Instructions {
		if ix.ProgramID == program {
			out = append(out, ix)
		}
	}

	return out
}

type Account struct {
	Address  string
	Owner    string
	Lamports uint64
	Data     []byte
	Slot     uint64
}

// Client is the part of the RPC node the indexer depends on.
type Client interface {
	// GetSignatures lists signatures of program newest first, strictly older
	// than before and strictly newer than until. Empty bounds are open.
	GetSignatures(ctx context.Context, program, before, until string, limit int) ([]checkpoint.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
	GetAccount(ctx context.Context, address string) (*Account, error)
}
