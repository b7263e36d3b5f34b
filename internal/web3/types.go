package web3

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReceiptTimeout indicates the bounded wait for a receipt elapsed. The
	// transaction may still be mined later.
	ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")
	// ErrReverted indicates the transaction was mined with a failed status.
	ErrReverted = errors.New("transaction reverted")
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Receipt is the finality outcome of one submitted transaction.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// Caller performs read-only contract access.
type Caller interface {
	CallView(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
}

// Transactor submits transactions from the single settlement account and
// waits for their receipts. Implementations serialize submissions.
type Transactor interface {
	Address() common.Address
	// Submit returns the receipt once mined. On ErrReceiptTimeout or
	// ErrReverted the returned receipt still carries the transaction hash.
	Submit(ctx context.Context, to common.Address, data []byte, value *big.Int) (*Receipt, error)
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	Caller
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
