// Package web3test provides an in-memory chain that implements web3.Caller
// and web3.Transactor for tests.
package web3test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"iao-settlement/internal/web3"
)

// Submission records one call to Submit.
type Submission struct {
	To     common.Address
	Method string
	Args   []any
	Data   []byte
	Value  *big.Int
}

// ViewFunc answers a read-only call.
type ViewFunc func(to common.Address, args []any) ([]any, error)

// SubmitFunc decides the outcome of a submission. Returning a nil receipt
// makes the chain generate a successful one.
type SubmitFunc func(s Submission) (*web3.Receipt, error)

// Chain is a scripted chain keyed by ABI method name.
type Chain struct {
	mu      sync.Mutex
	abis    []abi.ABI
	views   map[string]ViewFunc
	code    map[common.Address][]byte
	from    common.Address
	nonce   uint64
	OnSend  SubmitFunc
	History []Submission
}

// NewChain creates a Chain that can decode calls for the given ABIs.
func NewChain(from common.Address, abis ...abi.ABI) *Chain {
	return &Chain{
		abis:  abis,
		views: make(map[string]ViewFunc),
		code:  make(map[common.Address][]byte),
		from:  from,
	}
}

// HandleView registers the answer for a view method.
func (c *Chain) HandleView(method string, fn ViewFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[method] = fn
}

// SetCode sets the bytecode returned by CodeAt.
func (c *Chain) SetCode(addr common.Address, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[addr] = code
}

// Submissions returns a copy of every submission so far.
func (c *Chain) Submissions() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Submission(nil), c.History...)
}

// Methods returns the method names submitted, in order.
func (c *Chain) Methods() []string {
	subs := c.Submissions()
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.Method
	}
	return out
}

// Address implements web3.Transactor.
func (c *Chain) Address() common.Address {
	return c.from
}

// CallView implements web3.Caller.
func (c *Chain) CallView(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	method, args, err := c.decode(data)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	fn, ok := c.views[method.Name]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execution reverted: no handler for %s", method.Name)
	}
	values, err := fn(to, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(values...)
}

// CodeAt implements web3.Caller.
func (c *Chain) CodeAt(_ context.Context, account common.Address) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[account], nil
}

// Submit implements web3.Transactor.
func (c *Chain) Submit(_ context.Context, to common.Address, data []byte, value *big.Int) (*web3.Receipt, error) {
	sub := Submission{To: to, Data: data, Value: value}
	if len(data) >= 4 {
		if method, args, err := c.decode(data); err == nil {
			sub.Method = method.Name
			sub.Args = args
		}
	}
	c.mu.Lock()
	c.History = append(c.History, sub)
	c.nonce++
	block := c.nonce
	hash := crypto.Keccak256Hash(data, new(big.Int).SetUint64(block).Bytes()).Hex()
	onSend := c.OnSend
	c.mu.Unlock()

	if onSend != nil {
		receipt, err := onSend(sub)
		if receipt != nil && receipt.TxHash == "" {
			receipt.TxHash = hash
		}
		if receipt == nil && err != nil {
			return nil, err
		}
		if receipt == nil {
			receipt = &web3.Receipt{TxHash: hash, Success: true, BlockNumber: block}
		}
		return receipt, err
	}
	return &web3.Receipt{TxHash: hash, Success: true, BlockNumber: block}, nil
}

func (c *Chain) decode(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("calldata too short")
	}
	for _, a := range c.abis {
		method, err := a.MethodById(data[:4])
		if err != nil {
			continue
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, nil, err
		}
		return method, args, nil
	}
	return nil, nil, fmt.Errorf("unknown selector %x", data[:4])
}

var (
	_ web3.Caller     = (*Chain)(nil)
	_ web3.Transactor = (*Chain)(nil)
)

// MustParseABI parses an ABI JSON document or panics.
func MustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
