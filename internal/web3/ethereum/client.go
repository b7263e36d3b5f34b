package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"iao-settlement/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID uint64
	Notes   string
}

// Backend is the subset of the JSON-RPC surface the settlement engine uses.
// *ethclient.Client and the go-ethereum simulated client both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name    string
	notes   string
	backend Backend
	closer  func()
	mu      sync.Mutex
}

// NewClient dials the configured RPC endpoint and verifies the chain id when
// one is configured.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	if cfg.ChainID != 0 {
		id, err := eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		if id.Uint64() != cfg.ChainID {
			eth.Close()
			return nil, fmt.Errorf("链 ID 不匹配: 配置 %d, 节点 %s", cfg.ChainID, id)
		}
	}

	return &Client{name: cfg.Name, notes: cfg.Notes, backend: eth, closer: eth.Close}, nil
}

// NewClientWithBackend wraps an existing backend, typically a simulated chain
// in tests.
func NewClientWithBackend(name string, backend Backend) *Client {
	return &Client{name: name, backend: backend, notes: "custom backend"}
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Backend exposes the underlying RPC backend for signer construction.
func (c *Client) Backend() Backend {
	return c.backend
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// CallView executes a read-only contract call against the latest block.
func (c *Client) CallView(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("合约调用失败: %w", err)
	}
	return out, nil
}

// CodeAt returns the deployed bytecode at account.
func (c *Client) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	code, err := c.backend.CodeAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("读取合约代码失败: %w", err)
	}
	return code, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
