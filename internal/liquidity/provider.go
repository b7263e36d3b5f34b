// Package liquidity adds the liquidity allocation to an AMM pool through an
// on-chain liquidity manager contract.
package liquidity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"iao-settlement/internal/web3"
	"iao-settlement/internal/web3/ethereum"
	"iao-settlement/pkg/logger"
)

// ManagerABI is the liquidity manager entry point. The manager pulls amount of
// token from the caller and pairs it with the quote asset it holds.
const ManagerABI = `[
  {"type":"function","name":"addLiquidity","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// FactoryABI resolves the pool for a token pair.
const FactoryABI = `[
  {"type":"function","name":"getPair","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"outputs":[{"name":"pair","type":"address"}]}
]`

var (
	managerABI = mustParse(ManagerABI)
	factoryABI = mustParse(FactoryABI)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Request 描述一次添加流动性的请求。
type Request struct {
	AgentID string
	Token   common.Address
	Amount  *big.Int
}

// Result 是流动性协作方的返回。PoolAddress 为空不代表失败，只有 Success 有判定意义。
type Result struct {
	Success     bool
	TxHash      string
	PoolAddress *string
	Error       string
}

// Provider 是流动性协作方。
type Provider interface {
	AddLiquidity(ctx context.Context, req Request) Result
	PoolAddress(ctx context.Context, token common.Address) (*string, error)
}

// Config 描述链上合约地址。
type Config struct {
	Manager    common.Address
	Factory    common.Address
	QuoteToken common.Address
}

// ContractProvider 通过流动性管理合约添加流动性。
type ContractProvider struct {
	tx     web3.Transactor
	caller web3.Caller
	token  *ethereum.Token
	cfg    Config
	log    *slog.Logger
}

// NewContractProvider 创建 ContractProvider。
func NewContractProvider(tx web3.Transactor, caller web3.Caller, cfg Config) (*ContractProvider, error) {
	if cfg.Manager == (common.Address{}) {
		return nil, errors.New("未配置流动性管理合约地址")
	}
	return &ContractProvider{
		tx:     tx,
		caller: caller,
		token:  ethereum.NewToken(caller),
		cfg:    cfg,
		log:    logger.Named("liquidity"),
	}, nil
}

// AddLiquidity 授权管理合约并调用 addLiquidity，随后尝试解析池地址。
func (p *ContractProvider) AddLiquidity(ctx context.Context, req Request) Result {
	log := p.log.With(slog.String("agent_id", req.AgentID), slog.String("token", req.Token.Hex()))
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Result{Error: "liquidity amount must be positive"}
	}

	allowance, err := p.token.Allowance(ctx, req.Token, p.tx.Address(), p.cfg.Manager)
	if err != nil {
		return Result{Error: fmt.Sprintf("read allowance: %v", err)}
	}
	if allowance.Cmp(req.Amount) < 0 {
		data, err := p.token.Pack("approve", p.cfg.Manager, req.Amount)
		if err != nil {
			return Result{Error: err.Error()}
		}
		receipt, err := p.tx.Submit(ctx, req.Token, data, nil)
		if err != nil {
			return Result{TxHash: hashOf(receipt), Error: fmt.Sprintf("approve liquidity manager: %v", err)}
		}
		log.Info("已授权流动性管理合约", slog.String("tx_hash", receipt.TxHash))
	}

	data, err := managerABI.Pack("addLiquidity", req.Token, req.Amount)
	if err != nil {
		return Result{Error: err.Error()}
	}
	receipt, err := p.tx.Submit(ctx, p.cfg.Manager, data, nil)
	if err != nil {
		return Result{TxHash: hashOf(receipt), Error: fmt.Sprintf("add liquidity: %v", err)}
	}

	result := Result{Success: true, TxHash: receipt.TxHash}
	pool, err := p.PoolAddress(ctx, req.Token)
	if err != nil {
		log.Warn("解析流动性池地址失败", slog.Any("error", err), slog.String("tx_hash", receipt.TxHash))
	}
	result.PoolAddress = pool
	return result
}

// PoolAddress 通过工厂合约查询 (token, quote) 交易对地址；未创建或未配置工厂时返回 nil。
func (p *ContractProvider) PoolAddress(ctx context.Context, token common.Address) (*string, error) {
	if p.cfg.Factory == (common.Address{}) || p.cfg.QuoteToken == (common.Address{}) {
		return nil, nil
	}
	data, err := factoryABI.Pack("getPair", token, p.cfg.QuoteToken)
	if err != nil {
		return nil, err
	}
	raw, err := p.caller.CallView(ctx, p.cfg.Factory, data)
	if err != nil {
		return nil, err
	}
	values, err := factoryABI.Unpack("getPair", raw)
	if err != nil || len(values) == 0 {
		return nil, fmt.Errorf("decode getPair: %v", err)
	}
	pair, ok := values[0].(common.Address)
	if !ok || pair == (common.Address{}) {
		return nil, nil
	}
	addr := pair.Hex()
	return &addr, nil
}

func hashOf(r *web3.Receipt) string {
	if r == nil {
		return ""
	}
	return r.TxHash
}

var _ Provider = (*ContractProvider)(nil)
