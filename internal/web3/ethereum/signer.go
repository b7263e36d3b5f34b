package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"iao-settlement/internal/web3"
	"iao-settlement/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer owns the settlement account. Every transaction goes through Submit,
// which holds a mutex from nonce lookup until the receipt arrives, so nonces
// are used strictly in order and at most one transaction is in flight.
type Signer struct {
	mu             sync.Mutex
	backend        Backend
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	receiptTimeout time.Duration
	pollInterval   time.Duration
	gasBufferPct   uint64
	log            *slog.Logger
}

// SignerOption 定义可选配置。
type SignerOption func(*Signer)

// WithReceiptTimeout bounds the wait for each receipt.
func WithReceiptTimeout(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.receiptTimeout = d
		}
	}
}

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithGasBuffer adds pct percent on top of the estimated gas limit.
func WithGasBuffer(pct uint64) SignerOption {
	return func(s *Signer) {
		s.gasBufferPct = pct
	}
}

// ParsePrivateKey decodes a hex encoded secp256k1 key with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("签名私钥为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return key, nil
}

// NewSigner resolves the chain id and returns a signer bound to backend.
func NewSigner(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, opts ...SignerOption) (*Signer, error) {
	if backend == nil || key == nil {
		return nil, errors.New("签名器缺少后端或私钥")
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	s := &Signer{
		backend:        backend,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        chainID,
		receiptTimeout: 2 * time.Minute,
		pollInterval:   time.Second,
		gasBufferPct:   20,
		log:            logger.Named("signer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Address returns the signing account.
func (s *Signer) Address() common.Address {
	return s.from
}

// Submit signs and sends a dynamic fee transaction, then blocks until the
// receipt is available or the receipt timeout elapses.
func (s *Signer) Submit(ctx context.Context, to common.Address, data []byte, value *big.Int) (*web3.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value == nil {
		value = new(big.Int)
	}
	signed, err := s.buildTransaction(ctx, to, data, value)
	if err != nil {
		return nil, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("发送交易失败: %w", err)
	}
	hash := signed.Hash()
	s.log.Info("交易已提交",
		slog.String("tx_hash", hash.Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", signed.Nonce()),
	)

	receipt, err := s.waitForReceipt(ctx, hash)
	if err != nil {
		return &web3.Receipt{TxHash: hash.Hex()}, err
	}
	out := &web3.Receipt{
		TxHash:      hash.Hex(),
		Success:     receipt.Status == coretypes.ReceiptStatusSuccessful,
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	if !out.Success {
		return out, web3.ErrReverted
	}
	return out, nil
}

func (s *Signer) buildTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (*coretypes.Transaction, error) {
	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	gasTipCap, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询小费失败: %w", err)
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if head.BaseFee != nil {
		gasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), gasTipCap)
	}
	gas, err := s.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:  s.from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("估算 gas 失败: %w", err)
	}
	gas += gas * s.gasBufferPct / 100

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}

func (s *Signer) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) && ctx.Err() == nil {
			s.log.Warn("查询交易回执失败", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w after %s: %s", web3.ErrReceiptTimeout, s.receiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

var _ web3.Transactor = (*Signer)(nil)
