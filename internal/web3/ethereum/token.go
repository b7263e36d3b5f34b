package ethereum

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"

	"iao-settlement/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// TokenABI covers the ERC20 surface plus the locking transfer and burn
// extensions exposed by offering tokens.
const TokenABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferAndLock","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"unlockTime","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

var tokenABI = mustParseABI(TokenABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// Token reads and encodes calls for token contracts.
type Token struct {
	caller web3.Caller
}

// NewToken binds token helpers to a read-only caller.
func NewToken(caller web3.Caller) *Token {
	return &Token{caller: caller}
}

// BalanceOf returns holder's balance in the token's smallest unit.
func (t *Token) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	values, err := t.call(ctx, token, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return asBig(values, "balanceOf")
}

// Decimals returns the token's decimals().
func (t *Token) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	values, err := t.call(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	out, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals 返回值类型异常: %T", values[0])
	}
	return out, nil
}

// Allowance returns how much spender may move on behalf of owner.
func (t *Token) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	values, err := t.call(ctx, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return asBig(values, "allowance")
}

// Pack ABI-encodes a call to one of the token methods.
func (t *Token) Pack(method string, args ...any) ([]byte, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	return data, nil
}

// SupportsMethod reports whether the contract's dispatcher references the
// selector of method. The deployed bytecode is scanned for the selector pushed
// as an immediate, which is how the Solidity and Vyper dispatchers compare it.
func (t *Token) SupportsMethod(ctx context.Context, token common.Address, method string) (bool, error) {
	m, ok := tokenABI.Methods[method]
	if !ok {
		return false, fmt.Errorf("未知的方法: %s", method)
	}
	code, err := t.caller.CodeAt(ctx, token)
	if err != nil {
		return false, err
	}
	if len(code) == 0 {
		return false, fmt.Errorf("地址 %s 上没有合约代码", token.Hex())
	}
	return HasSelector(code, m.ID), nil
}

// HasSelector scans EVM bytecode for a PUSH4 of selector, or a PUSH3 when the
// selector's leading byte is zero.
func HasSelector(code, selector []byte) bool {
	if len(selector) != 4 {
		return false
	}
	needle := append([]byte{0x63}, selector...)
	if bytes.Contains(code, needle) {
		return true
	}
	if selector[0] == 0 {
		short := append([]byte{0x62}, selector[1:]...)
		return bytes.Contains(code, short)
	}
	return false
}

func (t *Token) call(ctx context.Context, token common.Address, method string, args ...any) ([]any, error) {
	data, err := t.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := t.caller.CallView(ctx, token, data)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s 调用返回空结果: %s", method, token.Hex())
	}
	values, err := tokenABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s 没有返回值", method)
	}
	return values, nil
}

func asBig(values []any, method string) (*big.Int, error) {
	out, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常: %T", method, values[0])
	}
	return out, nil
}
