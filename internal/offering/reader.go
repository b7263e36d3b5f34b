// Package offering reads the crowdfunding contract that sold the offering
// share of the supply. It is read-only: the contract settles its own pool.
package offering

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "iao-settlement/internal/errors"
	"iao-settlement/internal/web3"
)

// ABI is the view surface of the offering contract used by the settlement.
const ABI = `[
  {"type":"function","name":"totalDepositedAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"depositToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"isSuccess","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

var offeringABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Reader 读取募集合约状态。
type Reader struct {
	caller web3.Caller
}

// NewReader 创建 Reader。
func NewReader(caller web3.Caller) *Reader {
	return &Reader{caller: caller}
}

// RaisedAmount 返回募集合约累计收到的资产数量（最小单位）。
func (r *Reader) RaisedAmount(ctx context.Context, offeringAddress string) (*big.Int, error) {
	values, err := r.call(ctx, offeringAddress, "totalDepositedAmount")
	if err != nil {
		return nil, err
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("totalDepositedAmount 返回值类型异常: %T", values[0])
	}
	return amount, nil
}

// DepositToken 返回募集资产的合约地址，RaisedAmount 以该资产的最小单位计。
func (r *Reader) DepositToken(ctx context.Context, offeringAddress string) (string, error) {
	values, err := r.call(ctx, offeringAddress, "depositToken")
	if err != nil {
		return "", err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("depositToken 返回值类型异常: %T", values[0])
	}
	return addr.Hex(), nil
}

// Succeeded 判断募集是否已成功结束。
func (r *Reader) Succeeded(ctx context.Context, offeringAddress string) (bool, error) {
	values, err := r.call(ctx, offeringAddress, "isSuccess")
	if err != nil {
		return false, err
	}
	ok, _ := values[0].(bool)
	return ok, nil
}

func (r *Reader) call(ctx context.Context, offeringAddress, method string) ([]any, error) {
	if !common.IsHexAddress(offeringAddress) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "募集合约地址无效: "+offeringAddress)
	}
	data, err := offeringABI.Pack(method)
	if err != nil {
		return nil, err
	}
	raw, err := r.caller.CallView(ctx, common.HexToAddress(offeringAddress), data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取募集合约失败")
	}
	values, err := offeringABI.Unpack(method, raw)
	if err != nil || len(values) == 0 {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, fmt.Errorf("decode %s: %v", method, err), "募集合约返回值无效")
	}
	return values, nil
}
