package distribution

import (
	"context"
	"math/big"
	"sort"

	xerrors "iao-settlement/internal/errors"
)

// BalanceGuard 在提交任何交易之前确认签名账户能覆盖全部待执行步骤。
type BalanceGuard struct {
	tokens TokenReader
}

// NewBalanceGuard 构造 BalanceGuard。
func NewBalanceGuard(tokens TokenReader) *BalanceGuard {
	return &BalanceGuard{tokens: tokens}
}

// EnsureAffordable 按资产汇总未完成步骤的金额并与余额比较。
// decimals 是分发代币的精度，其他资产的精度在报错时单独读取。
func (g *BalanceGuard) EnsureAffordable(ctx context.Context, steps []PlannedStep, completed StepSet, decimals int32) error {
	required := RequiredBalance(steps, completed)
	assets := make([]string, 0, len(required))
	for asset := range required {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	var primary string
	if len(steps) > 0 {
		primary = steps[0].Asset
	}
	for _, asset := range assets {
		need := required[asset]
		if need.Sign() == 0 {
			continue
		}
		balance, err := g.tokens.SignerBalance(ctx, asset)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeChainFailure, err, "查询签名账户余额失败")
		}
		if balance.Cmp(need) >= 0 {
			continue
		}
		assetDecimals := decimals
		if !SameAddress(asset, primary) {
			if d, err := g.tokens.TokenDecimals(ctx, asset); err == nil {
				assetDecimals = d
			}
		}
		return &InsufficientBalanceError{
			Token:     asset,
			Required:  new(big.Int).Set(need),
			Available: new(big.Int).Set(balance),
			Decimals:  assetDecimals,
		}
	}
	return nil
}

// RequiredBalance 汇总计划步骤在每个资产上的需求，已完成的步骤不计入。
func RequiredBalance(steps []PlannedStep, completed StepSet) map[string]*big.Int {
	out := make(map[string]*big.Int)
	for _, s := range steps {
		if completed.Has(s.Type) || s.Amount == nil {
			continue
		}
		sum, ok := out[s.Asset]
		if !ok {
			sum = new(big.Int)
			out[s.Asset] = sum
		}
		sum.Add(sum, s.Amount)
	}
	return out
}
