// Package allocation splits a token's minted supply into the fixed settlement
// buckets and sizes the optional burn. All arithmetic happens on integers in
// the token's smallest unit.
package allocation

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Bucket 表示一个固定比例的分配去向。
type Bucket string

const (
	BucketCreator   Bucket = "creator"
	BucketIAO       Bucket = "iao"
	BucketLiquidity Bucket = "liquidity"
	BucketAirdrop   Bucket = "airdrop"
	BucketMining    Bucket = "mining"
)

// BasisPoints 为各个分配桶的比例，单位为万分之一，总和恰好为 10000。
var BasisPoints = map[Bucket]int64{
	BucketCreator:   3300,
	BucketIAO:       1500,
	BucketLiquidity: 1000,
	BucketAirdrop:   200,
	BucketMining:    4000,
}

// Buckets 按固定顺序列出全部分配桶。
var Buckets = []Bucket{BucketCreator, BucketIAO, BucketLiquidity, BucketAirdrop, BucketMining}

// remainderBucket 吸收整数除法产生的最小单位余数，保证各桶之和等于总量。
const remainderBucket = BucketMining

const bpsDenominator = 10000

// DefaultBurnPercentage 是未显式指定时的销毁比例。
var DefaultBurnPercentage = decimal.NewFromInt(5)

// Plan 保存一次分配计算的结果，金额均为最小单位。
type Plan struct {
	TotalSupply *big.Int
	Decimals    int32
	Amounts     map[Bucket]*big.Int
}

// Amount 返回指定桶的金额副本。
func (p Plan) Amount(b Bucket) *big.Int {
	if v, ok := p.Amounts[b]; ok && v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Display 以代币单位的十进制字符串返回指定桶的金额。
func (p Plan) Display(b Bucket) string {
	return FormatUnits(p.Amount(b), p.Decimals)
}

// Snapshot 以代币单位返回全部桶金额，用于审计记录。
func (p Plan) Snapshot() map[string]string {
	out := make(map[string]string, len(Buckets))
	for _, b := range Buckets {
		out[string(b)] = p.Display(b)
	}
	return out
}

// Split 按固定比例拆分总量（最小单位）。
func Split(total *big.Int, decimals int32) (Plan, error) {
	if total == nil || total.Sign() <= 0 {
		return Plan{}, fmt.Errorf("total supply must be positive")
	}
	plan := Plan{
		TotalSupply: new(big.Int).Set(total),
		Decimals:    decimals,
		Amounts:     make(map[Bucket]*big.Int, len(Buckets)),
	}
	denom := big.NewInt(bpsDenominator)
	allocated := new(big.Int)
	for _, b := range Buckets {
		amount := new(big.Int).Mul(total, big.NewInt(BasisPoints[b]))
		amount.Quo(amount, denom)
		plan.Amounts[b] = amount
		allocated.Add(allocated, amount)
	}
	dust := new(big.Int).Sub(total, allocated)
	plan.Amounts[remainderBucket].Add(plan.Amounts[remainderBucket], dust)
	return plan, nil
}

// SplitSupply 解析十进制代币数量后执行 Split。
func SplitSupply(totalSupply string, decimals int32) (Plan, error) {
	total, err := ParseUnits(totalSupply, decimals)
	if err != nil {
		return Plan{}, err
	}
	return Split(total, decimals)
}

// BurnAmount 计算 raised × percentage / 100，向下取整到最小单位。
func BurnAmount(raised *big.Int, percentage decimal.Decimal) (*big.Int, error) {
	if raised == nil || raised.Sign() < 0 {
		return nil, fmt.Errorf("raised amount must be non-negative")
	}
	if err := ValidatePercentage(percentage); err != nil {
		return nil, err
	}
	burn := decimal.NewFromBigInt(raised, 0).Mul(percentage).Div(decimal.NewFromInt(100)).Floor()
	return burn.BigInt(), nil
}

// Rescale 将最小单位数量从 from 位精度换算到 to 位精度，向下取整。
func Rescale(value *big.Int, from, to int32) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	out := new(big.Int).Set(value)
	switch {
	case to > from:
		out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil))
	case from > to:
		out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil))
	}
	return out
}

// ValidatePercentage 要求比例位于 (0, 100]。
func ValidatePercentage(p decimal.Decimal) error {
	if !p.IsPositive() || p.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("burn percentage %s out of range (0, 100]", p.String())
	}
	return nil
}

// ParseUnits 将十进制代币数量转换为最小单位整数，拒绝超出精度的小数位。
func ParseUnits(value string, decimals int32) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", value, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", value)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", value, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatUnits 将最小单位整数格式化为代币单位的十进制字符串。
func FormatUnits(value *big.Int, decimals int32) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -decimals).String()
}
