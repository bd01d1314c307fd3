// Package amm holds the pure pricing functions of the constant-product
// market maker. Everything here is side-effect free and total over valid
// inputs: range violations surface as ErrOverflow/ErrUnderflow, never as
// wrapped or clamped values.
package amm

import (
	"errors"
	"math"
	"math/big"
	"sync"
)

const (
	// BpsDenominator is the basis-point scale for trading fees.
	BpsDenominator = 10_000

	// MaxFeeBps caps the trading fee at 10%.
	MaxFeeBps = 1_000

	// Bounds for the implied per-mille price quote.
	PricePrecision = 1_000
	MinPrice       = 10
	MaxPrice       = 990
)

var (
	ErrOverflow  = errors.New("arithmetic overflow")
	ErrUnderflow = errors.New("arithmetic underflow")
)

// Widened intermediates are computed in big.Int; pooled to keep the hot
// quote path allocation-free.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetUint64(0)
	intPool.Put(v)
}

// ApplyFee returns amountIn reduced by feeBps, truncating toward zero.
func ApplyFee(amountIn, feeBps uint64) (uint64, error) {
	if feeBps > BpsDenominator {
		return 0, ErrUnderflow
	}

	n := getInt()
	defer putInt(n)

	n.SetUint64(amountIn)
	n.Mul(n, big.NewInt(BpsDenominator-int64(feeBps)))
	n.Div(n, big.NewInt(BpsDenominator))

	if !n.IsUint64() {
		return 0, ErrOverflow
	}
	return n.Uint64(), nil
}

// QuoteSwap computes the constant-product output for amountIn against the
// (reserveIn, reserveOut) pair. The fee is applied to the input first, so
// the fee portion stays in the pool. The output is strictly less than
// reserveOut: a reserve can never be fully drained.
func QuoteSwap(reserveIn, reserveOut, amountIn, feeBps uint64) (uint64, error) {
	inAfterFee, err := ApplyFee(amountIn, feeBps)
	if err != nil {
		return 0, err
	}

	// newIn = reserveIn + inAfterFee
	if reserveIn > math.MaxUint64-inAfterFee {
		return 0, ErrOverflow
	}
	newIn := reserveIn + inAfterFee
	if newIn == 0 {
		// Empty pool: nothing to price against.
		return 0, nil
	}

	// keep = reserveIn * reserveOut / newIn, rounded up so the product
	// invariant never decreases through truncation.
	k := getInt()
	defer putInt(k)

	k.SetUint64(reserveIn)
	k.Mul(k, new(big.Int).SetUint64(reserveOut))

	den := new(big.Int).SetUint64(newIn)
	rem := getInt()
	defer putInt(rem)

	k.DivMod(k, den, rem)
	if rem.Sign() > 0 {
		k.Add(k, big.NewInt(1))
	}

	if !k.IsUint64() {
		return 0, ErrOverflow
	}
	keep := k.Uint64()
	// At least one unit always stays behind. Covers the fresh-pool case
	// where reserveIn is still zero and the product rounds to nothing.
	if keep == 0 {
		keep = 1
	}

	if keep >= reserveOut {
		return 0, nil
	}
	return reserveOut - keep, nil
}

// QuoteLiquidity returns the pool-accounting credit for a matched-pair
// deposit: the sum of both sides. No LP token exists; the provider is the
// pool's counterparty.
func QuoteLiquidity(yesAmount, noAmount uint64) (uint64, error) {
	if yesAmount > math.MaxUint64-noAmount {
		return 0, ErrOverflow
	}
	return yesAmount + noAmount, nil
}

// QuotePrice returns the implied per-mille price of the side whose reserve
// is reserveThis, bounded to [MinPrice, MaxPrice]. Read-only convenience;
// trades are priced by QuoteSwap, not by this midpoint.
func QuotePrice(reserveThis, reserveOther uint64) (uint64, error) {
	if reserveThis > math.MaxUint64-reserveOther {
		return 0, ErrOverflow
	}
	total := reserveThis + reserveOther
	if total == 0 {
		return 0, ErrUnderflow
	}

	n := getInt()
	defer putInt(n)

	n.SetUint64(reserveOther)
	n.Mul(n, big.NewInt(PricePrecision))
	n.Div(n, new(big.Int).SetUint64(total))

	price := n.Uint64()
	if price < MinPrice {
		price = MinPrice
	}
	if price > MaxPrice {
		price = MaxPrice
	}
	return price, nil
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// CheckedSub returns a-b or ErrUnderflow.
func CheckedSub(a, b uint64) (uint64, error) {
	if a < b {
		return 0, ErrUnderflow
	}
	return a - b, nil
}
