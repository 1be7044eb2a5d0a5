package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig    = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}   // 0.00000001
	AmountConfig   = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}     // 0.000001 collateral asset
	LeverageConfig = DecimalConfig{DecimalPrecision: 9, Scale: 1_000_000_000} // 0.000000001
	RateConfig     = DecimalConfig{DecimalPrecision: 9, Scale: 1_000_000_000} // funding rate / multiplier
)

// BpsDivisor is the denominator for all basis-point parameters.
const BpsDivisor int64 = 10_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Floor toward negative infinity (default)
	RoundUp
)

// DivideInt128 performs numerator / denominator with rounding.
// RoundDown floors toward negative infinity so that rounding residue on
// signed values stays biased in the protocol's favor.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)
	result := quotient.Int64()

	switch roundingMode {
	case RoundDown:
		if remainder.Sign() < 0 {
			result--
		}
	case RoundUp:
		if remainder.Sign() > 0 {
			result++
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / denominator with int128 intermediates.
func MulDiv(a, b, denominator int64, roundingMode RoundingMode) int64 {
	num := MultiplyInt128(a, b)
	result := DivideInt128(num, denominator, roundingMode)
	putInt128(num)
	return result
}

// ComputeExposure converts collateral + leverage into leveraged exposure.
// exposure = amount * leverage / LeverageConfig.Scale
func ComputeExposure(amount, leverage int64) int64 {
	return MulDiv(amount, leverage, LeverageConfig.Scale, RoundDown)
}

// ComputeLeverage derives leverage from an entry price and a liquidation
// price: leverage = Scale * startPrice / (startPrice - liqPrice)
func ComputeLeverage(startPrice, liqPrice int64) int64 {
	return MulDiv(LeverageConfig.Scale, startPrice, startPrice-liqPrice, RoundDown)
}

// ComputeLiquidationPrice derives the unpenalized liquidation price from an
// entry price and leverage: liqPrice = startPrice * (leverage - Scale) / leverage
func ComputeLiquidationPrice(startPrice, leverage int64) int64 {
	return MulDiv(startPrice, leverage-LeverageConfig.Scale, leverage, RoundDown)
}

// AdjustPriceUp applies a basis-point fee in the direction unfavorable to
// the user for opens and withdrawals: price * (BpsDivisor + feeBps) / BpsDivisor
func AdjustPriceUp(price, feeBps int64) int64 {
	return MulDiv(price, BpsDivisor+feeBps, BpsDivisor, RoundUp)
}

// AdjustPriceDown applies a basis-point fee in the direction unfavorable to
// the user for closes and deposits: price * (BpsDivisor - feeBps) / BpsDivisor
func AdjustPriceDown(price, feeBps int64) int64 {
	return MulDiv(price, BpsDivisor-feeBps, BpsDivisor, RoundDown)
}

// Pow10 returns 10^n as a big.Int. n must be non-negative.
func Pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
