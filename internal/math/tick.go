package math

import (
	stdmath "math"
	"math/big"
)

// Ticks are geometrically spaced price levels: price(t) = 1.0001^t.
// The usable range is bounded below by the smallest tick whose price is
// still representable at PriceConfig precision, and above by the largest
// tick whose price fits in int64.
const (
	// TickRatio is 1.0001 at 18 decimals.
	TickRatio int64 = 1_000_100_000_000_000_000

	tickRatioScale int64 = 1_000_000_000_000_000_000

	// MinUsableTick is the lowest tick whose price is a positive number of
	// PriceConfig units. Aligned to common spacings (10, 50, 100).
	MinUsableTick int64 = -184_200

	// MaxUsableTick is the highest tick whose price fits in int64 at
	// PriceConfig precision.
	MaxUsableTick int64 = 252_400
)

var (
	ratioBig      = big.NewInt(TickRatio)
	ratioScaleBig = big.NewInt(tickRatioScale)
	lnRatio       = stdmath.Log(1.0001)
)

// ClampTick restricts a tick to the usable range.
func ClampTick(tick int64) int64 {
	if tick < MinUsableTick {
		return MinUsableTick
	}
	if tick > MaxUsableTick {
		return MaxUsableTick
	}
	return tick
}

// TickToPrice converts a tick to its fixed-point price, flooring the
// result. The tick is clamped to the usable range rather than rejected.
func TickToPrice(tick int64) int64 {
	tick = ClampTick(tick)

	if tick == 0 {
		return PriceConfig.Scale
	}

	neg := tick < 0
	n := tick
	if neg {
		n = -n
	}

	pow := ratioPow(uint64(n))
	defer putInt128(pow)

	result := getInt128()
	defer putInt128(result)

	if neg {
		// price = Scale * ratioScale / ratio^n
		result.Mul(big.NewInt(PriceConfig.Scale), ratioScaleBig)
		result.Quo(result, pow)
	} else {
		// price = Scale * ratio^n / ratioScale
		result.Mul(big.NewInt(PriceConfig.Scale), pow)
		result.Quo(result, ratioScaleBig)
	}

	return result.Int64()
}

// ratioPow computes 1.0001^n at tickRatioScale precision by repeated
// squaring. Each rescale floors, which keeps the error far below one
// price unit across the usable range (at most ~60 squarings).
func ratioPow(n uint64) *big.Int {
	acc := getInt128().Set(ratioScaleBig)
	base := new(big.Int).Set(ratioBig)
	tmp := new(big.Int)

	for n > 0 {
		if n&1 == 1 {
			tmp.Mul(acc, base)
			acc.Quo(tmp, ratioScaleBig)
		}
		n >>= 1
		if n > 0 {
			tmp.Mul(base, base)
			base.Quo(tmp, ratioScaleBig)
		}
	}
	return acc
}

// TickAtPrice returns the greatest tick t such that TickToPrice(t) <= price.
// The result is clamped to the usable range. price must be positive.
func TickAtPrice(price int64) int64 {
	if price <= 0 {
		return MinUsableTick
	}

	// Float estimate, then exact correction against TickToPrice. The
	// estimate is within a few ticks; the loops terminate immediately in
	// the common case.
	est := int64(stdmath.Floor(stdmath.Log(float64(price)/float64(PriceConfig.Scale)) / lnRatio))
	est = ClampTick(est)

	for est < MaxUsableTick && TickToPrice(est+1) <= price {
		est++
	}
	for est > MinUsableTick && TickToPrice(est) > price {
		est--
	}
	return est
}

// PriceToTick converts a price to the spacing-aligned tick whose price is
// the greatest value <= the input price (round toward negative infinity),
// clamped to the usable range.
func PriceToTick(price, spacing int64) int64 {
	tick := FloorToSpacing(TickAtPrice(price), spacing)
	return ClampTick(tick)
}

// FloorToSpacing rounds a tick toward negative infinity to a multiple of
// spacing.
func FloorToSpacing(tick, spacing int64) int64 {
	q := tick / spacing
	if tick%spacing != 0 && tick < 0 {
		q--
	}
	return q * spacing
}

// EffectivePriceForTick returns the tick's price adjusted by the global
// liquidation multiplier (RateConfig scale).
func EffectivePriceForTick(tick, multiplier int64) int64 {
	return MulDiv(TickToPrice(tick), multiplier, RateConfig.Scale, RoundDown)
}

// EffectiveTickForPrice inverts the multiplier adjustment and returns the
// spacing-aligned tick for a price under the given multiplier.
func EffectiveTickForPrice(price, multiplier, spacing int64) int64 {
	adjusted := MulDiv(price, RateConfig.Scale, multiplier, RoundDown)
	return PriceToTick(adjusted, spacing)
}
