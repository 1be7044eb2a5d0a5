package core

import (
	"math/big"

	fpmath "VaultCore/internal/math"
)

// PositionValue returns the collateral value of a position at a price:
// exposure * (currentPrice - liqPrice) / currentPrice, where exposure is
// amount * leverage. The result is signed; a price at or below the
// liquidation price yields zero or a negative value, never an underflow.
func PositionValue(currentPrice, liqPrice, amount, leverage int64) int64 {
	expo := fpmath.ComputeExposure(amount, leverage)
	return exposureValue(currentPrice, liqPrice, expo)
}

func exposureValue(currentPrice, liqPrice, expo int64) int64 {
	if currentPrice <= 0 {
		return 0
	}
	num := new(big.Int).Mul(big.NewInt(expo), big.NewInt(currentPrice-liqPrice))
	num.Quo(num, big.NewInt(currentPrice))
	return num.Int64()
}

// TickValue returns the collateral value of a tick's aggregate exposure at
// a price, using the penalized liquidation price implied by the tick (the
// tick shifted down by the configured penalty spacings, multiplier
// adjusted). The penalty margin is what funds liquidator rewards; the
// value is small-but-positive when price sits exactly at the unpenalized
// liquidation price, and may be negative after a fast move.
func TickValue(currentPrice, tick, tickExpo, multiplier, spacing, penaltyTicks int64) int64 {
	penalized := tick - penaltyTicks*spacing
	liqPrice := fpmath.EffectivePriceForTick(penalized, multiplier)
	return exposureValue(currentPrice, liqPrice, tickExpo)
}

// AssetToTransfer computes the collateral to release when closing exposure
// held at a tick, clamped to [0, availableLong]. A position is never
// promised more than the long side currently holds.
func AssetToTransfer(currentPrice, tick, expo, multiplier, spacing, penaltyTicks, availableLong int64) int64 {
	value := TickValue(currentPrice, tick, expo, multiplier, spacing, penaltyTicks)
	if value < 0 {
		return 0
	}
	if value > availableLong {
		return availableLong
	}
	return value
}
