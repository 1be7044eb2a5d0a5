package core

import (
	fpmath "VaultCore/internal/math"
	"VaultCore/internal/state"
)

// MaxLiquidationIteration is the hard cap on ticks processed per
// liquidation pass. Requests above it are capped silently.
const MaxLiquidationIteration = 10

// TickLiquidation records one liquidated tick.
type TickLiquidation struct {
	Tick        int64
	TickVersion uint64 // version before the bump
	Exposure    int64
	Count       int
	Value       int64 // collateral moved long -> vault
}

// LiquidationResult aggregates one liquidation pass.
type LiquidationResult struct {
	PositionsLiquidated int
	TicksLiquidated     int
	CollateralDelta     int64 // net collateral moved to the vault
	Records             []TickLiquidation
}

// Liquidate scans from the highest populated tick downward, wiping every
// tick whose effective penalized liquidation price is at or above the
// current price, for at most min(iterations, MaxLiquidationIteration)
// ticks. Terminates early once no eligible tick remains. Never fails: an
// exhausted highest-tick scan means nothing to liquidate.
func Liquidate(st *state.Protocol, book *state.TickBook, price int64, iterations int) LiquidationResult {
	if iterations > MaxLiquidationIteration {
		iterations = MaxLiquidationIteration
	}

	var res LiquidationResult
	spacing := st.Params.TickSpacing
	penalty := st.Params.LiquidationPenaltyTicks

	tick, ok := book.HighestPopulatedTick(st.Params.MaxTickScan)
	if !ok {
		return res
	}

	for res.TicksLiquidated < iterations {
		// Positions sit penalty spacings above their theoretical
		// liquidation tick, so the stored tick's effective price is the
		// trigger level and the penalized tick prices the remaining value.
		if fpmath.EffectivePriceForTick(tick, st.LiqMultiplier) < price {
			break
		}

		version := book.TickVersion(tick)
		value := TickValue(price, tick, book.TickExposure(tick), st.LiqMultiplier, spacing, penalty)
		expo, count := book.LiquidateTick(tick)

		// The tick's remaining value moves to the vault. A negative value
		// is bad debt covered by the vault side, up to what it holds.
		if value > st.LongBalance {
			value = st.LongBalance
		}
		if value < -st.VaultBalance {
			value = -st.VaultBalance
		}
		st.TotalExpo -= expo
		st.LongBalance -= value
		st.VaultBalance += value

		res.PositionsLiquidated += count
		res.TicksLiquidated++
		res.CollateralDelta += value
		res.Records = append(res.Records, TickLiquidation{
			Tick:        tick,
			TickVersion: version,
			Exposure:    expo,
			Count:       count,
			Value:       value,
		})

		next, ok := book.HighestPopulatedTick(st.Params.MaxTickScan)
		if !ok {
			break
		}
		tick = next
	}

	return res
}
