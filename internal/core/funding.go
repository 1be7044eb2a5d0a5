package core

import (
	fpmath "VaultCore/internal/math"
	"VaultCore/internal/state"
)

// FundingResult reports one funding settlement window.
type FundingResult struct {
	Applied    bool
	Rate       int64 // RateConfig scale, signed
	Multiplier int64 // liquidation multiplier after update
	Value      int64 // collateral moved between sides, signed (positive = long pays vault)
	Fee        int64 // protocol skim routed to pending fees
	Elapsed    int64
}

// FundingRate computes the signed funding rate accumulated since the last
// settlement. The rate is the normalized imbalance between long and vault
// trading exposure, scaled by elapsed seconds and the configured scaling
// factor. Zero elapsed time or an empty book yields a zero rate.
func FundingRate(st *state.Protocol, now int64) int64 {
	elapsed := now - st.LastFundingTs
	if elapsed <= 0 {
		return 0
	}

	longExpo := st.LongTradingExpo()
	vaultExpo := st.VaultTradingExpo()
	denom := longExpo
	if vaultExpo > denom {
		denom = vaultExpo
	}
	if denom <= 0 {
		return 0
	}

	imbalance := fpmath.MulDiv(longExpo-vaultExpo, fpmath.RateConfig.Scale, denom, fpmath.RoundDown)
	return fpmath.MulDiv(imbalance, elapsed*st.Params.FundingSF, fpmath.RateConfig.Scale, fpmath.RoundDown)
}

// ApplyFunding settles funding for the window [LastFundingTs, now] and
// updates the liquidation multiplier multiplicatively. Idempotent per
// window: a second call at the same timestamp is a no-op. A configured
// fraction of the moved value is skimmed into pending protocol fees
// instead of the receiving side.
func ApplyFunding(st *state.Protocol, now int64) FundingResult {
	elapsed := now - st.LastFundingTs
	if elapsed <= 0 {
		return FundingResult{Multiplier: st.LiqMultiplier}
	}

	rate := FundingRate(st, now)

	mult := fpmath.MulDiv(st.LiqMultiplier, fpmath.RateConfig.Scale+rate, fpmath.RateConfig.Scale, fpmath.RoundDown)
	if mult < 1 {
		mult = 1
	}

	// Positive rate: longs pay the vault. Negative: vault pays longs.
	value := fpmath.MulDiv(st.LongTradingExpo(), rate, fpmath.RateConfig.Scale, fpmath.RoundDown)

	var fee int64
	abs := value
	if abs < 0 {
		abs = -abs
	}
	fee = fpmath.MulDiv(abs, st.Params.ProtocolFeeBps, fpmath.BpsDivisor, fpmath.RoundDown)

	switch {
	case value > 0:
		if value > st.LongBalance {
			value = st.LongBalance
			fee = fpmath.MulDiv(value, st.Params.ProtocolFeeBps, fpmath.BpsDivisor, fpmath.RoundDown)
		}
		st.LongBalance -= value
		st.VaultBalance += value - fee
		st.PendingFees += fee
	case value < 0:
		paid := -value
		if paid > st.VaultBalance {
			paid = st.VaultBalance
			value = -paid
			fee = fpmath.MulDiv(paid, st.Params.ProtocolFeeBps, fpmath.BpsDivisor, fpmath.RoundDown)
		}
		st.VaultBalance -= paid
		st.LongBalance += paid - fee
		st.PendingFees += fee
	default:
		fee = 0
	}

	st.LiqMultiplier = mult
	st.LastFundingTs = now

	return FundingResult{
		Applied:    true,
		Rate:       rate,
		Multiplier: mult,
		Value:      value,
		Fee:        fee,
		Elapsed:    elapsed,
	}
}
