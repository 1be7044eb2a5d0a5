package core_test

import (
	"testing"

	"VaultCore/internal/core"
	fpmath "VaultCore/internal/math"
)

const (
	priceScale = 100_000_000
	amtScale   = 1_000_000
	levScale   = 1_000_000_000
)

// ============================================================================
// Test: position value
// ============================================================================

func TestPositionValue_ReferenceVectors(t *testing.T) {
	cases := []struct {
		price, liq, amount, leverage, want int64
	}{
		{2000 * priceScale, 500 * priceScale, 1 * amtScale, 2 * levScale, 1_500_000},
		{1000 * priceScale, 500 * priceScale, 1 * amtScale, 2 * levScale, 1_000_000},
		{500 * priceScale, 500 * priceScale, 1 * amtScale, 2 * levScale, 0},
		{2000 * priceScale, 750 * priceScale, 1 * amtScale, 4 * levScale, 2_500_000},
	}
	for _, c := range cases {
		got := core.PositionValue(c.price, c.liq, c.amount, c.leverage)
		if got != c.want {
			t.Errorf("positionValue(%d, %d, %d, %d) = %d, want %d",
				c.price, c.liq, c.amount, c.leverage, got, c.want)
		}
	}
}

func TestPositionValue_EqualsCollateralAtOpeningPrice(t *testing.T) {
	// liq = price * (lev-1)/lev: value at the opening price is the collateral.
	price := int64(3000 * priceScale)
	lev := int64(5 * levScale)
	liq := fpmath.ComputeLiquidationPrice(price, lev)
	amount := int64(7 * amtScale)

	got := core.PositionValue(price, liq, amount, lev)
	if got != amount {
		t.Errorf("got %d, want %d", got, amount)
	}
}

func TestPositionValue_NegativeBelowLiquidation(t *testing.T) {
	got := core.PositionValue(400*priceScale, 500*priceScale, 1*amtScale, 2*levScale)
	if got != -500_000 {
		t.Errorf("got %d, want -500000", got)
	}
}

// ============================================================================
// Test: tick value with penalty
// ============================================================================

func TestTickValue_PositiveAtUnpenalizedLiquidationPrice(t *testing.T) {
	// At the tick's own price the penalized formula still leaves the
	// penalty margin as positive value.
	tick := int64(0)
	price := fpmath.TickToPrice(tick)
	got := core.TickValue(price, tick, 10*amtScale, fpmath.RateConfig.Scale, 100, 2)
	if got <= 0 {
		t.Errorf("got %d, want positive penalty margin", got)
	}
}

func TestTickValue_NegativeAfterFastMove(t *testing.T) {
	tick := int64(0)
	price := fpmath.TickToPrice(tick - 1000)
	got := core.TickValue(price, tick, 10*amtScale, fpmath.RateConfig.Scale, 100, 2)
	if got >= 0 {
		t.Errorf("got %d, want negative", got)
	}
}

// ============================================================================
// Test: asset to transfer clamps
// ============================================================================

func TestAssetToTransfer_ClampsToAvailable(t *testing.T) {
	tick := int64(0)
	price := fpmath.TickToPrice(tick + 5000)
	full := core.TickValue(price, tick, 10*amtScale, fpmath.RateConfig.Scale, 100, 2)
	if full <= 0 {
		t.Fatalf("setup: tick value %d must be positive", full)
	}

	got := core.AssetToTransfer(price, tick, 10*amtScale, fpmath.RateConfig.Scale, 100, 2, full-1)
	if got != full-1 {
		t.Errorf("got %d, want clamp to %d", got, full-1)
	}
	got = core.AssetToTransfer(price, tick, 10*amtScale, fpmath.RateConfig.Scale, 100, 2, full+1)
	if got != full {
		t.Errorf("got %d, want computed value %d", got, full)
	}
}

func TestAssetToTransfer_NegativeValueIsZero(t *testing.T) {
	tick := int64(0)
	price := fpmath.TickToPrice(tick - 1000)
	got := core.AssetToTransfer(price, tick, 10*amtScale, fpmath.RateConfig.Scale, 100, 2, 1_000_000)
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}
