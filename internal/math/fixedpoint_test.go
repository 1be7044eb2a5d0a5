package math_test

import (
	"testing"

	fpmath "VaultCore/internal/math"
)

// ============================================================================
// Test: MulDiv rounding
// ============================================================================

func TestMulDiv_RoundDown(t *testing.T) {
	if got := fpmath.MulDiv(7, 3, 2, fpmath.RoundDown); got != 10 {
		t.Errorf("21/2 round down: got %d, want 10", got)
	}
}

func TestMulDiv_RoundUp(t *testing.T) {
	if got := fpmath.MulDiv(7, 3, 2, fpmath.RoundUp); got != 11 {
		t.Errorf("21/2 round up: got %d, want 11", got)
	}
}

func TestMulDiv_NegativeRoundsTowardNegativeInfinity(t *testing.T) {
	if got := fpmath.MulDiv(-7, 3, 2, fpmath.RoundDown); got != -11 {
		t.Errorf("-21/2 round down: got %d, want -11", got)
	}
	if got := fpmath.MulDiv(-7, 3, 2, fpmath.RoundUp); got != -10 {
		t.Errorf("-21/2 round up: got %d, want -10", got)
	}
}

func TestMulDiv_Exact(t *testing.T) {
	if got := fpmath.MulDiv(10, 4, 2, fpmath.RoundDown); got != 20 {
		t.Errorf("40/2: got %d, want 20", got)
	}
	if got := fpmath.MulDiv(10, 4, 2, fpmath.RoundUp); got != 20 {
		t.Errorf("40/2: got %d, want 20", got)
	}
}

func TestMulDiv_LargeIntermediates(t *testing.T) {
	// a*b overflows int64; the int128 path must not.
	a := int64(5_000_00000000) // 5000 at price scale
	b := fpmath.LeverageConfig.Scale * 9
	got := fpmath.MulDiv(a, b, fpmath.LeverageConfig.Scale, fpmath.RoundDown)
	if got != a*9 {
		t.Errorf("got %d, want %d", got, a*9)
	}
}

// ============================================================================
// Test: leverage and exposure helpers
// ============================================================================

func TestComputeExposure(t *testing.T) {
	got := fpmath.ComputeExposure(1_000_000, 2*fpmath.LeverageConfig.Scale)
	if got != 2_000_000 {
		t.Errorf("1.0 at 2x: got %d, want 2000000", got)
	}
}

func TestComputeLeverage_RoundTrip(t *testing.T) {
	start := int64(2000_00000000)
	liq := int64(1000_00000000)
	lev := fpmath.ComputeLeverage(start, liq)
	if lev != 2*fpmath.LeverageConfig.Scale {
		t.Errorf("got %d, want %d", lev, 2*fpmath.LeverageConfig.Scale)
	}
	back := fpmath.ComputeLiquidationPrice(start, lev)
	if back != liq {
		t.Errorf("round trip: got %d, want %d", back, liq)
	}
}

// ============================================================================
// Test: fee-adjusted prices
// ============================================================================

func TestAdjustPrice_Directions(t *testing.T) {
	price := int64(5000_00000000)
	for _, feeBps := range []int64{1, 4, 100, 999} {
		up := fpmath.AdjustPriceUp(price, feeBps)
		down := fpmath.AdjustPriceDown(price, feeBps)
		if up <= price {
			t.Errorf("feeBps=%d: adjusted-up %d must exceed %d", feeBps, up, price)
		}
		if down >= price {
			t.Errorf("feeBps=%d: adjusted-down %d must be below %d", feeBps, down, price)
		}
	}
}

func TestAdjustPrice_ZeroFeeIsIdentity(t *testing.T) {
	price := int64(123_45678901)
	if got := fpmath.AdjustPriceUp(price, 0); got != price {
		t.Errorf("got %d, want %d", got, price)
	}
	if got := fpmath.AdjustPriceDown(price, 0); got != price {
		t.Errorf("got %d, want %d", got, price)
	}
}
