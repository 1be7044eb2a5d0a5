package core_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"VaultCore/internal/asset"
	"VaultCore/internal/core"
	"VaultCore/internal/state"
)

// tokens returns n whole tokens at the given decimals.
func tokens(n int64, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return scale.Mul(scale, big.NewInt(n))
}

func rebaseFixture(t *testing.T, decimals int, supply *big.Int) (*state.Protocol, *asset.MemStableToken) {
	t.Helper()
	st := state.NewProtocol(state.DefaultParams(), 0)
	st.Params.TokenDecimals = decimals
	token := asset.NewMemStableToken(decimals)
	if supply != nil && supply.Sign() > 0 {
		if err := token.Mint(uuid.New(), supply); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	return st, token
}

// ============================================================================
// Test: token price and its inverse
// ============================================================================

func TestTokenPrice_ZeroSupply(t *testing.T) {
	if got := core.TokenPrice(1000*amtScale, priceScale, new(big.Int), 18); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestTokenPrice_KnownValue(t *testing.T) {
	// 1000 collateral units at $1 backing 500 tokens: $2 per token.
	supply := tokens(500, 18)
	got := core.TokenPrice(1000*amtScale, priceScale, supply, 18)
	if got != 2*priceScale {
		t.Errorf("got %d, want %d", got, 2*priceScale)
	}
}

func TestCalcRebaseTotalSupply_InvertsPrice(t *testing.T) {
	vault := int64(123_456_789)
	assetPrice := int64(537 * priceScale)
	target := int64(priceScale)

	for dec := 6; dec <= 18; dec++ {
		supply := core.CalcRebaseTotalSupply(vault, assetPrice, target, dec)
		if supply.Sign() <= 0 {
			t.Fatalf("decimals %d: non-positive supply %s", dec, supply)
		}
		back := core.TokenPrice(vault, assetPrice, supply, dec)
		diff := back - target
		if diff < 0 {
			diff = -diff
		}
		if diff > target/1000 {
			t.Errorf("decimals %d: round trip price %d, want within 0.1%% of %d", dec, back, target)
		}
	}
}

// ============================================================================
// Test: trigger gating
// ============================================================================

func TestCheckRebase_IntervalGate(t *testing.T) {
	st, token := rebaseFixture(t, 18, tokens(500, 18))
	st.VaultBalance = 1000 * amtScale // price $2, far past threshold
	st.LastRebaseTs = 1000

	res, err := core.CheckRebase(st, token, priceScale, 1000+st.Params.RebaseInterval-1, false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Rebased {
		t.Error("rebase before the interval must not trigger")
	}
}

func TestCheckRebase_ForceBypassesInterval(t *testing.T) {
	st, token := rebaseFixture(t, 18, tokens(500, 18))
	st.VaultBalance = 1000 * amtScale
	st.LastRebaseTs = 1000

	res, err := core.CheckRebase(st, token, priceScale, 1001, true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Rebased {
		t.Error("forced rebase must trigger")
	}
}

func TestCheckRebase_ThresholdGate(t *testing.T) {
	st, token := rebaseFixture(t, 18, tokens(1000, 18))
	st.VaultBalance = 1000 * amtScale // price exactly at target

	res, err := core.CheckRebase(st, token, priceScale, st.Params.RebaseInterval+1, false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Rebased {
		t.Error("price at target must not trigger")
	}
}

func TestCheckRebase_MinDivisorGate(t *testing.T) {
	st, token := rebaseFixture(t, 18, nil)
	st.VaultBalance = 1000 * amtScale
	if err := token.Rebase(core.MinDivisor); err != nil {
		t.Fatalf("setup rebase: %v", err)
	}
	if err := token.Mint(uuid.New(), tokens(500, 18)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	res, err := core.CheckRebase(st, token, priceScale, st.Params.RebaseInterval+1, false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Rebased {
		t.Error("divisor at minimum must not trigger")
	}
}

// ============================================================================
// Test: rebase execution
// ============================================================================

func TestCheckRebase_ConvergesToTarget(t *testing.T) {
	st, token := rebaseFixture(t, 18, tokens(500, 18))
	st.VaultBalance = 1000 * amtScale // $2 per token before rebase

	res, err := core.CheckRebase(st, token, priceScale, st.Params.RebaseInterval+1, false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Rebased {
		t.Fatal("rebase must trigger")
	}
	if res.Price != 2*priceScale {
		t.Errorf("pre-rebase price %d, want %d", res.Price, 2*priceScale)
	}

	after := core.TokenPrice(st.VaultBalance, priceScale, token.TotalSupply(), 18)
	diff := after - st.Params.TargetPrice
	if diff < 0 {
		diff = -diff
	}
	if diff > st.Params.TargetPrice/1000 {
		t.Errorf("post-rebase price %d, want near %d", after, st.Params.TargetPrice)
	}
	if token.Divisor().Cmp(core.MinDivisor) < 0 || token.Divisor().Cmp(core.MaxDivisor) > 0 {
		t.Errorf("divisor %s out of range", token.Divisor())
	}
}

func TestCheckRebase_DivisorStaysInRange(t *testing.T) {
	// A huge backing-to-supply ratio pushes the implied divisor below the
	// minimum; the clamp must hold it there.
	st, token := rebaseFixture(t, 18, tokens(1, 18))
	st.VaultBalance = 1_000_000_000 * amtScale

	res, err := core.CheckRebase(st, token, priceScale, st.Params.RebaseInterval+1, false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Rebased {
		t.Fatal("rebase must trigger")
	}
	if token.Divisor().Cmp(core.MinDivisor) < 0 {
		t.Errorf("divisor %s below minimum", token.Divisor())
	}
}
