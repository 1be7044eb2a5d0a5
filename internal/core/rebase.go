package core

import (
	"fmt"
	"math/big"

	"VaultCore/internal/asset"
	fpmath "VaultCore/internal/math"
	"VaultCore/internal/state"
)

// Divisor bounds for the stable token. A rebase never pushes the divisor
// outside this range.
var (
	MinDivisor = big.NewInt(1_000_000_000)
	MaxDivisor = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// RebaseResult reports one rebase check.
type RebaseResult struct {
	Rebased    bool
	Price      int64 // stable-token price before the rebase, PriceConfig scale
	OldDivisor *big.Int
	NewDivisor *big.Int
	OldSupply  *big.Int
	NewSupply  *big.Int
}

// TokenPrice computes the vault-backed stable token price:
// vaultBalance * assetPrice * 10^decimals / (AmountScale * totalSupply),
// at PriceConfig scale. A zero supply reports the target-neutral price of
// zero, which callers treat as "no rebase".
func TokenPrice(vaultBalance, assetPrice int64, totalSupply *big.Int, decimals int) int64 {
	if totalSupply == nil || totalSupply.Sign() <= 0 {
		return 0
	}
	num := new(big.Int).Mul(big.NewInt(vaultBalance), big.NewInt(assetPrice))
	num.Mul(num, fpmath.Pow10(decimals))
	num.Quo(num, big.NewInt(fpmath.AmountConfig.Scale))
	num.Quo(num, totalSupply)
	return num.Int64()
}

// CalcRebaseTotalSupply is the exact inverse of TokenPrice for a fixed
// target: the supply at which TokenPrice equals targetPrice.
func CalcRebaseTotalSupply(vaultBalance, assetPrice, targetPrice int64, decimals int) *big.Int {
	num := new(big.Int).Mul(big.NewInt(vaultBalance), big.NewInt(assetPrice))
	num.Mul(num, fpmath.Pow10(decimals))
	num.Quo(num, big.NewInt(fpmath.AmountConfig.Scale))
	num.Quo(num, big.NewInt(targetPrice))
	return num
}

// CheckRebase evaluates the two trigger conditions and performs the supply
// rebase when both hold: (a) the rebase interval elapsed since the last
// check, unless forced; (b) the token price exceeds the target by the
// configured threshold and the divisor is not already at its minimum. The
// new divisor is oldSupply * oldDivisor / newSupply, clamped to the valid
// range.
func CheckRebase(st *state.Protocol, token asset.StableToken, assetPrice, now int64, force bool) (RebaseResult, error) {
	if !force && now-st.LastRebaseTs < st.Params.RebaseInterval {
		return RebaseResult{}, nil
	}
	st.LastRebaseTs = now

	oldSupply := token.TotalSupply()
	price := TokenPrice(st.VaultBalance, assetPrice, oldSupply, token.Decimals())
	if price <= 0 {
		return RebaseResult{Price: price}, nil
	}

	// price / target > 1 + threshold, in basis points.
	lhs := new(big.Int).Mul(big.NewInt(price), big.NewInt(fpmath.BpsDivisor))
	rhs := new(big.Int).Mul(big.NewInt(st.Params.TargetPrice), big.NewInt(fpmath.BpsDivisor+st.Params.RebaseThresholdBps))
	if lhs.Cmp(rhs) <= 0 {
		return RebaseResult{Price: price}, nil
	}

	oldDivisor := token.Divisor()
	if oldDivisor.Cmp(MinDivisor) <= 0 {
		return RebaseResult{Price: price}, nil
	}

	newSupply := CalcRebaseTotalSupply(st.VaultBalance, assetPrice, st.Params.TargetPrice, token.Decimals())
	if newSupply.Sign() <= 0 {
		return RebaseResult{Price: price}, nil
	}

	newDivisor := new(big.Int).Mul(oldSupply, oldDivisor)
	newDivisor.Quo(newDivisor, newSupply)
	if newDivisor.Cmp(MinDivisor) < 0 {
		newDivisor.Set(MinDivisor)
	}
	if newDivisor.Cmp(MaxDivisor) > 0 {
		newDivisor.Set(MaxDivisor)
	}
	if newDivisor.Cmp(oldDivisor) == 0 {
		return RebaseResult{Price: price}, nil
	}

	if err := token.Rebase(newDivisor); err != nil {
		return RebaseResult{Price: price}, fmt.Errorf("rebase divisor %s: %w", newDivisor, err)
	}

	return RebaseResult{
		Rebased:    true,
		Price:      price,
		OldDivisor: oldDivisor,
		NewDivisor: newDivisor,
		OldSupply:  oldSupply,
		NewSupply:  token.TotalSupply(),
	}, nil
}
