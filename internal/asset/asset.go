// Package asset defines the external token capabilities the engine
// consumes: the collateral asset ledger, the rebasing stable token, and
// the protocol fee collector. Implementations live outside the core; the
// in-memory versions in this package back tests and paper deployments.
package asset

import (
	"math/big"

	"github.com/google/uuid"
)

// Ledger is the collateral-asset capability: balances and transfers in
// AmountConfig units.
type Ledger interface {
	BalanceOf(account uuid.UUID) int64
	Transfer(from, to uuid.UUID, amount int64) error
}

// StableToken is the rebasing stable token capability. Supply-level values
// are big.Int because token decimals up to 18 exceed int64 range.
type StableToken interface {
	Decimals() int
	TotalSupply() *big.Int
	Divisor() *big.Int
	BalanceOf(account uuid.UUID) *big.Int
	Mint(to uuid.UUID, amount *big.Int) error
	Burn(from uuid.UUID, amount *big.Int) error
	Rebase(newDivisor *big.Int) error
}

// FeeCollector receives flushed protocol fees.
type FeeCollector interface {
	Account() uuid.UUID
}

// FeeCollectorCallback is the optional post-transfer notification
// capability. The engine probes for it with a type assertion before
// invoking it; a collector that does not implement it is simply not
// notified. A notification error propagates and fails the triggering
// action.
type FeeCollectorCallback interface {
	OnFeeCollected(amount int64) error
}
