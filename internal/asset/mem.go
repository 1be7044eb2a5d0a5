package asset

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// MemLedger is an in-memory collateral ledger keyed by account. Used in
// tests and paper mode.
type MemLedger struct {
	balances map[uuid.UUID]int64
}

func NewMemLedger() *MemLedger {
	return &MemLedger{balances: make(map[uuid.UUID]int64)}
}

// Credit mints balance out of thin air. Test/paper setup only.
func (l *MemLedger) Credit(account uuid.UUID, amount int64) {
	l.balances[account] += amount
}

func (l *MemLedger) BalanceOf(account uuid.UUID) int64 {
	return l.balances[account]
}

func (l *MemLedger) Transfer(from, to uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive: %d", amount)
	}
	if l.balances[from] < amount {
		return fmt.Errorf("insufficient balance: account %s has %d, needs %d", from, l.balances[from], amount)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// MemStableToken is an in-memory rebasing token. Balances are stored as
// shares; the external balance is shares / divisor.
type MemStableToken struct {
	decimals int
	divisor  *big.Int
	shares   map[uuid.UUID]*big.Int
	total    *big.Int // total shares
}

// InitialDivisor is the divisor a fresh token starts at.
var InitialDivisor = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func NewMemStableToken(decimals int) *MemStableToken {
	return &MemStableToken{
		decimals: decimals,
		divisor:  new(big.Int).Set(InitialDivisor),
		shares:   make(map[uuid.UUID]*big.Int),
		total:    new(big.Int),
	}
}

func (t *MemStableToken) Decimals() int { return t.decimals }

func (t *MemStableToken) Divisor() *big.Int {
	return new(big.Int).Set(t.divisor)
}

func (t *MemStableToken) TotalSupply() *big.Int {
	return new(big.Int).Quo(t.total, t.divisor)
}

func (t *MemStableToken) BalanceOf(account uuid.UUID) *big.Int {
	s, ok := t.shares[account]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Quo(s, t.divisor)
}

func (t *MemStableToken) Mint(to uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive: %s", amount)
	}
	sh := new(big.Int).Mul(amount, t.divisor)
	if existing, ok := t.shares[to]; ok {
		existing.Add(existing, sh)
	} else {
		t.shares[to] = sh
	}
	t.total.Add(t.total, sh)
	return nil
}

func (t *MemStableToken) Burn(from uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("burn amount must be positive: %s", amount)
	}
	sh := new(big.Int).Mul(amount, t.divisor)
	existing, ok := t.shares[from]
	if !ok || existing.Cmp(sh) < 0 {
		return fmt.Errorf("insufficient token balance: account %s", from)
	}
	existing.Sub(existing, sh)
	t.total.Sub(t.total, sh)
	return nil
}

// Rebase replaces the divisor. Shares are untouched, so every balance and
// the total supply scale together.
func (t *MemStableToken) Rebase(newDivisor *big.Int) error {
	if newDivisor.Sign() <= 0 {
		return fmt.Errorf("divisor must be positive: %s", newDivisor)
	}
	t.divisor.Set(newDivisor)
	return nil
}

// MemFeeCollector is a plain collector without the notification
// capability.
type MemFeeCollector struct {
	account uuid.UUID
}

func NewMemFeeCollector() *MemFeeCollector {
	return &MemFeeCollector{account: uuid.New()}
}

func (c *MemFeeCollector) Account() uuid.UUID { return c.account }

// NotifyingFeeCollector declares the callback capability and records
// received notifications. Notify can be overridden to simulate failure.
type NotifyingFeeCollector struct {
	MemFeeCollector
	Received []int64
	Notify   func(amount int64) error
}

func NewNotifyingFeeCollector() *NotifyingFeeCollector {
	return &NotifyingFeeCollector{MemFeeCollector: *NewMemFeeCollector()}
}

func (c *NotifyingFeeCollector) OnFeeCollected(amount int64) error {
	if c.Notify != nil {
		if err := c.Notify(amount); err != nil {
			return err
		}
	}
	c.Received = append(c.Received, amount)
	return nil
}
