package event

import (
	"github.com/google/uuid"
)

// VaultDeposited records a validated vault deposit.
// Idempotency key: action_id (UUID assigned at initiation).
type VaultDeposited struct {
	ActionID  uuid.UUID `json:"action_id"` // Idempotency key
	User      uuid.UUID `json:"user"`
	To        uuid.UUID `json:"to"`
	Amount    int64     `json:"amount"`      // Fixed-point: amount scale (decimal_precision=6)
	Price     int64     `json:"price"`       // Fixed-point: price scale (decimal_precision=8)
	Minted    string    `json:"minted"`      // Stable-token units, base-10 big integer
	Timestamp int64     `json:"timestamp"`   // Versioned input timestamp (NOT wall-clock)
}

func (e *VaultDeposited) IdempotencyKey() string { return e.ActionID.String() }
func (e *VaultDeposited) EventType() EventType   { return EventTypeVaultDeposited }

// VaultWithdrawn records a validated vault withdrawal.
// Idempotency key: action_id.
type VaultWithdrawn struct {
	ActionID  uuid.UUID `json:"action_id"`
	User      uuid.UUID `json:"user"`
	To        uuid.UUID `json:"to"`
	Burned    string    `json:"burned"` // Stable-token units, base-10 big integer
	Amount    int64     `json:"amount"` // Collateral paid out, amount scale
	Price     int64     `json:"price"`
	Timestamp int64     `json:"timestamp"`
}

func (e *VaultWithdrawn) IdempotencyKey() string { return e.ActionID.String() }
func (e *VaultWithdrawn) EventType() EventType   { return EventTypeVaultWithdrawn }
