package event

import "fmt"

// TickLiquidated records the wipe of one populated tick.
// Idempotency key: tick plus the tick version that was liquidated.
type TickLiquidated struct {
	Tick        int64 `json:"tick"`
	TickVersion uint64 `json:"tick_version"`
	Exposure    int64 `json:"exposure"` // total exposure removed, amount scale
	Count       int   `json:"count"`    // positions wiped
	Value       int64 `json:"value"`    // collateral moved long -> vault, amount scale
	Price       int64 `json:"price"`    // trigger price, price scale
	Timestamp   int64 `json:"timestamp"`
}

func (e *TickLiquidated) IdempotencyKey() string {
	return fmt.Sprintf("liq:%d:%d", e.Tick, e.TickVersion)
}
func (e *TickLiquidated) EventType() EventType { return EventTypeTickLiquidated }

// FundingApplied records one funding settlement window.
// Idempotency key: the window's end timestamp.
type FundingApplied struct {
	Rate       int64 `json:"rate"`       // Fixed-point: rate scale (decimal_precision=9), signed
	Multiplier int64 `json:"multiplier"` // liquidation multiplier after update, rate scale
	Value      int64 `json:"value"`      // collateral moved between sides, amount scale, signed
	Elapsed    int64 `json:"elapsed"`    // seconds since previous settlement
	Timestamp  int64 `json:"timestamp"`
}

func (e *FundingApplied) IdempotencyKey() string {
	return fmt.Sprintf("funding:%d", e.Timestamp)
}
func (e *FundingApplied) EventType() EventType { return EventTypeFundingApplied }

// ProtocolFeeFlushed records a transfer of accumulated protocol fees to the
// fee collector.
// Idempotency key: flush timestamp plus amount.
type ProtocolFeeFlushed struct {
	Amount    int64 `json:"amount"` // amount scale
	Timestamp int64 `json:"timestamp"`
}

func (e *ProtocolFeeFlushed) IdempotencyKey() string {
	return fmt.Sprintf("feeflush:%d:%d", e.Timestamp, e.Amount)
}
func (e *ProtocolFeeFlushed) EventType() EventType { return EventTypeProtocolFeeFlushed }

// SupplyRebased records a stable-token divisor change.
// Idempotency key: rebase timestamp.
type SupplyRebased struct {
	OldDivisor string `json:"old_divisor"` // base-10 big integer
	NewDivisor string `json:"new_divisor"`
	OldSupply  string `json:"old_supply"`
	NewSupply  string `json:"new_supply"`
	Price      int64  `json:"price"` // stable-token price before rebase, price scale
	Timestamp  int64  `json:"timestamp"`
}

func (e *SupplyRebased) IdempotencyKey() string {
	return fmt.Sprintf("rebase:%d", e.Timestamp)
}
func (e *SupplyRebased) EventType() EventType { return EventTypeSupplyRebased }
