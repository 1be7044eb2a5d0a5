package event

import (
	"github.com/google/uuid"

	"VaultCore/internal/state"
)

// PositionOpened records an initiated long position. The position is not yet
// validated; its leverage and tick may still move at validation time.
// Idempotency key: "open:" plus action_id, so the validated event of the
// same action lands in a distinct event-log row.
type PositionOpened struct {
	ActionID  uuid.UUID         `json:"action_id"` // Idempotency key
	User      uuid.UUID         `json:"user"`
	Ref       state.PositionRef `json:"ref"`
	Amount    int64             `json:"amount"`   // Fixed-point: amount scale (decimal_precision=6)
	Exposure  int64             `json:"exposure"` // amount scale
	Leverage  int64             `json:"leverage"` // Fixed-point: leverage scale (decimal_precision=9)
	Price     int64             `json:"price"`    // Fixed-point: price scale (decimal_precision=8)
	Timestamp int64             `json:"timestamp"`
}

func (e *PositionOpened) IdempotencyKey() string { return "open:" + e.ActionID.String() }
func (e *PositionOpened) EventType() EventType   { return EventTypePositionOpened }

// PositionValidated records the second phase of an open: the position's
// final tick, exposure and leverage after repricing.
// Idempotency key: "validated:" plus the action_id of the originating open.
type PositionValidated struct {
	ActionID  uuid.UUID         `json:"action_id"`
	User      uuid.UUID         `json:"user"`
	OldRef    state.PositionRef `json:"old_ref"`
	Ref       state.PositionRef `json:"ref"`
	Exposure  int64             `json:"exposure"`
	Leverage  int64             `json:"leverage"`
	Price     int64             `json:"price"`
	Timestamp int64             `json:"timestamp"`
}

func (e *PositionValidated) IdempotencyKey() string { return "validated:" + e.ActionID.String() }
func (e *PositionValidated) EventType() EventType   { return EventTypePositionValidated }

// PositionClosed records a validated close and the collateral paid out.
// Idempotency key: action_id.
type PositionClosed struct {
	ActionID  uuid.UUID         `json:"action_id"`
	User      uuid.UUID         `json:"user"`
	To        uuid.UUID         `json:"to"`
	Ref       state.PositionRef `json:"ref"`
	Exposure  int64             `json:"exposure"`
	Payout    int64             `json:"payout"` // amount scale, clamped to available long balance
	Price     int64             `json:"price"`
	Timestamp int64             `json:"timestamp"`
}

func (e *PositionClosed) IdempotencyKey() string { return e.ActionID.String() }
func (e *PositionClosed) EventType() EventType   { return EventTypePositionClosed }
