package event

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeVaultDeposited
	EventTypeVaultWithdrawn
	EventTypePositionOpened
	EventTypePositionValidated
	EventTypePositionClosed
	EventTypeTickLiquidated
	EventTypeFundingApplied
	EventTypeProtocolFeeFlushed
	EventTypeSupplyRebased
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the service layer
	Sequence int64 `json:"sequence"`

	// Stable idempotency key derived from the payload
	IdempotencyKey string `json:"idempotency_key"`

	// Event type discriminator
	EventType EventType `json:"event_type"`

	// Versioned input timestamp in unix seconds (NOT wall-clock)
	Timestamp int64 `json:"timestamp"`

	// JSON-encoded event-specific data
	Payload []byte `json:"payload"`
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeVaultDeposited:
		return "VaultDeposited"
	case EventTypeVaultWithdrawn:
		return "VaultWithdrawn"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionValidated:
		return "PositionValidated"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeTickLiquidated:
		return "TickLiquidated"
	case EventTypeFundingApplied:
		return "FundingApplied"
	case EventTypeProtocolFeeFlushed:
		return "ProtocolFeeFlushed"
	case EventTypeSupplyRebased:
		return "SupplyRebased"
	default:
		return "Unknown"
	}
}
