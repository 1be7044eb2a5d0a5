package state

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrOutdatedPositionReference is returned when a position reference's
// captured tick version no longer matches the tick's current version,
// meaning the position was mass-liquidated.
var ErrOutdatedPositionReference = errors.New("outdated position reference")

// Position is a long position held at a tick.
type Position struct {
	Owner       uuid.UUID
	Amount      int64 // deposited collateral, AmountConfig scale
	Exposure    int64 // leveraged exposure, AmountConfig scale
	Leverage    int64 // LeverageConfig scale
	Timestamp   int64 // creation/validation time, unix seconds
	Validated   bool
	CloseLocked bool // close initiated, awaiting validation
}

// PositionRef identifies a position inside the book. It is valid only
// while the tick's current version matches Version.
type PositionRef struct {
	Tick    int64  `json:"tick"`
	Version uint64 `json:"version"`
	Index   int    `json:"index"`
}

// tickState holds per-tick aggregates plus the slot arena for the current
// version. Liquidation bumps the version and resets the aggregates; stale
// references are rejected by version comparison, never by deletion.
type tickState struct {
	Version   uint64
	TotalExpo int64
	Count     int
	Slots     []Position
}

// TickBook is the tick-indexed long position book. It is not safe for
// concurrent use; the engine serializes access.
type TickBook struct {
	spacing int64
	ticks   map[int64]*tickState

	// highest is a performance cache of the highest populated tick. It can
	// go stale when the last position in that tick is closed normally;
	// HighestPopulatedTick resolves staleness with a bounded downward scan.
	highest    int64
	hasHighest bool

	populated int // number of ticks with Count > 0
}

func NewTickBook(spacing int64) *TickBook {
	return &TickBook{
		spacing: spacing,
		ticks:   make(map[int64]*tickState),
	}
}

func (b *TickBook) Spacing() int64 { return b.spacing }

func (b *TickBook) tick(tick int64) *tickState {
	ts, ok := b.ticks[tick]
	if !ok {
		ts = &tickState{}
		b.ticks[tick] = ts
	}
	return ts
}

// Put inserts a position into a tick and returns its reference, capturing
// the tick's current version.
func (b *TickBook) Put(tick int64, pos Position) PositionRef {
	ts := b.tick(tick)

	wasEmpty := ts.Count == 0
	ts.Slots = append(ts.Slots, pos)
	ts.Count++
	ts.TotalExpo += pos.Exposure

	if wasEmpty {
		b.populated++
	}
	if !b.hasHighest || tick > b.highest {
		b.highest = tick
		b.hasHighest = true
	}

	return PositionRef{Tick: tick, Version: ts.Version, Index: len(ts.Slots) - 1}
}

// Get fetches a position by reference. A version mismatch means the tick
// was liquidated since the reference was taken.
func (b *TickBook) Get(ref PositionRef) (Position, error) {
	ts, ok := b.ticks[ref.Tick]
	if !ok || ts.Version != ref.Version {
		return Position{}, fmt.Errorf("tick %d version %d: %w", ref.Tick, ref.Version, ErrOutdatedPositionReference)
	}
	if ref.Index < 0 || ref.Index >= len(ts.Slots) {
		return Position{}, fmt.Errorf("tick %d slot %d: %w", ref.Tick, ref.Index, ErrOutdatedPositionReference)
	}
	pos := ts.Slots[ref.Index]
	if pos.Amount == 0 && pos.Exposure == 0 {
		return Position{}, fmt.Errorf("tick %d slot %d closed: %w", ref.Tick, ref.Index, ErrOutdatedPositionReference)
	}
	return pos, nil
}

// Update replaces a position's record in place, adjusting the tick
// aggregate by the exposure delta. Used when validation recomputes
// leverage against the validation-time price.
func (b *TickBook) Update(ref PositionRef, pos Position) error {
	ts, ok := b.ticks[ref.Tick]
	if !ok || ts.Version != ref.Version {
		return fmt.Errorf("tick %d version %d: %w", ref.Tick, ref.Version, ErrOutdatedPositionReference)
	}
	if ref.Index < 0 || ref.Index >= len(ts.Slots) {
		return fmt.Errorf("tick %d slot %d: %w", ref.Tick, ref.Index, ErrOutdatedPositionReference)
	}
	ts.TotalExpo += pos.Exposure - ts.Slots[ref.Index].Exposure
	ts.Slots[ref.Index] = pos
	return nil
}

// Remove closes a position by its owner. The slot is tombstoned and the
// aggregates decrement; no version bump is needed because the record is
// being intentionally retired, not invalidated.
func (b *TickBook) Remove(ref PositionRef) (Position, error) {
	pos, err := b.Get(ref)
	if err != nil {
		return Position{}, err
	}

	ts := b.ticks[ref.Tick]
	ts.TotalExpo -= pos.Exposure
	ts.Count--
	ts.Slots[ref.Index] = Position{}

	if ts.Count == 0 {
		b.populated--
		// The highest cache is left as-is when this was the highest tick;
		// HighestPopulatedTick falls back to a bounded scan.
	}
	return pos, nil
}

// LiquidateTick mass-invalidates every position in a tick: the version
// increments and the aggregates reset, which is O(1) regardless of the
// number of positions. Returns the pre-liquidation aggregates.
func (b *TickBook) LiquidateTick(tick int64) (totalExpo int64, count int) {
	ts, ok := b.ticks[tick]
	if !ok || ts.Count == 0 {
		return 0, 0
	}

	totalExpo = ts.TotalExpo
	count = ts.Count

	ts.Version++
	ts.TotalExpo = 0
	ts.Count = 0
	ts.Slots = nil
	b.populated--

	return totalExpo, count
}

// TickVersion returns the current version of a tick.
func (b *TickBook) TickVersion(tick int64) uint64 {
	if ts, ok := b.ticks[tick]; ok {
		return ts.Version
	}
	return 0
}

// TickExposure returns the aggregate exposure of a tick.
func (b *TickBook) TickExposure(tick int64) int64 {
	if ts, ok := b.ticks[tick]; ok {
		return ts.TotalExpo
	}
	return 0
}

// TickCount returns the live position count of a tick.
func (b *TickBook) TickCount(tick int64) int {
	if ts, ok := b.ticks[tick]; ok {
		return ts.Count
	}
	return 0
}

// HighestPopulatedTick returns the highest tick holding at least one live
// position. If the cache is stale it scans downward at most maxScan
// spacings; an exhausted scan reports no populated tick, which callers
// treat as "none found", not an error.
func (b *TickBook) HighestPopulatedTick(maxScan int) (int64, bool) {
	if b.populated == 0 || !b.hasHighest {
		return 0, false
	}

	if ts, ok := b.ticks[b.highest]; ok && ts.Count > 0 {
		return b.highest, true
	}

	tick := b.highest
	for i := 0; i < maxScan; i++ {
		tick -= b.spacing
		if ts, ok := b.ticks[tick]; ok && ts.Count > 0 {
			b.highest = tick
			return tick, true
		}
	}
	return 0, false
}

// TotalExposure sums aggregate exposure across all ticks. Used by
// invariant checks; O(ticks).
func (b *TickBook) TotalExposure() int64 {
	var sum int64
	for _, ts := range b.ticks {
		sum += ts.TotalExpo
	}
	return sum
}

// PopulatedTicks returns the number of ticks holding live positions.
func (b *TickBook) PopulatedTicks() int { return b.populated }

// TickSnapshot is a serializable tick for persistence.
type TickSnapshot struct {
	Tick      int64      `json:"tick"`
	Version   uint64     `json:"version"`
	TotalExpo int64      `json:"total_expo"`
	Count     int        `json:"count"`
	Slots     []Position `json:"slots"`
}

// Snapshot captures the book's full state.
func (b *TickBook) Snapshot() []TickSnapshot {
	out := make([]TickSnapshot, 0, len(b.ticks))
	for tick, ts := range b.ticks {
		slots := make([]Position, len(ts.Slots))
		copy(slots, ts.Slots)
		out = append(out, TickSnapshot{
			Tick:      tick,
			Version:   ts.Version,
			TotalExpo: ts.TotalExpo,
			Count:     ts.Count,
			Slots:     slots,
		})
	}
	return out
}

// Restore rebuilds the book from a snapshot.
func (b *TickBook) Restore(snaps []TickSnapshot) {
	b.ticks = make(map[int64]*tickState, len(snaps))
	b.populated = 0
	b.hasHighest = false

	for _, s := range snaps {
		slots := make([]Position, len(s.Slots))
		copy(slots, s.Slots)
		b.ticks[s.Tick] = &tickState{
			Version:   s.Version,
			TotalExpo: s.TotalExpo,
			Count:     s.Count,
			Slots:     slots,
		}
		if s.Count > 0 {
			b.populated++
			if !b.hasHighest || s.Tick > b.highest {
				b.highest = s.Tick
				b.hasHighest = true
			}
		}
	}
}
