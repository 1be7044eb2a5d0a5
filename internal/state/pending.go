package state

import (
	"errors"

	"github.com/google/uuid"
)

// ActionKind discriminates the two-phase user actions.
type ActionKind int32

const (
	ActionNone ActionKind = iota
	ActionDeposit
	ActionWithdrawal
	ActionOpenPosition
	ActionClosePosition
)

func (k ActionKind) String() string {
	switch k {
	case ActionDeposit:
		return "Deposit"
	case ActionWithdrawal:
		return "Withdrawal"
	case ActionOpenPosition:
		return "OpenPosition"
	case ActionClosePosition:
		return "ClosePosition"
	default:
		return "None"
	}
}

// ErrPendingActionExists is returned when a user initiates an action while
// a previous one is still awaiting validation.
var ErrPendingActionExists = errors.New("pending action already exists for user")

// PendingAction is the "initiate" half of a two-phase user action awaiting
// price validation. Payload fields are action-specific.
type PendingAction struct {
	ID        uuid.UUID   `json:"id"`
	Kind      ActionKind  `json:"kind"`
	User      uuid.UUID   `json:"user"`
	To        uuid.UUID   `json:"to"`
	Timestamp int64       `json:"timestamp"`
	Amount    int64       `json:"amount"`     // collateral amount, action-specific
	Stable    string      `json:"stable"`     // withdrawal only: stable-token amount, base-10 big integer
	Price     int64       `json:"price"`      // price captured at initiation
	Ref       PositionRef `json:"ref"`        // close only
	Exposure  int64       `json:"exposure"`   // close only: position exposure at initiation
	Leverage  int64       `json:"leverage"`   // open/close
	TempHeld  int64       `json:"temp_held"`  // close only: long balance reserved at initiation
}

// PendingQueue is an ordered, sparse queue of pending actions. Entries are
// tombstoned in place when validated or cleared, so scans must skip empty
// slots. One pending action per user.
type PendingQueue struct {
	items  []*PendingAction
	front  int
	byUser map[uuid.UUID]int // user -> absolute index (front-relative offsets shift)
	live   int
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{byUser: make(map[uuid.UUID]int)}
}

func (q *PendingQueue) Len() int { return q.live }

// Push enqueues an action. A user may have at most one in flight.
func (q *PendingQueue) Push(a *PendingAction) error {
	if _, ok := q.byUser[a.User]; ok {
		return ErrPendingActionExists
	}
	q.items = append(q.items, a)
	q.byUser[a.User] = len(q.items) - 1
	q.live++
	return nil
}

// ByUser returns the user's pending action, if any.
func (q *PendingQueue) ByUser(user uuid.UUID) (*PendingAction, bool) {
	idx, ok := q.byUser[user]
	if !ok {
		return nil, false
	}
	return q.items[idx], true
}

// RemoveByUser tombstones the user's pending action.
func (q *PendingQueue) RemoveByUser(user uuid.UUID) (*PendingAction, bool) {
	idx, ok := q.byUser[user]
	if !ok {
		return nil, false
	}
	a := q.items[idx]
	q.items[idx] = nil
	delete(q.byUser, user)
	q.live--
	q.compact()
	return a, true
}

// NextActionable scans forward from the queue front for the first entry
// whose validation deadline has elapsed, skipping tombstoned slots, up to
// maxIter slots. An exhausted scan returns (nil, false), never an error.
// Actionability is a pure function of (enqueue time, now, deadline).
func (q *PendingQueue) NextActionable(now, deadline int64, maxIter int) (*PendingAction, bool) {
	scanned := 0
	for i := q.front; i < len(q.items) && scanned < maxIter; i++ {
		a := q.items[i]
		scanned++
		if a == nil {
			continue
		}
		if a.Timestamp+deadline <= now {
			return a, true
		}
		// Queue is insertion-ordered: the first live entry not yet past the
		// deadline means nothing behind it is actionable either.
		return nil, false
	}
	return nil, false
}

// compact advances the front cursor past leading tombstones and trims the
// backing slice when fully drained.
func (q *PendingQueue) compact() {
	for q.front < len(q.items) && q.items[q.front] == nil {
		q.front++
	}
	if q.front == len(q.items) {
		q.items = q.items[:0]
		q.front = 0
	}
}

// Snapshot returns the live entries in queue order.
func (q *PendingQueue) Snapshot() []PendingAction {
	out := make([]PendingAction, 0, q.live)
	for i := q.front; i < len(q.items); i++ {
		if q.items[i] != nil {
			out = append(out, *q.items[i])
		}
	}
	return out
}

// Restore rebuilds the queue from a snapshot.
func (q *PendingQueue) Restore(items []PendingAction) {
	q.items = q.items[:0]
	q.front = 0
	q.live = 0
	q.byUser = make(map[uuid.UUID]int, len(items))
	for i := range items {
		a := items[i]
		q.items = append(q.items, &a)
		q.byUser[a.User] = len(q.items) - 1
		q.live++
	}
}
