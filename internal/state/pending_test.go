package state_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"VaultCore/internal/state"
)

func pending(user uuid.UUID, ts int64) *state.PendingAction {
	return &state.PendingAction{
		ID:        uuid.New(),
		Kind:      state.ActionDeposit,
		User:      user,
		To:        user,
		Timestamp: ts,
		Amount:    100,
	}
}

// ============================================================================
// Test: one pending action per user
// ============================================================================

func TestPendingQueue_OnePerUser(t *testing.T) {
	q := state.NewPendingQueue()
	user := uuid.New()

	if err := q.Push(pending(user, 10)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(pending(user, 20)); !errors.Is(err, state.ErrPendingActionExists) {
		t.Errorf("second push: %v", err)
	}

	a, ok := q.ByUser(user)
	if !ok || a.Timestamp != 10 {
		t.Errorf("lookup: %+v, %v", a, ok)
	}
}

func TestPendingQueue_RemoveByUser(t *testing.T) {
	q := state.NewPendingQueue()
	user := uuid.New()
	q.Push(pending(user, 10))

	if _, ok := q.RemoveByUser(user); !ok {
		t.Fatal("remove should find the action")
	}
	if _, ok := q.ByUser(user); ok {
		t.Error("removed action still resolvable")
	}
	if _, ok := q.RemoveByUser(user); ok {
		t.Error("double remove should find nothing")
	}
	if q.Len() != 0 {
		t.Errorf("len %d, want 0", q.Len())
	}
}

// ============================================================================
// Test: deadline-gated actionability
// ============================================================================

func TestPendingQueue_NotActionableBeforeDeadline(t *testing.T) {
	q := state.NewPendingQueue()
	q.Push(pending(uuid.New(), 100))

	if _, ok := q.NextActionable(189, 90, 16); ok {
		t.Error("action before deadline must not be actionable")
	}
	if a, ok := q.NextActionable(190, 90, 16); !ok || a.Timestamp != 100 {
		t.Errorf("action at deadline: %+v, %v", a, ok)
	}
}

func TestPendingQueue_InsertionOrderGates(t *testing.T) {
	q := state.NewPendingQueue()
	q.Push(pending(uuid.New(), 100))
	q.Push(pending(uuid.New(), 10)) // enqueued later despite older timestamp

	// The queue is insertion-ordered; a front entry still inside its
	// deadline blocks everything behind it.
	if _, ok := q.NextActionable(150, 90, 16); ok {
		t.Error("front entry inside deadline must gate the scan")
	}
}

func TestPendingQueue_SkipsTombstones(t *testing.T) {
	q := state.NewPendingQueue()
	first := uuid.New()
	second := uuid.New()
	third := uuid.New()
	q.Push(pending(first, 10))
	q.Push(pending(second, 20))
	q.Push(pending(third, 30))

	q.RemoveByUser(second)
	q.RemoveByUser(first)

	a, ok := q.NextActionable(1000, 90, 16)
	if !ok || a.User != third {
		t.Errorf("got %+v, %v, want third user's action", a, ok)
	}
}

func TestPendingQueue_ScanCapExhaustedIsNotAnError(t *testing.T) {
	q := state.NewPendingQueue()
	if _, ok := q.NextActionable(1000, 90, 0); ok {
		t.Error("zero-cap scan must find nothing")
	}
}

// ============================================================================
// Test: snapshot round trip
// ============================================================================

func TestPendingQueue_SnapshotRestore(t *testing.T) {
	q := state.NewPendingQueue()
	first := uuid.New()
	second := uuid.New()
	q.Push(pending(first, 10))
	q.Push(pending(second, 20))
	q.RemoveByUser(first)

	restored := state.NewPendingQueue()
	restored.Restore(q.Snapshot())

	if restored.Len() != 1 {
		t.Fatalf("len %d, want 1", restored.Len())
	}
	a, ok := restored.ByUser(second)
	if !ok || a.Timestamp != 20 {
		t.Errorf("restored lookup: %+v, %v", a, ok)
	}
	if _, ok := restored.ByUser(first); ok {
		t.Error("tombstoned entry must not be restored")
	}
}
