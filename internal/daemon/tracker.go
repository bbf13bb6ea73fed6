package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/unitedefi/resolver-backend/internal/bridge"
)

// OrderPhase is the agent's local view of where an order sits in its
// workflow: discovered -> bid_submitted -> won/lost/expired, and for won
// orders executing -> completed/failed.
type OrderPhase string

const (
	PhaseDiscovered   OrderPhase = "discovered"
	PhaseBidSubmitted OrderPhase = "bid_submitted"
	PhaseWon          OrderPhase = "won"
	PhaseLost         OrderPhase = "lost"
	PhaseExpired      OrderPhase = "expired"
	PhaseExecuting    OrderPhase = "executing"
	PhaseCompleted    OrderPhase = "completed"
	PhaseFailed       OrderPhase = "failed"
)

// Terminal reports whether the phase ends the agent's involvement with the
// order.
func (p OrderPhase) Terminal() bool {
	switch p {
	case PhaseLost, PhaseExpired, PhaseCompleted, PhaseFailed:
		return true
	}
	return false
}

// TrackedOrder pairs an order with its workflow phase.
type TrackedOrder struct {
	Order     *bridge.BridgeOrder `json:"order"`
	Phase     OrderPhase          `json:"phase"`
	UpdatedAt time.Time           `json:"updatedAt"`

	cancel context.CancelFunc
}

// Stats summarizes the agent's activity since startup.
type Stats struct {
	TotalBids            int64     `json:"totalBids"`
	SuccessfulExecutions int64     `json:"successfulExecutions"`
	FailedExecutions     int64     `json:"failedExecutions"`
	ReputationScore      float64   `json:"reputationScore"`
	ActiveOrders         int       `json:"activeOrders"`
	LastActivityAt       time.Time `json:"lastActivityAt"`
}

// orderTracker is the agent's mutex-guarded working set.
type orderTracker struct {
	mu     sync.Mutex
	orders map[string]*TrackedOrder
	st     Stats
}

func newOrderTracker() *orderTracker {
	return &orderTracker{orders: make(map[string]*TrackedOrder)}
}

// track registers a newly discovered order. Returns false when the order is
// already tracked.
func (t *orderTracker) track(order *bridge.BridgeOrder, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.orders[order.TransferID]; ok {
		return false
	}
	t.orders[order.TransferID] = &TrackedOrder{
		Order:     order,
		Phase:     PhaseDiscovered,
		UpdatedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	return true
}

func (t *orderTracker) get(transferID string) (TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.orders[transferID]
	if !ok {
		return TrackedOrder{}, false
	}
	return *tracked, true
}

// setPhase moves an order to the given phase. Terminal phases stick: once
// an order is lost, expired, completed, or failed, later writes are
// ignored. Entering a terminal phase cancels the order's monitor.
func (t *orderTracker) setPhase(transferID string, phase OrderPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.orders[transferID]
	if !ok || tracked.Phase.Terminal() {
		return
	}
	tracked.Phase = phase
	tracked.UpdatedAt = time.Now().UTC()
	t.st.LastActivityAt = tracked.UpdatedAt

	if phase.Terminal() && tracked.cancel != nil {
		tracked.cancel()
	}
}

// settle is setPhase for monitor observations; the name marks call sites
// where the phase comes from chain state rather than the agent's own flow.
func (t *orderTracker) settle(transferID string, phase OrderPhase) {
	t.setPhase(transferID, phase)
}

// inPhase returns snapshots of all orders currently in the given phase.
func (t *orderTracker) inPhase(phase OrderPhase) []TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []TrackedOrder
	for _, tracked := range t.orders {
		if tracked.Phase == phase {
			out = append(out, *tracked)
		}
	}
	return out
}

func (t *orderTracker) countPhase(phase OrderPhase) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, tracked := range t.orders {
		if tracked.Phase == phase {
			n++
		}
	}
	return n
}

// terminal returns snapshots of all orders in a terminal phase.
func (t *orderTracker) terminal() []TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []TrackedOrder
	for _, tracked := range t.orders {
		if tracked.Phase.Terminal() {
			out = append(out, *tracked)
		}
	}
	return out
}

// snapshot returns all tracked orders.
func (t *orderTracker) snapshot() []TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TrackedOrder, 0, len(t.orders))
	for _, tracked := range t.orders {
		out = append(out, *tracked)
	}
	return out
}

// remove drops an order from the working set, cancelling its monitor.
func (t *orderTracker) remove(transferID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tracked, ok := t.orders[transferID]; ok {
		if tracked.cancel != nil {
			tracked.cancel()
		}
		delete(t.orders, transferID)
	}
}

// cancelAll cancels every monitor without dropping tracking state.
func (t *orderTracker) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tracked := range t.orders {
		if tracked.cancel != nil {
			tracked.cancel()
		}
	}
}

func (t *orderTracker) recordBid() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.TotalBids++
	t.st.LastActivityAt = time.Now().UTC()
}

func (t *orderTracker) recordExecution(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if success {
		t.st.SuccessfulExecutions++
	} else {
		t.st.FailedExecutions++
	}
	t.st.LastActivityAt = time.Now().UTC()
}

func (t *orderTracker) setReputation(score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.ReputationScore = score
}

func (t *orderTracker) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.st
	st.ActiveOrders = len(t.orders)
	return st
}
