package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unitedefi/resolver-backend/internal/chain"
	"github.com/unitedefi/resolver-backend/internal/metrics"
)

// RevealCoordinator verifies revealed secrets and drives the dual-chain
// claim: destination escrow first (paying the recipient), then the source
// escrow (collecting the resolver's funds). A failed destination claim
// leaves the transfer untouched and retryable; a failed source claim after
// a successful destination claim is terminal and flagged as partial.
type RevealCoordinator struct {
	store    *Store
	executor chain.ClaimExecutor
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// RevealOption configures a RevealCoordinator.
type RevealOption func(*RevealCoordinator)

// WithRevealMetrics enables metric recording.
func WithRevealMetrics(m *metrics.Metrics) RevealOption {
	return func(r *RevealCoordinator) { r.metrics = m }
}

// WithRevealClock overrides the time source, for tests.
func WithRevealClock(now func() time.Time) RevealOption {
	return func(r *RevealCoordinator) { r.now = now }
}

func NewRevealCoordinator(store *Store, executor chain.ClaimExecutor, logger *zap.SugaredLogger, opts ...RevealOption) *RevealCoordinator {
	r := &RevealCoordinator{
		store:    store,
		executor: executor,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RevealCoordinator) lockTransfer(transferID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[transferID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[transferID] = lock
	}
	return lock
}

// Reveal verifies the secret against the order's committed hash and, on the
// first valid reveal, executes both claims. Calling Reveal again after a
// full success returns nil without touching the chains.
func (r *RevealCoordinator) Reveal(ctx context.Context, transferID, secret string) error {
	order, err := r.store.GetOrder(ctx, transferID)
	if err != nil {
		return err
	}

	if HashSecret(secret) != order.SecretHash {
		r.logger.Warnw("rejected secret with mismatched hash", "transfer_id", transferID)
		return ErrInvalidSecret
	}

	lock := r.lockTransfer(transferID)
	lock.Lock()
	defer lock.Unlock()

	state, err := r.loadOrInitState(ctx, order)
	if err != nil {
		return err
	}

	if state.PartialClaim {
		return ErrPartialClaim
	}
	if state.SecretRevealed && state.DestClaimTx != "" && state.SourceClaimTx != "" {
		r.logger.Debugw("reveal already executed", "transfer_id", transferID)
		return nil
	}

	// Persist the reveal before any claim so the network sees it even if
	// this process dies mid-execution. The preimage is published for the
	// winning resolver to pick up.
	if !state.SecretRevealed {
		state, err = r.mutateState(ctx, transferID, func(st *BridgeState) {
			st.SecretRevealed = true
		})
		if err != nil {
			return err
		}
		if err := r.store.PutSecret(ctx, transferID, secret); err != nil {
			return err
		}
		r.logger.Infow("secret revealed", "transfer_id", transferID)
	}

	// Destination first: the recipient is paid before the resolver
	// collects. A failure here fails the whole reveal with no partial
	// execution; the claim is retryable.
	if state.DestClaimTx == "" {
		txHash, err := r.executor.Claim(ctx, order.DestChain, order.DestEscrowAddress, secret)
		if err != nil {
			r.recordClaim(ctx, "dest_failed")
			return fmt.Errorf("destination claim failed for %s: %w", transferID, err)
		}

		state, err = r.mutateState(ctx, transferID, func(st *BridgeState) {
			st.DestClaimTx = txHash
			if !st.DestEscrowState.Terminal() {
				st.DestEscrowState = EscrowClaimed
			}
		})
		if err != nil {
			return err
		}
		r.logger.Infow("destination escrow claimed", "transfer_id", transferID, "tx", txHash)
	}

	if state.SourceClaimTx == "" {
		txHash, err := r.executor.Claim(ctx, order.SourceChain, order.SourceEscrowAddress, secret)
		if err != nil {
			// Destination already settled; mark the transfer as partial
			// and surface it rather than pretending it can be retried.
			if _, mErr := r.mutateState(ctx, transferID, func(st *BridgeState) {
				st.PartialClaim = true
			}); mErr != nil {
				r.logger.Errorw("failed to persist partial claim flag",
					"transfer_id", transferID,
					"error", mErr)
			}
			r.recordClaim(ctx, "partial")
			r.logger.Errorw("source claim failed after destination claim",
				"transfer_id", transferID,
				"dest_tx", state.DestClaimTx,
				"error", err)
			return fmt.Errorf("%w: %v", ErrPartialClaim, err)
		}

		if _, err = r.mutateState(ctx, transferID, func(st *BridgeState) {
			st.SourceClaimTx = txHash
			if !st.SourceEscrowState.Terminal() {
				st.SourceEscrowState = EscrowClaimed
			}
		}); err != nil {
			return err
		}
		r.logger.Infow("source escrow claimed", "transfer_id", transferID, "tx", txHash)
	}

	if _, err := r.store.UpdateOrderStatus(ctx, transferID, OrderCompleted); err != nil {
		r.logger.Warnw("failed to mark order completed",
			"transfer_id", transferID,
			"error", err)
	} else if err := r.store.RemoveOrderFromIndex(ctx, transferID); err != nil {
		r.logger.Warnw("failed to deindex completed order",
			"transfer_id", transferID,
			"error", err)
	}

	r.recordClaim(ctx, "success")
	return nil
}

// loadOrInitState returns the transfer's state, creating the initial
// pending/pending document if no sync has run yet.
func (r *RevealCoordinator) loadOrInitState(ctx context.Context, order *BridgeOrder) (*BridgeState, error) {
	state, _, err := r.store.GetState(ctx, order.TransferID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	initial := &BridgeState{
		TransferID:        order.TransferID,
		SourceChain:       order.SourceChain,
		DestChain:         order.DestChain,
		SourceEscrowState: EscrowPending,
		DestEscrowState:   EscrowPending,
		SecretHash:        order.SecretHash,
		LastSyncAt:        r.now().UTC(),
	}
	if _, err := r.store.SwapState(ctx, nil, initial); err != nil {
		return nil, err
	}

	// Re-read in case another process initialized first.
	state, _, err = r.store.GetState(ctx, order.TransferID)
	return state, err
}

// mutateState applies fn to the current state under compare-and-swap,
// retrying when a concurrent writer wins.
func (r *RevealCoordinator) mutateState(ctx context.Context, transferID string, fn func(*BridgeState)) (*BridgeState, error) {
	const maxAttempts = 5

	for attempt := 0; attempt < maxAttempts; attempt++ {
		state, raw, err := r.store.GetState(ctx, transferID)
		if err != nil {
			return nil, err
		}

		next := state.Clone()
		fn(next)
		next.LastSyncAt = r.now().UTC()

		swapped, err := r.store.SwapState(ctx, raw, next)
		if err != nil {
			return nil, err
		}
		if swapped {
			return next, nil
		}
	}

	return nil, fmt.Errorf("state update for %s lost %d write races", transferID, maxAttempts)
}

func (r *RevealCoordinator) recordClaim(ctx context.Context, result string) {
	if r.metrics != nil {
		r.metrics.RecordClaimExecution(ctx, result)
	}
}
