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

// Synchronizer reconciles a transfer's escrow state across both chains into
// the shared BridgeState document. Several resolver processes run a
// synchronizer against the same store; writes go through compare-and-swap
// and in-process work is serialized per transfer.
type Synchronizer struct {
	store   *Store
	reader  chain.EscrowStateReader
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// SynchronizerOption configures a Synchronizer.
type SynchronizerOption func(*Synchronizer)

// WithSyncMetrics enables metric recording.
func WithSyncMetrics(m *metrics.Metrics) SynchronizerOption {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithSyncClock overrides the time source, for tests.
func WithSyncClock(now func() time.Time) SynchronizerOption {
	return func(s *Synchronizer) { s.now = now }
}

func NewSynchronizer(store *Store, reader chain.EscrowStateReader, logger *zap.SugaredLogger, opts ...SynchronizerOption) *Synchronizer {
	s := &Synchronizer{
		store:  store,
		reader: reader,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synchronizer) lockTransfer(transferID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[transferID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[transferID] = lock
	}
	return lock
}

// Sync reads both escrows and persists the merged view. The merge never
// clears secretRevealed: once either chain (or a previous sync) observed the
// reveal, it stays set. When either chain read fails nothing is persisted
// and the previous state stands.
func (s *Synchronizer) Sync(ctx context.Context, transferID string) (*BridgeState, error) {
	lock := s.lockTransfer(transferID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.store.GetOrder(ctx, transferID)
	if err != nil {
		return nil, err
	}

	prev, prevRaw, err := s.store.GetState(ctx, transferID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Terminal states are immutable except for event appends, which go
	// through HandleEvent.
	if prev != nil && prev.Terminal() {
		return prev, nil
	}

	src, err := s.reader.EscrowState(ctx, transferID, order.SourceChain, order.SourceEscrowAddress)
	if err != nil {
		s.recordFailure(ctx)
		return nil, fmt.Errorf("failed to read source escrow for %s: %w", transferID, err)
	}

	dst, err := s.reader.EscrowState(ctx, transferID, order.DestChain, order.DestEscrowAddress)
	if err != nil {
		s.recordFailure(ctx)
		return nil, fmt.Errorf("failed to read destination escrow for %s: %w", transferID, err)
	}

	var next *BridgeState
	if prev != nil {
		next = prev.Clone()
	} else {
		next = &BridgeState{
			TransferID:  transferID,
			SourceChain: order.SourceChain,
			DestChain:   order.DestChain,
			SecretHash:  order.SecretHash,
		}
	}

	next.SourceEscrowState = EscrowState(src.Status)
	next.DestEscrowState = EscrowState(dst.Status)
	next.SecretRevealed = next.SecretRevealed || src.SecretRevealed || dst.SecretRevealed
	next.LastSyncAt = s.now().UTC()

	swapped, err := s.store.SwapState(ctx, prevRaw, next)
	if err != nil {
		s.recordFailure(ctx)
		return nil, err
	}
	if !swapped {
		// Another process synchronized concurrently; its snapshot is at
		// least as fresh as ours.
		stored, _, err := s.store.GetState(ctx, transferID)
		if err != nil {
			return nil, err
		}
		s.logger.Debugw("concurrent sync won the write", "transfer_id", transferID)
		return stored, nil
	}

	s.logger.Debugw("synchronized bridge state",
		"transfer_id", transferID,
		"source_state", next.SourceEscrowState,
		"dest_state", next.DestEscrowState,
		"secret_revealed", next.SecretRevealed)

	return next, nil
}

// HandleEvent applies a single escrow event to the transfer's state. Events
// for unknown transfers are logged and dropped; duplicate deliveries (same
// transaction hash and block number) are no-ops.
func (s *Synchronizer) HandleEvent(ctx context.Context, ev *EscrowEvent) error {
	order, err := s.store.GetOrder(ctx, ev.TransferID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warnw("dropping event for unknown transfer",
				"transfer_id", ev.TransferID,
				"event_type", ev.Type,
				"tx", ev.TxHash)
			return nil
		}
		return err
	}

	if ev.ChainID != order.SourceChain && ev.ChainID != order.DestChain {
		s.logger.Warnw("dropping event from unexpected chain",
			"transfer_id", ev.TransferID,
			"chain", ev.ChainID)
		return nil
	}

	lock := s.lockTransfer(ev.TransferID)
	lock.Lock()
	defer lock.Unlock()

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		prev, prevRaw, err := s.store.GetState(ctx, ev.TransferID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		var next *BridgeState
		if prev != nil {
			if prev.HasEvent(ev) {
				s.logger.Debugw("ignoring duplicate event",
					"transfer_id", ev.TransferID,
					"dedup_key", ev.DedupKey())
				return nil
			}
			next = prev.Clone()
		} else {
			next = &BridgeState{
				TransferID:        ev.TransferID,
				SourceChain:       order.SourceChain,
				DestChain:         order.DestChain,
				SourceEscrowState: EscrowPending,
				DestEscrowState:   EscrowPending,
				SecretHash:        order.SecretHash,
			}
		}

		s.applyEvent(next, order, ev)
		next.Events = append(next.Events, *ev)
		next.LastSyncAt = s.now().UTC()

		swapped, err := s.store.SwapState(ctx, prevRaw, next)
		if err != nil {
			return err
		}
		if swapped {
			s.logger.Infow("applied escrow event",
				"transfer_id", ev.TransferID,
				"event_type", ev.Type,
				"chain", ev.ChainID,
				"block", ev.BlockNumber)
			return nil
		}
		// Lost the write; re-read and re-check for duplicates.
	}

	return fmt.Errorf("event %s for %s lost %d write races", ev.DedupKey(), ev.TransferID, maxAttempts)
}

// applyEvent mutates next according to the event. Escrow sides that already
// reached a terminal state are left untouched.
func (s *Synchronizer) applyEvent(next *BridgeState, order *BridgeOrder, ev *EscrowEvent) {
	isSource := ev.ChainID == order.SourceChain

	setSide := func(state EscrowState) {
		if isSource {
			if !next.SourceEscrowState.Terminal() {
				next.SourceEscrowState = state
			}
		} else {
			if !next.DestEscrowState.Terminal() {
				next.DestEscrowState = state
			}
		}
	}

	switch ev.Type {
	case EventEscrowCreated:
		setSide(EscrowPending)
	case EventEscrowClaimed:
		setSide(EscrowClaimed)
		// A claim carries the preimage on-chain.
		next.SecretRevealed = true
	case EventEscrowRefunded:
		setSide(EscrowRefunded)
	case EventEscrowExpired:
		// Expiry ends the transfer on both sides unless a side already
		// settled.
		if !next.SourceEscrowState.Terminal() {
			next.SourceEscrowState = EscrowExpired
		}
		if !next.DestEscrowState.Terminal() {
			next.DestEscrowState = EscrowExpired
		}
	default:
		s.logger.Warnw("unknown event type",
			"transfer_id", ev.TransferID,
			"event_type", ev.Type)
	}
}

func (s *Synchronizer) recordFailure(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.RecordSyncFailure(ctx)
	}
}
