// Package marketplace implements the competitive resolver marketplace:
// order discovery and validation, bid intake with network-wide
// preconditions, Dutch-auction winner selection, and reputation tracking.
package marketplace

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/unitedefi/resolver-backend/internal/bridge"
	"github.com/unitedefi/resolver-backend/internal/metrics"
)

// Config carries the auction parameters every resolver in the network
// agrees on.
type Config struct {
	AuctionDuration      time.Duration
	MaxFeeRate           float64
	MaxExecutionWindow   time.Duration
	MinResolverStake     int64
	ReputationThreshold  float64
	DefaultExecutionTime time.Duration
}

// Marketplace tracks open orders locally while coordinating bids, winners,
// and reputation through the shared store. Precondition failures are
// reported as boolean refusals, never errors: a refused bid is a normal
// outcome of the protocol.
type Marketplace struct {
	store   *bridge.Store
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	mu      sync.RWMutex
	tracked map[string]*bridge.BridgeOrder
}

// Option configures a Marketplace.
type Option func(*Marketplace)

// WithMetrics enables metric recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mp *Marketplace) { mp.metrics = m }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(mp *Marketplace) { mp.now = now }
}

func New(store *bridge.Store, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Marketplace {
	mp := &Marketplace{
		store:   store,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		tracked: make(map[string]*bridge.BridgeOrder),
	}
	for _, opt := range opts {
		opt(mp)
	}
	return mp
}

// Discover pulls the order index and starts tracking every valid order not
// seen before. Invalid orders are logged and skipped, not errors.
func (mp *Marketplace) Discover(ctx context.Context) ([]*bridge.BridgeOrder, error) {
	ids, err := mp.store.ListOrderIDs(ctx)
	if err != nil {
		return nil, err
	}

	var discovered []*bridge.BridgeOrder
	for _, id := range ids {
		mp.mu.RLock()
		_, known := mp.tracked[id]
		mp.mu.RUnlock()
		if known {
			continue
		}

		order, err := mp.store.GetOrder(ctx, id)
		if err != nil {
			if !errors.Is(err, bridge.ErrNotFound) {
				mp.logger.Warnw("failed to load indexed order", "transfer_id", id, "error", err)
			}
			continue
		}

		if order.Status.Terminal() {
			// Settled orders are not biddable; drop them from the index
			// so they stop surfacing on every discovery pass.
			if err := mp.store.RemoveOrderFromIndex(ctx, id); err != nil {
				mp.logger.Warnw("failed to deindex settled order", "transfer_id", id, "error", err)
			}
			continue
		}

		if !mp.Validate(order) {
			continue
		}

		mp.mu.Lock()
		mp.tracked[id] = order
		mp.mu.Unlock()

		if mp.metrics != nil {
			mp.metrics.RecordOrderDiscovered(ctx)
		}
		mp.logger.Infow("discovered bridge order",
			"transfer_id", id,
			"source_chain", order.SourceChain,
			"dest_chain", order.DestChain,
			"amount", order.Amount)

		discovered = append(discovered, order)
	}

	return discovered, nil
}

// Validate checks an order's structural and temporal validity. Failures are
// logged with the reason and reported as false.
func (mp *Marketplace) Validate(order *bridge.BridgeOrder) bool {
	switch {
	case order.ExpiredAt(mp.now()):
		mp.logger.Warnw("rejecting order past its deadline",
			"transfer_id", order.TransferID,
			"deadline", order.Deadline())
		return false
	case !common.IsHexAddress(order.TokenAddress):
		mp.logger.Warnw("rejecting order with invalid token address",
			"transfer_id", order.TransferID,
			"token", order.TokenAddress)
		return false
	case order.Amount <= 0:
		mp.logger.Warnw("rejecting order with non-positive amount",
			"transfer_id", order.TransferID,
			"amount", order.Amount)
		return false
	case !bridge.ValidSecretHash(order.SecretHash):
		mp.logger.Warnw("rejecting order with malformed secret hash",
			"transfer_id", order.TransferID)
		return false
	}
	return true
}

// SubmitBid places a bid on behalf of a resolver. Returns false when any
// precondition fails: unknown or closed order, bid above the order amount,
// unregistered resolver, reputation below threshold, or stake below the
// network minimum.
func (mp *Marketplace) SubmitBid(ctx context.Context, transferID, resolverAddress string, bidPrice, gasEstimate int64) bool {
	order, err := mp.orderFor(ctx, transferID)
	if err != nil {
		mp.logger.Warnw("refusing bid on unknown order", "transfer_id", transferID)
		return false
	}

	if order.Status != bridge.OrderPending && order.Status != bridge.OrderBidding {
		mp.logger.Warnw("refusing bid on closed order",
			"transfer_id", transferID,
			"status", order.Status)
		return false
	}
	if order.ExpiredAt(mp.now()) {
		mp.logger.Warnw("refusing bid on expired order", "transfer_id", transferID)
		return false
	}
	if bidPrice <= 0 || bidPrice > order.Amount {
		mp.logger.Warnw("refusing bid with out-of-range price",
			"transfer_id", transferID,
			"bid_price", bidPrice,
			"amount", order.Amount)
		return false
	}

	entry, err := mp.store.GetRegistryEntry(ctx, resolverAddress)
	if err != nil {
		mp.logger.Warnw("refusing bid from unregistered resolver",
			"transfer_id", transferID,
			"resolver", resolverAddress)
		return false
	}
	if !entry.Active {
		mp.logger.Warnw("refusing bid from inactive resolver",
			"transfer_id", transferID,
			"resolver", resolverAddress)
		return false
	}
	if entry.ReputationScore < mp.cfg.ReputationThreshold {
		mp.logger.Warnw("refusing bid below reputation threshold",
			"transfer_id", transferID,
			"resolver", resolverAddress,
			"reputation", entry.ReputationScore,
			"threshold", mp.cfg.ReputationThreshold)
		return false
	}
	if entry.StakeAmount < mp.cfg.MinResolverStake {
		mp.logger.Warnw("refusing bid below minimum stake",
			"transfer_id", transferID,
			"resolver", resolverAddress,
			"stake", entry.StakeAmount,
			"minimum", mp.cfg.MinResolverStake)
		return false
	}

	bid := &bridge.ResolverBid{
		TransferID:       transferID,
		ResolverAddress:  resolverAddress,
		BidPrice:         bidPrice,
		ExecutionTimeSec: int64(mp.cfg.DefaultExecutionTime.Seconds()),
		GasEstimate:      gasEstimate,
		ReputationScore:  entry.ReputationScore,
		StakeAmount:      entry.StakeAmount,
		SubmittedAt:      mp.now().UTC(),
	}

	if err := mp.store.PutBid(ctx, bid); err != nil {
		mp.logger.Errorw("failed to store bid",
			"transfer_id", transferID,
			"resolver", resolverAddress,
			"error", err)
		return false
	}

	if order.Status == bridge.OrderPending {
		if updated, err := mp.store.UpdateOrderStatus(ctx, transferID, bridge.OrderBidding); err == nil {
			mp.replaceTracked(updated)
		}
	}

	if mp.metrics != nil {
		mp.metrics.RecordBidSubmitted(ctx, transferID)
	}
	mp.logger.Infow("bid submitted",
		"transfer_id", transferID,
		"resolver", resolverAddress,
		"bid_price", bidPrice)
	return true
}

// SelectWinner closes the auction for a transfer. The highest weighted
// score wins; ties go to the earliest submitted bid. Selection is
// idempotent: once a winner is published every subsequent call returns it.
// No bids yields (nil, nil).
func (mp *Marketplace) SelectWinner(ctx context.Context, transferID string) (*bridge.AuctionResult, error) {
	if existing, err := mp.store.GetAuctionResult(ctx, transferID); err == nil {
		return existing, nil
	} else if !errors.Is(err, bridge.ErrNotFound) {
		return nil, err
	}

	bids, err := mp.store.BidsFor(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return nil, nil
	}

	order, err := mp.orderFor(ctx, transferID)
	if err != nil {
		return nil, err
	}

	windowSec := int64(mp.cfg.MaxExecutionWindow.Seconds())
	best := bids[0]
	bestScore := scoreBid(best, order.Amount, mp.cfg.MaxFeeRate, windowSec)

	for _, bid := range bids[1:] {
		score := scoreBid(bid, order.Amount, mp.cfg.MaxFeeRate, windowSec)
		switch score.Cmp(bestScore) {
		case 1:
			best, bestScore = bid, score
		case 0:
			if bid.SubmittedAt.Before(best.SubmittedAt) {
				best = bid
			}
		}
	}

	result := &bridge.AuctionResult{
		TransferID:        transferID,
		WinningBid:        *best,
		SelectedAt:        mp.now().UTC(),
		ExecutionDeadline: mp.now().UTC().Add(time.Duration(best.ExecutionTimeSec) * time.Second),
	}

	created, err := mp.store.PutAuctionResult(ctx, result)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another process closed the auction first.
		return mp.store.GetAuctionResult(ctx, transferID)
	}

	if updated, err := mp.store.UpdateOrderStatus(ctx, transferID, bridge.OrderExecuting); err == nil {
		mp.replaceTracked(updated)
	}

	mp.logger.Infow("auction winner selected",
		"transfer_id", transferID,
		"resolver", best.ResolverAddress,
		"bid_price", best.BidPrice,
		"score", bestScore.String(),
		"bids", len(bids))

	return result, nil
}

// UpdateReputation applies the asymmetric per-execution adjustment: +0.01
// on success, -0.05 on failure, clamped to [0, 1]. Unknown resolvers start
// from the neutral 0.5.
func (mp *Marketplace) UpdateReputation(ctx context.Context, resolverAddress string, success bool) (float64, error) {
	entry, err := mp.store.GetRegistryEntry(ctx, resolverAddress)
	if err != nil {
		if !errors.Is(err, bridge.ErrNotFound) {
			return 0, err
		}
		entry = &bridge.RegistryEntry{
			Address:         resolverAddress,
			ReputationScore: 0.5,
			RegisteredAt:    mp.now().UTC(),
		}
	}

	before := entry.ReputationScore
	if success {
		entry.ReputationScore = min(entry.ReputationScore+0.01, 1.0)
		entry.SuccessfulExecutions++
	} else {
		entry.ReputationScore = max(entry.ReputationScore-0.05, 0.0)
		entry.FailedExecutions++
	}
	entry.LastActivityAt = mp.now().UTC()

	if err := mp.store.PutRegistryEntry(ctx, entry); err != nil {
		return 0, err
	}

	mp.logger.Infow("reputation updated",
		"resolver", resolverAddress,
		"success", success,
		"before", before,
		"after", entry.ReputationScore)

	return entry.ReputationScore, nil
}

// ExpireStaleOrders sweeps tracked orders past their deadline, marks them
// expired, and removes them from the discovery index. Returns the expired
// transfer IDs.
func (mp *Marketplace) ExpireStaleOrders(ctx context.Context) []string {
	now := mp.now()

	mp.mu.RLock()
	var stale []*bridge.BridgeOrder
	for _, order := range mp.tracked {
		if !order.Status.Terminal() && order.ExpiredAt(now) {
			stale = append(stale, order)
		}
	}
	mp.mu.RUnlock()

	var expired []string
	for _, order := range stale {
		if _, err := mp.store.UpdateOrderStatus(ctx, order.TransferID, bridge.OrderExpired); err != nil {
			mp.logger.Warnw("failed to expire order",
				"transfer_id", order.TransferID,
				"error", err)
			continue
		}
		if err := mp.store.RemoveOrderFromIndex(ctx, order.TransferID); err != nil {
			mp.logger.Warnw("failed to deindex expired order",
				"transfer_id", order.TransferID,
				"error", err)
		}

		mp.mu.Lock()
		delete(mp.tracked, order.TransferID)
		mp.mu.Unlock()

		mp.logger.Infow("order expired", "transfer_id", order.TransferID)
		expired = append(expired, order.TransferID)
	}

	return expired
}

// Tracked returns a snapshot of the orders the marketplace is tracking.
func (mp *Marketplace) Tracked() []*bridge.BridgeOrder {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	orders := make([]*bridge.BridgeOrder, 0, len(mp.tracked))
	for _, order := range mp.tracked {
		orders = append(orders, order)
	}
	return orders
}

// TrackedOrder returns a tracked order by transfer ID.
func (mp *Marketplace) TrackedOrder(transferID string) (*bridge.BridgeOrder, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	order, ok := mp.tracked[transferID]
	return order, ok
}

// Untrack drops an order from local tracking.
func (mp *Marketplace) Untrack(transferID string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.tracked, transferID)
}

func (mp *Marketplace) orderFor(ctx context.Context, transferID string) (*bridge.BridgeOrder, error) {
	mp.mu.RLock()
	order, ok := mp.tracked[transferID]
	mp.mu.RUnlock()
	if ok {
		return order, nil
	}
	return mp.store.GetOrder(ctx, transferID)
}

func (mp *Marketplace) replaceTracked(order *bridge.BridgeOrder) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if _, ok := mp.tracked[order.TransferID]; ok {
		mp.tracked[order.TransferID] = order
	}
}
