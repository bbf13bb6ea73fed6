// Package daemon runs the always-on resolver agent: five periodic
// activities (discovery, auto-bidding, execution, reputation maintenance,
// cleanup) plus a cancellable monitor per tracked order.
package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/unitedefi/resolver-backend/internal/archive"
	"github.com/unitedefi/resolver-backend/internal/bridge"
	"github.com/unitedefi/resolver-backend/internal/marketplace"
	"github.com/unitedefi/resolver-backend/internal/metrics"
)

// initialReputation is the score a resolver starts with when it first
// registers.
const initialReputation = 0.8

// Config carries the agent's static settings.
type Config struct {
	ResolverAddress     string
	StakeAmount         int64
	AutoBid             bool
	AutoExecute         bool
	MinProfitThreshold  float64
	MaxConcurrentOrders int

	AuctionDuration time.Duration

	DiscoveryInterval  time.Duration
	BidInterval        time.Duration
	ExecutionInterval  time.Duration
	ReputationInterval time.Duration
	CleanupInterval    time.Duration
	MonitorInterval    time.Duration
	ShutdownGrace      time.Duration
}

// Agent is one resolver's autonomous participant in the marketplace.
type Agent struct {
	cfg     Config
	market  *marketplace.Marketplace
	sync    *bridge.Synchronizer
	reveal  *bridge.RevealCoordinator
	store   *bridge.Store
	archive *archive.Archive
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time

	tracker *orderTracker

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithArchive enables the Postgres audit archive.
func WithArchive(a *archive.Archive) AgentOption {
	return func(ag *Agent) { ag.archive = a }
}

// WithAgentMetrics enables metric recording.
func WithAgentMetrics(m *metrics.Metrics) AgentOption {
	return func(ag *Agent) { ag.metrics = m }
}

// WithAgentClock overrides the time source, for tests.
func WithAgentClock(now func() time.Time) AgentOption {
	return func(ag *Agent) { ag.now = now }
}

func NewAgent(
	cfg Config,
	market *marketplace.Marketplace,
	synchronizer *bridge.Synchronizer,
	reveal *bridge.RevealCoordinator,
	store *bridge.Store,
	logger *zap.SugaredLogger,
	opts ...AgentOption,
) *Agent {
	a := &Agent{
		cfg:     cfg,
		market:  market,
		sync:    synchronizer,
		reveal:  reveal,
		store:   store,
		logger:  logger,
		now:     time.Now,
		tracker: newOrderTracker(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start registers the resolver and launches the periodic activities. The
// activities stop when Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.registerResolver(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Go(func() { a.runEvery(runCtx, "discovery", a.cfg.DiscoveryInterval, a.discoverOnce) })
	a.wg.Go(func() { a.runEvery(runCtx, "bidding", a.cfg.BidInterval, a.bidOnce) })
	a.wg.Go(func() { a.runEvery(runCtx, "execution", a.cfg.ExecutionInterval, a.executeOnce) })
	a.wg.Go(func() { a.runEvery(runCtx, "reputation", a.cfg.ReputationInterval, a.reputationOnce) })
	a.wg.Go(func() { a.runEvery(runCtx, "cleanup", a.cfg.CleanupInterval, a.cleanupOnce) })

	a.logger.Infow("resolver agent started",
		"resolver", a.cfg.ResolverAddress,
		"auto_bid", a.cfg.AutoBid,
		"auto_execute", a.cfg.AutoExecute)
	return nil
}

// Stop cancels all activities and per-order monitors, waiting up to the
// configured grace period for them to drain.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.tracker.cancelAll()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	grace := a.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		a.logger.Warnw("agent shutdown grace period elapsed")
	}
}

// runEvery runs fn immediately and then on every interval tick until the
// context is cancelled. Activity errors are logged, never fatal.
func (a *Agent) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	run := func() {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Errorw("activity failed", "activity", name, "error", err)
		}
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// registerResolver publishes this resolver's registry entry. An existing
// entry keeps its reputation and execution history; only stake and
// liveness fields are refreshed.
func (a *Agent) registerResolver(ctx context.Context) error {
	entry, err := a.store.GetRegistryEntry(ctx, a.cfg.ResolverAddress)
	if err != nil {
		if !errors.Is(err, bridge.ErrNotFound) {
			return err
		}
		entry = &bridge.RegistryEntry{
			Address:         a.cfg.ResolverAddress,
			ReputationScore: initialReputation,
			RegisteredAt:    a.now().UTC(),
		}
	}

	entry.StakeAmount = a.cfg.StakeAmount
	entry.Active = true
	entry.LastActivityAt = a.now().UTC()

	if err := a.store.PutRegistryEntry(ctx, entry); err != nil {
		return err
	}

	a.tracker.setReputation(entry.ReputationScore)
	a.logger.Infow("resolver registered",
		"resolver", a.cfg.ResolverAddress,
		"stake", entry.StakeAmount,
		"reputation", entry.ReputationScore)
	return nil
}

// discoverOnce pulls new orders from the marketplace, starts a monitor for
// each, and sweeps expired ones.
func (a *Agent) discoverOnce(ctx context.Context) error {
	discovered, err := a.market.Discover(ctx)
	if err != nil {
		return err
	}

	for _, order := range discovered {
		monCtx, monCancel := context.WithCancel(ctx)
		if !a.tracker.track(order, monCancel) {
			monCancel()
			continue
		}
		if a.metrics != nil {
			a.metrics.IncrementActiveOrders(ctx)
		}

		// Seed the shared state document before anyone bids.
		if _, err := a.sync.Sync(ctx, order.TransferID); err != nil {
			a.logger.Warnw("initial sync failed",
				"transfer_id", order.TransferID,
				"error", err)
		}

		transferID := order.TransferID
		a.wg.Go(func() { a.monitorOrder(monCtx, transferID) })
	}

	for _, transferID := range a.market.ExpireStaleOrders(ctx) {
		a.tracker.setPhase(transferID, PhaseExpired)
	}

	return nil
}

// bidOnce evaluates every discovered order and submits a bid where the
// profitability gate passes.
func (a *Agent) bidOnce(ctx context.Context) error {
	if !a.cfg.AutoBid {
		return nil
	}

	for _, tracked := range a.tracker.inPhase(PhaseDiscovered) {
		order := tracked.Order

		should, reason := a.shouldBid(ctx, order)
		if !should {
			a.logger.Debugw("skipping bid",
				"transfer_id", order.TransferID,
				"reason", reason)
			continue
		}

		price, err := a.optimalBidPrice(ctx, order)
		if err != nil {
			a.logger.Warnw("failed to price bid",
				"transfer_id", order.TransferID,
				"error", err)
			continue
		}

		if a.market.SubmitBid(ctx, order.TransferID, a.cfg.ResolverAddress, price, gasPerClaim) {
			a.tracker.setPhase(order.TransferID, PhaseBidSubmitted)
			a.tracker.recordBid()
			a.logger.Infow("auto-bid placed",
				"transfer_id", order.TransferID,
				"bid_price", price)
		}
	}

	return nil
}

// executeOnce resolves auctions for orders we bid on and executes the ones
// we won, bounded by the concurrent execution cap.
func (a *Agent) executeOnce(ctx context.Context) error {
	if !a.cfg.AutoExecute {
		return nil
	}

	slots := a.cfg.MaxConcurrentOrders - a.tracker.countPhase(PhaseExecuting)

	candidates := append(a.tracker.inPhase(PhaseWon), a.tracker.inPhase(PhaseBidSubmitted)...)
	for _, tracked := range candidates {
		order := tracked.Order
		transferID := order.TransferID

		if order.ExpiredAt(a.now()) {
			a.tracker.setPhase(transferID, PhaseExpired)
			continue
		}

		if tracked.Phase == PhaseBidSubmitted {
			// Let the auction window close before selecting a winner.
			if a.now().Before(order.CreatedAt.Add(a.cfg.AuctionDuration)) {
				continue
			}

			result, err := a.market.SelectWinner(ctx, transferID)
			if err != nil {
				a.logger.Warnw("winner selection failed",
					"transfer_id", transferID,
					"error", err)
				continue
			}
			if result == nil {
				continue
			}

			if result.WinningBid.ResolverAddress != a.cfg.ResolverAddress {
				a.tracker.setPhase(transferID, PhaseLost)
				a.logger.Infow("auction lost",
					"transfer_id", transferID,
					"winner", result.WinningBid.ResolverAddress)
				continue
			}

			a.tracker.setPhase(transferID, PhaseWon)
			if a.metrics != nil {
				a.metrics.RecordAuctionWon(ctx)
			}
			a.logger.Infow("auction won", "transfer_id", transferID)
		}

		if slots <= 0 {
			continue
		}

		secret, err := a.store.GetSecret(ctx, transferID)
		if err != nil {
			if errors.Is(err, bridge.ErrNotFound) {
				// The maker has not revealed yet; try again next tick.
				continue
			}
			a.logger.Warnw("failed to load secret",
				"transfer_id", transferID,
				"error", err)
			continue
		}

		a.tracker.setPhase(transferID, PhaseExecuting)
		slots--

		if err := a.reveal.Reveal(ctx, transferID, secret); err != nil {
			switch {
			case errors.Is(err, bridge.ErrPartialClaim), errors.Is(err, bridge.ErrInvalidSecret):
				a.finishExecution(ctx, transferID, false)
			default:
				// Transient failure before any claim settled; the reveal
				// is safe to retry next tick.
				a.tracker.setPhase(transferID, PhaseWon)
				slots++
				a.logger.Warnw("execution attempt failed, will retry",
					"transfer_id", transferID,
					"error", err)
			}
			continue
		}

		a.finishExecution(ctx, transferID, true)
	}

	return nil
}

// finishExecution records the terminal outcome of an execution: phase,
// stats, reputation, and archive.
func (a *Agent) finishExecution(ctx context.Context, transferID string, success bool) {
	if success {
		a.tracker.setPhase(transferID, PhaseCompleted)
		a.tracker.recordExecution(true)
	} else {
		a.tracker.setPhase(transferID, PhaseFailed)
		a.tracker.recordExecution(false)
	}

	before := a.tracker.stats().ReputationScore
	after, err := a.market.UpdateReputation(ctx, a.cfg.ResolverAddress, success)
	if err != nil {
		a.logger.Warnw("reputation update failed",
			"transfer_id", transferID,
			"error", err)
	} else {
		a.tracker.setReputation(after)
	}

	a.logger.Infow("execution finished",
		"transfer_id", transferID,
		"success", success)

	if a.archive == nil {
		return
	}
	order, oErr := a.store.GetOrder(ctx, transferID)
	state, _, sErr := a.store.GetState(ctx, transferID)
	if oErr == nil && sErr == nil {
		phase := PhaseCompleted
		if !success {
			phase = PhaseFailed
		}
		if err := a.archive.StoreTransfer(ctx, order, state, string(phase)); err != nil {
			a.logger.Warnw("failed to archive transfer",
				"transfer_id", transferID,
				"error", err)
		}
	}
	if err == nil {
		if aErr := a.archive.StoreReputationChange(ctx, a.cfg.ResolverAddress, before, after, success); aErr != nil {
			a.logger.Warnw("failed to archive reputation change", "error", aErr)
		}
	}
}

// reputationOnce republishes the registry entry and applies the
// success-rate adjustment: +0.01 above a 90% success rate, -0.02 below 70%.
func (a *Agent) reputationOnce(ctx context.Context) error {
	entry, err := a.store.GetRegistryEntry(ctx, a.cfg.ResolverAddress)
	if err != nil {
		if !errors.Is(err, bridge.ErrNotFound) {
			return err
		}
		return a.registerResolver(ctx)
	}

	st := a.tracker.stats()
	total := st.SuccessfulExecutions + st.FailedExecutions
	if total > 0 {
		rate := float64(st.SuccessfulExecutions) / float64(total)
		switch {
		case rate > 0.9:
			entry.ReputationScore = min(entry.ReputationScore+0.01, 1.0)
		case rate < 0.7:
			entry.ReputationScore = max(entry.ReputationScore-0.02, 0.0)
		}
	}

	entry.StakeAmount = a.cfg.StakeAmount
	entry.Active = true
	entry.TotalBids = st.TotalBids
	entry.LastActivityAt = a.now().UTC()

	if err := a.store.PutRegistryEntry(ctx, entry); err != nil {
		return err
	}

	a.tracker.setReputation(entry.ReputationScore)
	a.logger.Debugw("registry entry refreshed",
		"resolver", a.cfg.ResolverAddress,
		"reputation", entry.ReputationScore)
	return nil
}

// cleanupOnce drops orders that reached a terminal phase, cancelling their
// monitors and releasing tracking slots.
func (a *Agent) cleanupOnce(ctx context.Context) error {
	for _, tracked := range a.tracker.terminal() {
		transferID := tracked.Order.TransferID
		a.tracker.remove(transferID)
		a.market.Untrack(transferID)
		if a.metrics != nil {
			a.metrics.DecrementActiveOrders(ctx)
		}
		a.logger.Debugw("cleaned up order",
			"transfer_id", transferID,
			"phase", tracked.Phase)
	}
	return nil
}

// Stats returns the agent's activity summary.
func (a *Agent) Stats() Stats {
	return a.tracker.stats()
}

// Orders returns the agent's tracked orders with their workflow phases.
func (a *Agent) Orders() []TrackedOrder {
	return a.tracker.snapshot()
}

// ResolverAddress returns the address this agent bids under.
func (a *Agent) ResolverAddress() string {
	return a.cfg.ResolverAddress
}

// monitorOrder watches one transfer until it settles or the monitor is
// cancelled.
func (a *Agent) monitorOrder(ctx context.Context, transferID string) {
	ticker := time.NewTicker(a.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := a.sync.Sync(ctx, transferID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			a.logger.Warnw("monitor sync failed",
				"transfer_id", transferID,
				"error", err)
			continue
		}

		if state.Terminal() {
			if state.SourceEscrowState == bridge.EscrowClaimed && state.DestEscrowState == bridge.EscrowClaimed {
				a.tracker.settle(transferID, PhaseCompleted)
			} else {
				a.tracker.settle(transferID, PhaseExpired)
			}
			return
		}

		tracked, ok := a.tracker.get(transferID)
		if !ok {
			return
		}
		if tracked.Order.ExpiredAt(a.now()) {
			a.tracker.settle(transferID, PhaseExpired)
			return
		}
	}
}
