package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitedefi/resolver-backend/internal/log"
)

// fakeExecutor records claim attempts and can be scripted to fail per chain.
type fakeExecutor struct {
	claims []string // chain IDs in call order
	errs   map[string]error
	seq    int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{errs: make(map[string]error)}
}

func (f *fakeExecutor) fail(chainID string, err error) {
	f.errs[chainID] = err
}

func (f *fakeExecutor) Claim(_ context.Context, chainID, _, _ string) (string, error) {
	if err, ok := f.errs[chainID]; ok {
		return "", err
	}
	f.claims = append(f.claims, chainID)
	f.seq++
	return fmt.Sprintf("0xtx%d", f.seq), nil
}

func newTestReveal(t *testing.T) (*RevealCoordinator, *Store, *fakeExecutor) {
	t.Helper()
	store := newTestStore(t)
	executor := newFakeExecutor()
	coordinator := NewRevealCoordinator(store, executor, log.NewNop())
	return coordinator, store, executor
}

func TestRevealClaimsDestinationFirst(t *testing.T) {
	coordinator, store, executor := newTestReveal(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))
	require.NoError(t, coordinator.Reveal(ctx, "transfer-1", "test-secret"))

	assert.Equal(t, []string{"polygon", "ethereum"}, executor.claims)

	state, _, err := store.GetState(ctx, "transfer-1")
	require.NoError(t, err)
	assert.True(t, state.SecretRevealed)
	assert.Equal(t, EscrowClaimed, state.DestEscrowState)
	assert.Equal(t, EscrowClaimed, state.SourceEscrowState)
	assert.NotEmpty(t, state.DestClaimTx)
	assert.NotEmpty(t, state.SourceClaimTx)
	assert.False(t, state.PartialClaim)

	// The preimage is published for the network.
	secret, err := store.GetSecret(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, "test-secret", secret)

	order, err := store.GetOrder(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, OrderCompleted, order.Status)
}

func TestRevealDeindexesCompletedOrder(t *testing.T) {
	coordinator, store, _ := newTestReveal(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))
	require.NoError(t, coordinator.Reveal(ctx, "transfer-1", "test-secret"))

	// The completed transfer leaves the discovery index but the document
	// stays readable for the status surface.
	ids, err := store.ListOrderIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	order, err := store.GetOrder(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, OrderCompleted, order.Status)
}

func TestRevealRejectsInvalidSecret(t *testing.T) {
	coordinator, store, executor := newTestReveal(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))

	err := coordinator.Reveal(ctx, "transfer-1", "wrong-secret")
	assert.ErrorIs(t, err, ErrInvalidSecret)
	assert.Empty(t, executor.claims)

	// Nothing was persisted.
	_, _, err = store.GetState(ctx, "transfer-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevealUnknownTransfer(t *testing.T) {
	coordinator, _, _ := newTestReveal(t)

	err := coordinator.Reveal(context.Background(), "missing", "test-secret")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevealIsIdempotent(t *testing.T) {
	coordinator, store, executor := newTestReveal(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))
	require.NoError(t, coordinator.Reveal(ctx, "transfer-1", "test-secret"))
	claimsAfterFirst := len(executor.claims)

	require.NoError(t, coordinator.Reveal(ctx, "transfer-1", "test-secret"))
	assert.Equal(t, claimsAfterFirst, len(executor.claims))
}

func TestRevealDestinationFailureIsRetryable(t *testing.T) {
	coordinator, store, executor := newTestReveal(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))
	executor.fail("polygon", errors.New("gateway down"))

	err := coordinator.Reveal(ctx, "transfer-1", "test-secret")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialClaim)

	// The reveal itself is persisted, but no claim landed.
	state, _, err := store.GetState(ctx, "transfer-1")
	require.NoError(t, err)
	assert.True(t, state.SecretRevealed)
	assert.Empty(t, state.DestClaimTx)
	assert.Empty(t, state.SourceClaimTx)
	assert.False(t, state.PartialClaim)

	// Once the gateway recovers, the retry completes both claims.
	delete(executor.errs, "polygon")
	require.NoError(t, coordinator.Reveal(ctx, "transfer-1", "test-secret"))

	state, _, err = store.GetState(ctx, "transfer-1")
	require.NoError(t, err)
	assert.NotEmpty(t, state.DestClaimTx)
	assert.NotEmpty(t, state.SourceClaimTx)
}

func TestRevealSourceFailureIsTerminalPartial(t *testing.T) {
	coordinator, store, executor := newTestReveal(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))
	executor.fail("ethereum", errors.New("nonce too low"))

	err := coordinator.Reveal(ctx, "transfer-1", "test-secret")
	assert.ErrorIs(t, err, ErrPartialClaim)

	state, _, err := store.GetState(ctx, "transfer-1")
	require.NoError(t, err)
	assert.True(t, state.PartialClaim)
	assert.NotEmpty(t, state.DestClaimTx)
	assert.Empty(t, state.SourceClaimTx)

	// Partial is terminal: even after the source chain recovers, the
	// transfer needs operator intervention.
	delete(executor.errs, "ethereum")
	claimsBefore := len(executor.claims)

	err = coordinator.Reveal(ctx, "transfer-1", "test-secret")
	assert.ErrorIs(t, err, ErrPartialClaim)
	assert.Equal(t, claimsBefore, len(executor.claims))
}
