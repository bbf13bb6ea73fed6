package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitedefi/resolver-backend/internal/log"
	"github.com/unitedefi/resolver-backend/pkg/kv/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kvStore := memory.NewStore()
	t.Cleanup(func() { kvStore.Close() })
	return NewStore(kvStore, log.NewNop())
}

func testOrder(transferID string) *BridgeOrder {
	return &BridgeOrder{
		TransferID:          transferID,
		SourceChain:         "ethereum",
		DestChain:           "polygon",
		TokenAddress:        "0x1111111111111111111111111111111111111111",
		Amount:              1_000_000,
		Recipient:           "0x2222222222222222222222222222222222222222",
		SourceEscrowAddress: "0x3333333333333333333333333333333333333333",
		DestEscrowAddress:   "0x4444444444444444444444444444444444444444",
		SecretHash:          HashSecret("test-secret"),
		TimeoutSeconds:      3600,
		CreatedAt:           time.Now().UTC().Truncate(time.Second),
		Status:              OrderPending,
	}
}

func TestStoreOrderRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	order := testOrder("transfer-1")
	require.NoError(t, store.PutOrder(ctx, order))

	got, err := store.GetOrder(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, order.TransferID, got.TransferID)
	assert.Equal(t, order.Amount, got.Amount)
	assert.Equal(t, order.SecretHash, got.SecretHash)

	ids, err := store.ListOrderIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"transfer-1"}, ids)

	_, err = store.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpdateOrderStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))

	updated, err := store.UpdateOrderStatus(ctx, "transfer-1", OrderBidding)
	require.NoError(t, err)
	assert.Equal(t, OrderBidding, updated.Status)

	// Same status is a no-op, not an error.
	updated, err = store.UpdateOrderStatus(ctx, "transfer-1", OrderBidding)
	require.NoError(t, err)
	assert.Equal(t, OrderBidding, updated.Status)

	// Backwards transitions are refused.
	_, err = store.UpdateOrderStatus(ctx, "transfer-1", OrderPending)
	assert.Error(t, err)

	got, err := store.GetOrder(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, OrderBidding, got.Status)

	_, err = store.UpdateOrderStatus(ctx, "missing", OrderBidding)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRemoveOrderFromIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))
	require.NoError(t, store.RemoveOrderFromIndex(ctx, "transfer-1"))

	ids, err := store.ListOrderIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// The order document survives deindexing.
	_, err = store.GetOrder(ctx, "transfer-1")
	assert.NoError(t, err)
}

func TestStoreSwapState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := &BridgeState{
		TransferID:        "transfer-1",
		SourceEscrowState: EscrowPending,
		DestEscrowState:   EscrowPending,
	}

	// nil prevRaw creates the document.
	created, err := store.SwapState(ctx, nil, state)
	require.NoError(t, err)
	assert.True(t, created)

	// A second create loses.
	created, err = store.SwapState(ctx, nil, state)
	require.NoError(t, err)
	assert.False(t, created)

	loaded, raw, err := store.GetState(ctx, "transfer-1")
	require.NoError(t, err)

	next := loaded.Clone()
	next.SecretRevealed = true
	swapped, err := store.SwapState(ctx, raw, next)
	require.NoError(t, err)
	assert.True(t, swapped)

	// The old raw token is now stale.
	swapped, err = store.SwapState(ctx, raw, next)
	require.NoError(t, err)
	assert.False(t, swapped)

	final, _, err := store.GetState(ctx, "transfer-1")
	require.NoError(t, err)
	assert.True(t, final.SecretRevealed)
}

func TestStoreBids(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bids, err := store.BidsFor(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Empty(t, bids)

	bid := &ResolverBid{
		TransferID:      "transfer-1",
		ResolverAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		BidPrice:        500,
		SubmittedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.PutBid(ctx, bid))

	// A resubmission replaces the resolver's previous bid.
	bid.BidPrice = 400
	require.NoError(t, store.PutBid(ctx, bid))

	bids, err = store.BidsFor(ctx, "transfer-1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, int64(400), bids[0].BidPrice)
}

func TestStoreAuctionResultCreateOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result := &AuctionResult{
		TransferID: "transfer-1",
		WinningBid: ResolverBid{ResolverAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		SelectedAt: time.Now().UTC(),
	}

	created, err := store.PutAuctionResult(ctx, result)
	require.NoError(t, err)
	assert.True(t, created)

	rival := &AuctionResult{
		TransferID: "transfer-1",
		WinningBid: ResolverBid{ResolverAddress: "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
	}
	created, err = store.PutAuctionResult(ctx, rival)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetAuctionResult(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", got.WinningBid.ResolverAddress)

	_, err = store.GetAuctionResult(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSecrets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetSecret(ctx, "transfer-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutSecret(ctx, "transfer-1", "test-secret"))

	secret, err := store.GetSecret(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, "test-secret", secret)
}

func TestStoreRegistry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries, err := store.ListRegistryEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entry := &RegistryEntry{
		Address:         "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		StakeAmount:     1000,
		ReputationScore: 0.8,
		Active:          true,
	}
	require.NoError(t, store.PutRegistryEntry(ctx, entry))

	got, err := store.GetRegistryEntry(ctx, entry.Address)
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.ReputationScore)

	entries, err = store.ListRegistryEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = store.GetRegistryEntry(ctx, "0xdead")
	assert.ErrorIs(t, err, ErrNotFound)
}
