package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitedefi/resolver-backend/internal/chain"
	"github.com/unitedefi/resolver-backend/internal/log"
)

// fakeReader serves scripted escrow observations keyed by chain ID.
type fakeReader struct {
	observations map[string]*chain.EscrowObservation
	errs         map[string]error
	calls        int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		observations: make(map[string]*chain.EscrowObservation),
		errs:         make(map[string]error),
	}
}

func (f *fakeReader) set(chainID string, status chain.EscrowState, revealed bool) {
	f.observations[chainID] = &chain.EscrowObservation{Status: status, SecretRevealed: revealed}
	delete(f.errs, chainID)
}

func (f *fakeReader) fail(chainID string, err error) {
	f.errs[chainID] = err
}

func (f *fakeReader) EscrowState(_ context.Context, _, chainID, _ string) (*chain.EscrowObservation, error) {
	f.calls++
	if err, ok := f.errs[chainID]; ok {
		return nil, err
	}
	obs, ok := f.observations[chainID]
	if !ok {
		return nil, errors.New("no observation scripted for " + chainID)
	}
	return obs, nil
}

func newTestSynchronizer(t *testing.T) (*Synchronizer, *Store, *fakeReader) {
	t.Helper()
	store := newTestStore(t)
	reader := newFakeReader()
	sync := NewSynchronizer(store, reader, log.NewNop())
	return sync, store, reader
}

func TestSyncCreatesInitialState(t *testing.T) {
	sync, store, reader := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))
	reader.set("ethereum", chain.EscrowPending, false)
	reader.set("polygon", chain.EscrowPending, false)

	state, err := sync.Sync(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, EscrowPending, state.SourceEscrowState)
	assert.Equal(t, EscrowPending, state.DestEscrowState)
	assert.False(t, state.SecretRevealed)
	assert.False(t, state.LastSyncAt.IsZero())

	stored, _, err := store.GetState(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, state.SourceEscrowState, stored.SourceEscrowState)
}

func TestSyncUnknownTransfer(t *testing.T) {
	sync, _, _ := newTestSynchronizer(t)

	_, err := sync.Sync(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncSecretRevealedIsMonotonic(t *testing.T) {
	sync, store, reader := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))

	// Destination observed the reveal.
	reader.set("ethereum", chain.EscrowPending, false)
	reader.set("polygon", chain.EscrowPending, true)

	state, err := sync.Sync(ctx, "transfer-1")
	require.NoError(t, err)
	assert.True(t, state.SecretRevealed)

	// A later sync where neither chain reports the reveal must not clear it.
	reader.set("polygon", chain.EscrowPending, false)

	state, err = sync.Sync(ctx, "transfer-1")
	require.NoError(t, err)
	assert.True(t, state.SecretRevealed)
}

func TestSyncReadFailurePersistsNothing(t *testing.T) {
	sync, store, reader := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))
	reader.set("ethereum", chain.EscrowClaimed, true)
	reader.set("polygon", chain.EscrowPending, false)

	state, err := sync.Sync(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, EscrowClaimed, state.SourceEscrowState)

	// Destination read starts failing; the stored state must not move.
	reader.fail("polygon", errors.New("rpc timeout"))
	reader.set("ethereum", chain.EscrowClaimed, true)

	_, err = sync.Sync(ctx, "transfer-1")
	require.Error(t, err)

	stored, _, err := store.GetState(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, EscrowClaimed, stored.SourceEscrowState)
	assert.Equal(t, EscrowPending, stored.DestEscrowState)
	assert.True(t, stored.LastSyncAt.Equal(state.LastSyncAt))
}

func TestSyncIsIdempotent(t *testing.T) {
	sync, store, reader := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))
	reader.set("ethereum", chain.EscrowClaimed, true)
	reader.set("polygon", chain.EscrowClaimed, true)

	first, err := sync.Sync(ctx, "transfer-1")
	require.NoError(t, err)

	second, err := sync.Sync(ctx, "transfer-1")
	require.NoError(t, err)

	assert.Equal(t, first.SourceEscrowState, second.SourceEscrowState)
	assert.Equal(t, first.DestEscrowState, second.DestEscrowState)
	assert.Equal(t, first.SecretRevealed, second.SecretRevealed)
}

func TestSyncTerminalStateIsImmutable(t *testing.T) {
	sync, store, reader := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))
	reader.set("ethereum", chain.EscrowClaimed, true)
	reader.set("polygon", chain.EscrowClaimed, true)

	state, err := sync.Sync(ctx, "transfer-1")
	require.NoError(t, err)
	require.True(t, state.Terminal())

	readsBefore := reader.calls

	// Once terminal, sync returns the stored state without touching chains.
	reader.set("ethereum", chain.EscrowRefunded, false)
	state, err = sync.Sync(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, EscrowClaimed, state.SourceEscrowState)
	assert.Equal(t, readsBefore, reader.calls)
}

func TestHandleEventUnknownTransferDropped(t *testing.T) {
	sync, store, _ := newTestSynchronizer(t)
	ctx := context.Background()

	ev := &EscrowEvent{
		Type:        EventEscrowClaimed,
		TransferID:  "missing",
		ChainID:     "ethereum",
		TxHash:      "0xabc",
		BlockNumber: 1,
	}
	require.NoError(t, sync.HandleEvent(ctx, ev))

	_, _, err := store.GetState(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleEventUnexpectedChainDropped(t *testing.T) {
	sync, store, _ := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))

	ev := &EscrowEvent{
		Type:        EventEscrowClaimed,
		TransferID:  "transfer-1",
		ChainID:     "solana",
		TxHash:      "0xabc",
		BlockNumber: 1,
	}
	require.NoError(t, sync.HandleEvent(ctx, ev))

	_, _, err := store.GetState(ctx, "transfer-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleEventClaimedSetsReveal(t *testing.T) {
	sync, store, _ := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))

	ev := &EscrowEvent{
		Type:        EventEscrowClaimed,
		TransferID:  "transfer-1",
		ChainID:     "polygon",
		TxHash:      "0xabc",
		BlockNumber: 7,
		Timestamp:   time.Now().UTC(),
	}
	require.NoError(t, sync.HandleEvent(ctx, ev))

	state, _, err := store.GetState(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, EscrowClaimed, state.DestEscrowState)
	assert.Equal(t, EscrowPending, state.SourceEscrowState)
	assert.True(t, state.SecretRevealed)
	assert.Len(t, state.Events, 1)
}

func TestHandleEventDuplicateDelivery(t *testing.T) {
	sync, store, _ := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))

	ev := &EscrowEvent{
		Type:        EventEscrowClaimed,
		TransferID:  "transfer-1",
		ChainID:     "polygon",
		TxHash:      "0xabc",
		BlockNumber: 7,
	}
	require.NoError(t, sync.HandleEvent(ctx, ev))
	require.NoError(t, sync.HandleEvent(ctx, ev))

	state, _, err := store.GetState(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Len(t, state.Events, 1)
}

func TestHandleEventExpiredEndsBothSides(t *testing.T) {
	sync, store, _ := newTestSynchronizer(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrder(ctx, testOrder("transfer-1")))

	// Destination already claimed before expiry.
	claimed := &EscrowEvent{
		Type:        EventEscrowClaimed,
		TransferID:  "transfer-1",
		ChainID:     "polygon",
		TxHash:      "0x1",
		BlockNumber: 1,
	}
	require.NoError(t, sync.HandleEvent(ctx, claimed))

	expired := &EscrowEvent{
		Type:        EventEscrowExpired,
		TransferID:  "transfer-1",
		ChainID:     "ethereum",
		TxHash:      "0x2",
		BlockNumber: 2,
	}
	require.NoError(t, sync.HandleEvent(ctx, expired))

	state, _, err := store.GetState(ctx, "transfer-1")
	require.NoError(t, err)
	assert.Equal(t, EscrowExpired, state.SourceEscrowState)
	// The settled side keeps its state.
	assert.Equal(t, EscrowClaimed, state.DestEscrowState)
	assert.Len(t, state.Events, 2)
}
