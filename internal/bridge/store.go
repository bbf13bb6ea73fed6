package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/unitedefi/resolver-backend/pkg/kv"
)

// Coordination store key schema. Every resolver process shares these keys,
// so all writes must be idempotent or guarded by compare-and-swap.
const (
	orderKeyPrefix  = "bridge:order:"
	orderIndexKey   = "bridge:orders:index"
	stateKeyPrefix  = "bridge:state:"
	bidsKeyPrefix   = "bridge:bids:"
	winnerKeyPrefix = "bridge:winner:"
	secretKeyPrefix = "bridge:secret:"
	resolversKey    = "bridge:resolvers"
)

// Store is the bridge-level view over the shared key-value store. It owns
// serialization and the key schema; callers work with domain types only.
type Store struct {
	kv     kv.Store
	logger *zap.SugaredLogger
}

func NewStore(kvStore kv.Store, logger *zap.SugaredLogger) *Store {
	return &Store{kv: kvStore, logger: logger}
}

// Orders

func (s *Store) PutOrder(ctx context.Context, order *BridgeOrder) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order %s: %w", order.TransferID, err)
	}
	if err := s.kv.Set(ctx, orderKeyPrefix+order.TransferID, data); err != nil {
		return fmt.Errorf("failed to store order %s: %w", order.TransferID, err)
	}
	if _, err := s.kv.SAdd(ctx, orderIndexKey, []byte(order.TransferID)); err != nil {
		return fmt.Errorf("failed to index order %s: %w", order.TransferID, err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, transferID string) (*BridgeOrder, error) {
	data, err := s.kv.Get(ctx, orderKeyPrefix+transferID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load order %s: %w", transferID, err)
	}

	var order BridgeOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order %s: %w", transferID, err)
	}
	return &order, nil
}

// UpdateOrderStatus advances an order to next, refusing transitions that
// would move the status backwards. The write retries on concurrent updates.
func (s *Store) UpdateOrderStatus(ctx context.Context, transferID string, next OrderStatus) (*BridgeOrder, error) {
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, err := s.kv.Get(ctx, orderKeyPrefix+transferID)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to load order %s: %w", transferID, err)
		}

		var order BridgeOrder
		if err := json.Unmarshal(raw, &order); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order %s: %w", transferID, err)
		}

		if order.Status == next {
			return &order, nil
		}
		if !order.Status.CanTransitionTo(next) {
			return nil, fmt.Errorf("order %s cannot move from %s to %s", transferID, order.Status, next)
		}

		order.Status = next
		updated, err := json.Marshal(&order)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal order %s: %w", transferID, err)
		}

		swapped, err := s.kv.CompareAndSwap(ctx, orderKeyPrefix+transferID, raw, updated)
		if err != nil {
			return nil, fmt.Errorf("failed to update order %s: %w", transferID, err)
		}
		if swapped {
			return &order, nil
		}
		// Another process updated the order; re-read and retry.
	}

	return nil, fmt.Errorf("order %s status update lost %d races", transferID, maxAttempts)
}

// ListOrderIDs returns all transfer IDs currently in the discovery index.
func (s *Store) ListOrderIDs(ctx context.Context) ([]string, error) {
	members, err := s.kv.SMembers(ctx, orderIndexKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list order index: %w", err)
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = string(m)
	}
	return ids, nil
}

// RemoveOrderFromIndex drops a transfer ID from the discovery index. The
// order document itself is kept for status queries.
func (s *Store) RemoveOrderFromIndex(ctx context.Context, transferID string) error {
	if _, err := s.kv.SRem(ctx, orderIndexKey, []byte(transferID)); err != nil {
		return fmt.Errorf("failed to remove order %s from index: %w", transferID, err)
	}
	return nil
}

// Bridge state

// GetState loads a transfer's bridge state along with the raw stored bytes.
// The raw bytes are the compare-and-swap token for SwapState.
func (s *Store) GetState(ctx context.Context, transferID string) (*BridgeState, []byte, error) {
	raw, err := s.kv.Get(ctx, stateKeyPrefix+transferID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to load state %s: %w", transferID, err)
	}

	var state BridgeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal state %s: %w", transferID, err)
	}
	return &state, raw, nil
}

// SwapState persists next only if the stored state still matches prevRaw.
// A nil prevRaw creates the state document. Returns false when another
// process won the write.
func (s *Store) SwapState(ctx context.Context, prevRaw []byte, next *BridgeState) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to marshal state %s: %w", next.TransferID, err)
	}

	swapped, err := s.kv.CompareAndSwap(ctx, stateKeyPrefix+next.TransferID, prevRaw, data)
	if err != nil {
		return false, fmt.Errorf("failed to swap state %s: %w", next.TransferID, err)
	}
	return swapped, nil
}

// Bids

// PutBid records a bid under the transfer's bid hash. One field per
// resolver, so a resubmitted bid replaces the resolver's previous one.
func (s *Store) PutBid(ctx context.Context, bid *ResolverBid) error {
	data, err := json.Marshal(bid)
	if err != nil {
		return fmt.Errorf("failed to marshal bid for %s: %w", bid.TransferID, err)
	}
	if err := s.kv.HSet(ctx, bidsKeyPrefix+bid.TransferID, bid.ResolverAddress, data); err != nil {
		return fmt.Errorf("failed to store bid for %s: %w", bid.TransferID, err)
	}
	return nil
}

// BidsFor returns all bids for a transfer, empty when none exist.
func (s *Store) BidsFor(ctx context.Context, transferID string) ([]*ResolverBid, error) {
	fields, err := s.kv.HGetAll(ctx, bidsKeyPrefix+transferID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load bids for %s: %w", transferID, err)
	}

	bids := make([]*ResolverBid, 0, len(fields))
	for resolver, data := range fields {
		var bid ResolverBid
		if err := json.Unmarshal(data, &bid); err != nil {
			s.logger.Warnw("dropping undecodable bid",
				"transfer_id", transferID,
				"resolver", resolver,
				"error", err)
			continue
		}
		bids = append(bids, &bid)
	}
	return bids, nil
}

// Auction results

// PutAuctionResult publishes the winner. Create-only: the first process to
// select a winner wins the race, later attempts see false.
func (s *Store) PutAuctionResult(ctx context.Context, result *AuctionResult) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal auction result %s: %w", result.TransferID, err)
	}

	created, err := s.kv.CompareAndSwap(ctx, winnerKeyPrefix+result.TransferID, nil, data)
	if err != nil {
		return false, fmt.Errorf("failed to store auction result %s: %w", result.TransferID, err)
	}
	return created, nil
}

func (s *Store) GetAuctionResult(ctx context.Context, transferID string) (*AuctionResult, error) {
	data, err := s.kv.Get(ctx, winnerKeyPrefix+transferID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load auction result %s: %w", transferID, err)
	}

	var result AuctionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auction result %s: %w", transferID, err)
	}
	return &result, nil
}

// Secrets

// PutSecret hands the revealed preimage off to the executing resolver.
func (s *Store) PutSecret(ctx context.Context, transferID, secret string) error {
	if err := s.kv.Set(ctx, secretKeyPrefix+transferID, []byte(secret)); err != nil {
		return fmt.Errorf("failed to store secret for %s: %w", transferID, err)
	}
	return nil
}

func (s *Store) GetSecret(ctx context.Context, transferID string) (string, error) {
	data, err := s.kv.Get(ctx, secretKeyPrefix+transferID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to load secret for %s: %w", transferID, err)
	}
	return string(data), nil
}

// Resolver registry

func (s *Store) PutRegistryEntry(ctx context.Context, entry *RegistryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry %s: %w", entry.Address, err)
	}
	if err := s.kv.HSet(ctx, resolversKey, entry.Address, data); err != nil {
		return fmt.Errorf("failed to store registry entry %s: %w", entry.Address, err)
	}
	return nil
}

func (s *Store) GetRegistryEntry(ctx context.Context, address string) (*RegistryEntry, error) {
	data, err := s.kv.HGet(ctx, resolversKey, address)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load registry entry %s: %w", address, err)
	}

	var entry RegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registry entry %s: %w", address, err)
	}
	return &entry, nil
}

// ListRegistryEntries returns every registered resolver, empty when none.
func (s *Store) ListRegistryEntries(ctx context.Context) ([]*RegistryEntry, error) {
	fields, err := s.kv.HGetAll(ctx, resolversKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list resolver registry: %w", err)
	}

	entries := make([]*RegistryEntry, 0, len(fields))
	for address, data := range fields {
		var entry RegistryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			s.logger.Warnw("dropping undecodable registry entry",
				"resolver", address,
				"error", err)
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Ping reports coordination store health.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}
