// Package bridge holds the cross-chain transfer model and the coordination
// primitives shared by every resolver process: the order/state documents in
// the coordination store, the dual-chain state synchronizer, and the secret
// reveal coordinator.
package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a transfer, bid, or registry entry does
	// not exist in the coordination store.
	ErrNotFound = errors.New("not found")

	// ErrInvalidSecret is returned when a revealed secret does not hash to
	// the committed secret hash.
	ErrInvalidSecret = errors.New("secret does not match committed hash")

	// ErrPartialClaim is returned when the destination escrow was claimed
	// but the source claim failed. The transfer is left in a terminal,
	// operator-visible partial state.
	ErrPartialClaim = errors.New("destination claimed but source claim failed")
)

// OrderStatus is the lifecycle status of a bridge order. Transitions only
// move forward; a completed or expired order never becomes pending again.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderBidding   OrderStatus = "bidding"
	OrderExecuting OrderStatus = "executing"
	OrderCompleted OrderStatus = "completed"
	OrderExpired   OrderStatus = "expired"
)

func (s OrderStatus) rank() int {
	switch s {
	case OrderPending:
		return 0
	case OrderBidding:
		return 1
	case OrderExecuting:
		return 2
	case OrderCompleted, OrderExpired:
		return 3
	}
	return -1
}

// CanTransitionTo reports whether moving to next keeps the status monotonic.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return true
	}
	cur, nxt := s.rank(), next.rank()
	if cur < 0 || nxt < 0 {
		return false
	}
	return nxt > cur
}

// Terminal reports whether the order reached a final status.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderExpired
}

// EscrowState mirrors the on-chain escrow lifecycle as recorded in the
// bridge state document.
type EscrowState string

const (
	EscrowUnknown  EscrowState = ""
	EscrowPending  EscrowState = "pending"
	EscrowClaimed  EscrowState = "claimed"
	EscrowRefunded EscrowState = "refunded"
	EscrowExpired  EscrowState = "expired"
)

// Terminal reports whether the escrow can no longer change state.
func (s EscrowState) Terminal() bool {
	switch s {
	case EscrowClaimed, EscrowRefunded, EscrowExpired:
		return true
	}
	return false
}

// EventType classifies escrow contract events.
type EventType string

const (
	EventEscrowCreated  EventType = "escrow_created"
	EventEscrowClaimed  EventType = "escrow_claimed"
	EventEscrowRefunded EventType = "escrow_refunded"
	EventEscrowExpired  EventType = "escrow_expired"
)

// BridgeOrder is a cross-chain transfer request published to the resolver
// network.
type BridgeOrder struct {
	TransferID          string      `json:"transferId"`
	SourceChain         string      `json:"sourceChain"`
	DestChain           string      `json:"destChain"`
	TokenAddress        string      `json:"tokenAddress"`
	Amount              int64       `json:"amount"` // smallest token unit
	Recipient           string      `json:"recipient"`
	SourceEscrowAddress string      `json:"sourceEscrowAddress"`
	DestEscrowAddress   string      `json:"destEscrowAddress"`
	SecretHash          string      `json:"secretHash"` // sha256, lowercase hex
	TimeoutSeconds      int64       `json:"timeoutSeconds"`
	CreatedAt           time.Time   `json:"createdAt"`
	Status              OrderStatus `json:"status"`
}

// Deadline is the instant after which the order can no longer be fulfilled.
func (o *BridgeOrder) Deadline() time.Time {
	return o.CreatedAt.Add(time.Duration(o.TimeoutSeconds) * time.Second)
}

// ExpiredAt reports whether the order deadline passed at the given instant.
func (o *BridgeOrder) ExpiredAt(now time.Time) bool {
	return now.After(o.Deadline())
}

// ResolverBid is a single resolver's offer to execute a transfer.
type ResolverBid struct {
	TransferID       string    `json:"transferId"`
	ResolverAddress  string    `json:"resolverAddress"`
	BidPrice         int64     `json:"bidPrice"` // fee in smallest token unit
	ExecutionTimeSec int64     `json:"executionTimeSec"`
	GasEstimate      int64     `json:"gasEstimate"`
	ReputationScore  float64   `json:"reputationScore"`
	StakeAmount      int64     `json:"stakeAmount"`
	SubmittedAt      time.Time `json:"submittedAt"`
}

// AuctionResult records the winning bid and the window the winner has to
// execute the transfer.
type AuctionResult struct {
	TransferID        string      `json:"transferId"`
	WinningBid        ResolverBid `json:"winningBid"`
	SelectedAt        time.Time   `json:"selectedAt"`
	ExecutionDeadline time.Time   `json:"executionDeadline"`
}

// EscrowEvent is an escrow contract event observed on either chain.
type EscrowEvent struct {
	Type          EventType       `json:"eventType"`
	TransferID    string          `json:"transferId"`
	ChainID       string          `json:"chainId"`
	EscrowAddress string          `json:"escrowAddress"`
	BlockNumber   uint64          `json:"blockNumber"`
	TxHash        string          `json:"transactionHash"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// DedupKey identifies an event delivery. Two deliveries with the same key
// are the same on-chain event.
func (e *EscrowEvent) DedupKey() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.BlockNumber)
}

// BridgeState is the authoritative cross-chain view of one transfer,
// reconciled from both escrows. secretRevealed is monotonic: once either
// side reveals, no subsequent sync clears it.
type BridgeState struct {
	TransferID        string        `json:"transferId"`
	SourceChain       string        `json:"sourceChain"`
	DestChain         string        `json:"destChain"`
	SourceEscrowState EscrowState   `json:"sourceEscrowState"`
	DestEscrowState   EscrowState   `json:"destEscrowState"`
	SecretRevealed    bool          `json:"secretRevealed"`
	SecretHash        string        `json:"secretHash"`
	SourceClaimTx     string        `json:"sourceClaimTx,omitempty"`
	DestClaimTx       string        `json:"destClaimTx,omitempty"`
	PartialClaim      bool          `json:"partialClaim,omitempty"`
	LastSyncAt        time.Time     `json:"lastSyncTimestamp"`
	Events            []EscrowEvent `json:"events,omitempty"`
}

// Terminal reports whether both escrows reached a final state. A terminal
// bridge state is immutable except for event appends.
func (s *BridgeState) Terminal() bool {
	return s.SourceEscrowState.Terminal() && s.DestEscrowState.Terminal()
}

// HasEvent reports whether an event with the same dedup key was already
// applied.
func (s *BridgeState) HasEvent(ev *EscrowEvent) bool {
	key := ev.DedupKey()
	for i := range s.Events {
		if s.Events[i].DedupKey() == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the state.
func (s *BridgeState) Clone() *BridgeState {
	out := *s
	if s.Events != nil {
		out.Events = make([]EscrowEvent, len(s.Events))
		copy(out.Events, s.Events)
	}
	return &out
}

// RegistryEntry describes a resolver in the network-wide registry.
type RegistryEntry struct {
	Address              string    `json:"address"`
	StakeAmount          int64     `json:"stakeAmount"`
	ReputationScore      float64   `json:"reputationScore"`
	Active               bool      `json:"active"`
	RegisteredAt         time.Time `json:"registeredAt"`
	TotalBids            int64     `json:"totalBids"`
	SuccessfulExecutions int64     `json:"successfulExecutions"`
	FailedExecutions     int64     `json:"failedExecutions"`
	LastActivityAt       time.Time `json:"lastActivityAt,omitempty"`
}

// HashSecret returns the lowercase hex sha256 digest of the secret preimage.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ValidSecretHash reports whether h is a well-formed sha256 hex digest.
func ValidSecretHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}
