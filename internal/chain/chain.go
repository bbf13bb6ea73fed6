// Package chain defines the contracts this service consumes to observe and
// act on escrow contracts. Chain clients proper (signing, contract calls)
// live behind an external escrow gateway.
package chain

import "context"

// EscrowState is the lifecycle state of a single escrow contract.
type EscrowState string

const (
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

// EscrowObservation is a point-in-time view of one escrow on one chain.
type EscrowObservation struct {
	Status         EscrowState `json:"status"`
	SecretRevealed bool        `json:"secretRevealed"`
	BlockNumber    uint64      `json:"blockNumber"`
}

// EscrowStateReader reads the current state of an escrow contract.
// Implementations must return an error rather than a default state when the
// read fails.
type EscrowStateReader interface {
	EscrowState(ctx context.Context, transferID, chainID, escrowAddress string) (*EscrowObservation, error)
}

// ClaimExecutor submits a claim transaction revealing the secret to an
// escrow contract. Claim must be safe to call more than once for the same
// escrow: claiming an already-claimed escrow returns the original
// transaction hash rather than an error.
type ClaimExecutor interface {
	Claim(ctx context.Context, chainID, escrowAddress, secret string) (txHash string, err error)
}
