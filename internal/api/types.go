package api

import (
	"time"

	"github.com/unitedefi/resolver-backend/internal/bridge"
	"github.com/unitedefi/resolver-backend/internal/daemon"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ReadyzDTO struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// OrderSummaryDTO is one row of the agent's working set.
type OrderSummaryDTO struct {
	TransferID  string    `json:"transferId"`
	SourceChain string    `json:"sourceChain"`
	DestChain   string    `json:"destChain"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	Phase       string    `json:"phase"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type OrdersDTO struct {
	Orders []OrderSummaryDTO `json:"orders"`
	Count  int               `json:"count"`
}

// OrderDetailDTO combines the order, its synchronized bridge state and the
// auction view into one status document.
type OrderDetailDTO struct {
	Order   *bridge.BridgeOrder   `json:"order"`
	State   *bridge.BridgeState   `json:"state,omitempty"`
	Bids    []*bridge.ResolverBid `json:"bids"`
	Auction *bridge.AuctionResult `json:"auction,omitempty"`
}

type RevealRequest struct {
	Secret string `json:"secret"`
}

type RevealDTO struct {
	TransferID    string `json:"transferId"`
	SourceClaimTx string `json:"sourceClaimTx"`
	DestClaimTx   string `json:"destClaimTx"`
	PartialClaim  bool   `json:"partialClaim"`
}

type ResolversDTO struct {
	Resolvers []*bridge.RegistryEntry `json:"resolvers"`
	Count     int                     `json:"count"`
}

type AgentStatusDTO struct {
	ResolverAddress string       `json:"resolverAddress"`
	Stats           daemon.Stats `json:"stats"`
}
