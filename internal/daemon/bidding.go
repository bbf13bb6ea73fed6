package daemon

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/unitedefi/resolver-backend/internal/bridge"
)

// gasPerClaim is the flat gas estimate for one escrow claim transaction.
const gasPerClaim = 150_000

var (
	// openingBidRate prices the first bid on an uncontested order at
	// 0.05% of the transfer amount.
	openingBidRate = decimal.RequireFromString("0.0005")

	// undercutFactor shaves 5% off the lowest competing bid.
	undercutFactor = decimal.RequireFromString("0.95")

	// floorBidRate is the lowest a bid ever goes: 0.01% of the amount.
	floorBidRate = decimal.RequireFromString("0.0001")

	// expectedFeeRate approximates the fee revenue of executing a
	// transfer at 0.1% of the amount.
	expectedFeeRate = decimal.RequireFromString("0.001")
)

// gasPriceByChain holds static per-chain gas prices in smallest token units
// per gas. A live estimator can replace this behind estimateGasCost without
// touching callers.
var gasPriceByChain = map[string]int64{
	"ethereum": 30,
	"polygon":  2,
	"arbitrum": 1,
	"optimism": 1,
	"base":     1,
}

const defaultGasPrice = 10

func estimateGasCost(chainID string) decimal.Decimal {
	price, ok := gasPriceByChain[chainID]
	if !ok {
		price = defaultGasPrice
	}
	return decimal.NewFromInt(price).Mul(decimal.NewFromInt(gasPerClaim))
}

// profitMargin estimates the profit of executing an order as a fraction of
// its amount: expected fee revenue minus gas on both chains.
func profitMargin(order *bridge.BridgeOrder) decimal.Decimal {
	amount := decimal.NewFromInt(order.Amount)
	if !amount.IsPositive() {
		return decimal.Zero
	}

	fee := amount.Mul(expectedFeeRate)
	gas := estimateGasCost(order.SourceChain).Add(estimateGasCost(order.DestChain))

	return fee.Sub(gas).Div(amount)
}

// shouldBid applies the agent's bidding gate: one bid per order, and only
// when the estimated margin clears the configured profit threshold.
func (a *Agent) shouldBid(ctx context.Context, order *bridge.BridgeOrder) (bool, string) {
	bids, err := a.store.BidsFor(ctx, order.TransferID)
	if err != nil {
		return false, fmt.Sprintf("failed to load bids: %v", err)
	}
	for _, bid := range bids {
		if bid.ResolverAddress == a.cfg.ResolverAddress {
			return false, "already bid"
		}
	}

	margin := profitMargin(order)
	threshold := decimal.NewFromFloat(a.cfg.MinProfitThreshold)
	if margin.LessThan(threshold) {
		return false, fmt.Sprintf("margin %s below threshold %s", margin, threshold)
	}

	return true, ""
}

// optimalBidPrice prices a bid: 0.05% of the amount on an uncontested
// order, otherwise 5% under the lowest competing bid, never below the
// 0.01% floor.
func (a *Agent) optimalBidPrice(ctx context.Context, order *bridge.BridgeOrder) (int64, error) {
	bids, err := a.store.BidsFor(ctx, order.TransferID)
	if err != nil {
		return 0, err
	}

	amount := decimal.NewFromInt(order.Amount)

	var lowest decimal.Decimal
	haveRival := false
	for _, bid := range bids {
		if bid.ResolverAddress == a.cfg.ResolverAddress {
			continue
		}
		price := decimal.NewFromInt(bid.BidPrice)
		if !haveRival || price.LessThan(lowest) {
			lowest = price
			haveRival = true
		}
	}

	var price decimal.Decimal
	if !haveRival {
		price = amount.Mul(openingBidRate)
	} else {
		price = lowest.Mul(undercutFactor)
	}

	floor := amount.Mul(floorBidRate)
	if price.LessThan(floor) {
		price = floor
	}

	result := price.IntPart()
	if result < 1 {
		result = 1
	}
	return result, nil
}
