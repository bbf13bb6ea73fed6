package marketplace

import (
	"github.com/shopspring/decimal"

	"github.com/unitedefi/resolver-backend/internal/bridge"
)

var (
	one = decimal.NewFromInt(1)

	priceWeight      = decimal.RequireFromString("0.4")
	reputationWeight = decimal.RequireFromString("0.4")
	executionWeight  = decimal.RequireFromString("0.2")
)

// scoreBid computes the weighted auction score for a bid:
//
//	score = 0.4*priceScore + 0.4*reputation + 0.2*executionScore
//
// where priceScore rewards cheap bids relative to the maximum tolerated fee
// (amount * maxFeeRate) and executionScore rewards fast execution relative
// to the maximum execution window.
func scoreBid(bid *bridge.ResolverBid, amount int64, maxFeeRate float64, maxExecutionSec int64) decimal.Decimal {
	maxFee := decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(maxFeeRate))
	window := decimal.NewFromInt(maxExecutionSec)

	priceScore := decimal.Zero
	if maxFee.IsPositive() {
		priceScore = one.Sub(decimal.NewFromInt(bid.BidPrice).Div(maxFee))
	}

	executionScore := decimal.Zero
	if window.IsPositive() {
		executionScore = one.Sub(decimal.NewFromInt(bid.ExecutionTimeSec).Div(window))
	}

	reputation := decimal.NewFromFloat(bid.ReputationScore)

	return priceScore.Mul(priceWeight).
		Add(reputation.Mul(reputationWeight)).
		Add(executionScore.Mul(executionWeight))
}
