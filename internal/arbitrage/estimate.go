package arbitrage

import "github.com/flipfinder/arbitrage-scanner/internal/models"

// Estimate computes the profitability of reselling a source-marketplace item
// at a target-marketplace price. Pure function, no I/O.
//
// When either price is absent the result carries no numbers at all: an
// unevaluated pair is different from an unprofitable one and callers must be
// able to tell them apart.
func Estimate(sourcePrice, targetPrice *float64, shipping, feeRate, feeFixed float64) models.Estimate {
	if sourcePrice == nil || targetPrice == nil {
		return models.Estimate{}
	}

	total := *targetPrice + shipping
	fee := total*feeRate + feeFixed
	profit := total - *sourcePrice - fee

	est := models.Estimate{
		TargetTotal: &total,
		Fee:         &fee,
		Profit:      &profit,
	}

	if total != 0 {
		margin := profit / total
		est.Margin = &margin
	}

	return est
}
