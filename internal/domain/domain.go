// Package domain contains the core types shared across the trendwatch
// pipeline. The domain layer is pure: no infrastructure dependencies.
package domain

import (
	"encoding/json"
	"time"
)

// Category is the semantic classification of an observed transaction.
type Category string

const (
	CategoryMint     Category = "mint"
	CategorySwap     Category = "swap"
	CategoryStake    Category = "stake"
	CategoryPurchase Category = "purchase"
	CategoryOther    Category = "other"
)

// TrainableCategories are the categories for which an ensemble member is
// trained. CategoryOther is observed and persisted but never modelled.
var TrainableCategories = []Category{
	CategoryMint,
	CategorySwap,
	CategoryStake,
	CategoryPurchase,
}

// TransactionEvent is a single observed transaction. Identity is Digest;
// events are immutable once produced by the source adapter.
type TransactionEvent struct {
	Digest     string          `json:"tx_digest"`
	Category   Category        `json:"category"`
	Sender     string          `json:"sender"`
	ObservedAt time.Time       `json:"observed_at"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Trend is a single model's directional vote.
type Trend string

const (
	TrendUp   Trend = "UP"
	TrendDown Trend = "DOWN"
)

// OverallTrend is the aggregated ensemble verdict.
type OverallTrend string

const (
	TrendBullish OverallTrend = "BULLISH"
	TrendBearish OverallTrend = "BEARISH"
	TrendNeutral OverallTrend = "NEUTRAL"
)

// PredictionResult is the ensemble output for one transaction.
// Confidence equals the bullish ratio: the share of scoring models that
// voted UP.
type PredictionResult struct {
	TxDigest     string               `json:"tx_digest"`
	Scores       map[Category]float64 `json:"predictions"`
	Trends       map[Category]Trend   `json:"predicted_trends"`
	Confidence   float64              `json:"confidence"`
	OverallTrend OverallTrend         `json:"overall_trend"`
}

// PredictionSummary aggregates a batch of prediction results.
type PredictionSummary struct {
	Total             int                  `json:"total"`
	Distribution      map[OverallTrend]int `json:"distribution"`
	AverageConfidence float64              `json:"average_confidence"`
}

// Summarize computes distribution and average confidence over a batch.
func Summarize(results []PredictionResult) PredictionSummary {
	summary := PredictionSummary{
		Total:        len(results),
		Distribution: make(map[OverallTrend]int),
	}

	if len(results) == 0 {
		return summary
	}

	var confidenceSum float64
	for _, r := range results {
		summary.Distribution[r.OverallTrend]++
		confidenceSum += r.Confidence
	}
	summary.AverageConfidence = confidenceSum / float64(len(results))

	return summary
}
