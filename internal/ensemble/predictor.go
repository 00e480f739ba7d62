package ensemble

import (
	"fmt"

	"github.com/rs/zerolog"

	"trendwatch/internal/domain"
	"trendwatch/internal/features"
)

// Trend thresholds. A score above scoreThreshold is an UP verdict; the
// bullish ratio over all models maps to the overall trend.
const (
	scoreThreshold   = 0.5
	bullishThreshold = 0.6
	bearishThreshold = 0.4
)

// neutralScore substitutes for a failed model so one bad model degrades a
// prediction instead of aborting it.
const neutralScore = 0.5

// Predictor runs the active ensemble over transactions. Each model declares
// its own input length, so ensembles can mix generations trained on
// different feature widths.
type Predictor struct {
	registry *Registry
	log      zerolog.Logger
}

// NewPredictor creates a predictor over the given registry.
func NewPredictor(registry *Registry, log zerolog.Logger) *Predictor {
	return &Predictor{
		registry: registry,
		log:      log.With().Str("component", "predictor").Logger(),
	}
}

// Score runs every loaded model over one transaction digest and folds the
// verdicts into a trend. A model failure contributes a neutral substitute
// rather than failing the whole prediction.
func (p *Predictor) Score(digest string) (*domain.PredictionResult, error) {
	models := p.registry.Snapshot()
	if len(models) == 0 {
		return nil, fmt.Errorf("no models loaded")
	}

	// Feature vectors per input width, extracted once per width.
	extracted := make(map[int][]float64)

	result := &domain.PredictionResult{
		TxDigest: digest,
		Scores:   make(map[domain.Category]float64, len(models)),
		Trends:   make(map[domain.Category]domain.Trend, len(models)),
	}

	upVotes := 0
	for category, model := range models {
		raw, ok := extracted[model.InputLen()]
		if !ok {
			raw = features.Extract(digest, model.InputLen())
			extracted[model.InputLen()] = raw
		}

		score, err := model.Predict(raw)
		if err != nil {
			p.log.Warn().Err(err).
				Str("category", string(category)).
				Str("digest", digest).
				Msg("Model failed, substituting neutral score")
			score = neutralScore
		}

		result.Scores[category] = score
		if score > scoreThreshold {
			result.Trends[category] = domain.TrendUp
			upVotes++
		} else {
			result.Trends[category] = domain.TrendDown
		}
	}

	bullishRatio := float64(upVotes) / float64(len(models))
	result.Confidence = bullishRatio
	result.OverallTrend = overallTrend(bullishRatio)

	return result, nil
}

// ScoreBatch scores digests in order. Progress is reported through the
// optional callback after each transaction.
func (p *Predictor) ScoreBatch(digests []string, progress func(done, total int)) ([]domain.PredictionResult, error) {
	results := make([]domain.PredictionResult, 0, len(digests))
	for i, digest := range digests {
		result, err := p.Score(digest)
		if err != nil {
			return nil, fmt.Errorf("prediction %d/%d failed: %w", i+1, len(digests), err)
		}
		results = append(results, *result)
		if progress != nil {
			progress(i+1, len(digests))
		}
	}
	return results, nil
}

// ModelScores returns the per-category scores for a digest, used when
// assembling enhanced training features. A missing or failed model yields
// the neutral substitute.
func (p *Predictor) ModelScores(digest string, categories []domain.Category) []float64 {
	scores := make([]float64, len(categories))
	for i, category := range categories {
		scores[i] = neutralScore
		model, ok := p.registry.Get(category)
		if !ok {
			continue
		}
		raw := features.Extract(digest, model.InputLen())
		if score, err := model.Predict(raw); err == nil {
			scores[i] = score
		}
	}
	return scores
}

func overallTrend(bullishRatio float64) domain.OverallTrend {
	switch {
	case bullishRatio > bullishThreshold:
		return domain.TrendBullish
	case bullishRatio < bearishThreshold:
		return domain.TrendBearish
	default:
		return domain.TrendNeutral
	}
}
