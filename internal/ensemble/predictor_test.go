package ensemble

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendwatch/internal/domain"
)

type stubModel struct {
	name  string
	score float64
	err   error
}

func (m *stubModel) Name() string  { return m.name }
func (m *stubModel) InputLen() int { return 30 }

func (m *stubModel) Predict(_ []float64) (float64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.score, nil
}

func registryWithScores(scores map[domain.Category]float64) *Registry {
	models := make(map[domain.Category]Model, len(scores))
	for category, score := range scores {
		models[category] = &stubModel{name: string(category), score: score}
	}
	r := NewRegistry()
	r.Swap(models, "test-cid")
	return r
}

func TestScoreOverallTrendBoundaries(t *testing.T) {
	// Ten models make the bullish ratio equal to upVotes/10, exercising
	// both sides of each trend boundary.
	tests := []struct {
		upVotes  int
		expected domain.OverallTrend
	}{
		{0, domain.TrendBearish},
		{3, domain.TrendBearish},
		{4, domain.TrendNeutral},
		{6, domain.TrendNeutral},
		{7, domain.TrendBullish},
		{10, domain.TrendBullish},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("up_%d_of_10", tt.upVotes), func(t *testing.T) {
			scores := make(map[domain.Category]float64, 10)
			for i := 0; i < 10; i++ {
				score := 0.2
				if i < tt.upVotes {
					score = 0.8
				}
				scores[domain.Category(fmt.Sprintf("cat-%d", i))] = score
			}

			p := NewPredictor(registryWithScores(scores), zerolog.Nop())
			result, err := p.Score("0xabc")
			require.NoError(t, err)

			assert.Equal(t, tt.expected, result.OverallTrend)
			assert.InDelta(t, float64(tt.upVotes)/10.0, result.Confidence, 1e-9)
		})
	}
}

func TestScoreThreeOfFourBullish(t *testing.T) {
	p := NewPredictor(registryWithScores(map[domain.Category]float64{
		domain.CategoryMint:     0.9,
		domain.CategorySwap:     0.7,
		domain.CategoryStake:    0.6,
		domain.CategoryPurchase: 0.1,
	}), zerolog.Nop())

	result, err := p.Score("0xabc")
	require.NoError(t, err)

	assert.Equal(t, domain.TrendBullish, result.OverallTrend)
	assert.InDelta(t, 0.75, result.Confidence, 1e-9)
	assert.Equal(t, domain.TrendUp, result.Trends[domain.CategoryMint])
	assert.Equal(t, domain.TrendDown, result.Trends[domain.CategoryPurchase])
}

func TestScoreExactThresholdIsDown(t *testing.T) {
	p := NewPredictor(registryWithScores(map[domain.Category]float64{
		domain.CategoryMint: 0.5,
	}), zerolog.Nop())

	result, err := p.Score("0xabc")
	require.NoError(t, err)
	assert.Equal(t, domain.TrendDown, result.Trends[domain.CategoryMint])
}

func TestScoreFailedModelSubstitutesNeutral(t *testing.T) {
	models := map[domain.Category]Model{
		domain.CategoryMint: &stubModel{name: "mint", score: 0.9},
		domain.CategorySwap: &stubModel{name: "swap", err: fmt.Errorf("weights corrupt")},
	}
	r := NewRegistry()
	r.Swap(models, "")

	p := NewPredictor(r, zerolog.Nop())
	result, err := p.Score("0xabc")
	require.NoError(t, err)

	assert.InDelta(t, 0.5, result.Scores[domain.CategorySwap], 1e-9)
	assert.Equal(t, domain.TrendDown, result.Trends[domain.CategorySwap])
	assert.Equal(t, domain.TrendUp, result.Trends[domain.CategoryMint])
}

func TestScoreEmptyRegistry(t *testing.T) {
	p := NewPredictor(NewRegistry(), zerolog.Nop())
	_, err := p.Score("0xabc")
	assert.Error(t, err)
}

func TestScoreBatchPreservesOrder(t *testing.T) {
	p := NewPredictor(registryWithScores(map[domain.Category]float64{
		domain.CategoryMint: 0.9,
	}), zerolog.Nop())

	digests := []string{"0xaaa", "0xbbb", "0xccc"}
	var progress []int
	results, err := p.ScoreBatch(digests, func(done, _ int) {
		progress = append(progress, done)
	})
	require.NoError(t, err)

	require.Len(t, results, 3)
	for i, digest := range digests {
		assert.Equal(t, digest, results[i].TxDigest)
	}
	assert.Equal(t, []int{1, 2, 3}, progress)
}

func TestModelScoresSubstitutesMissing(t *testing.T) {
	p := NewPredictor(registryWithScores(map[domain.Category]float64{
		domain.CategoryMint: 0.8,
	}), zerolog.Nop())

	scores := p.ModelScores("0xabc", []domain.Category{domain.CategoryMint, domain.CategorySwap})
	require.Len(t, scores, 2)
	assert.InDelta(t, 0.8, scores[0], 1e-9)
	assert.InDelta(t, 0.5, scores[1], 1e-9)
}

func TestRegistrySwapIsWholesale(t *testing.T) {
	r := registryWithScores(map[domain.Category]float64{
		domain.CategoryMint: 0.8,
		domain.CategorySwap: 0.3,
	})
	assert.Equal(t, 2, r.Size())
	assert.Equal(t, "test-cid", r.CID())

	r.Swap(map[domain.Category]Model{
		domain.CategoryStake: &stubModel{name: "stake", score: 0.5},
	}, "next-cid")

	assert.Equal(t, 1, r.Size())
	assert.Equal(t, "next-cid", r.CID())
	_, ok := r.Get(domain.CategoryMint)
	assert.False(t, ok)
}
