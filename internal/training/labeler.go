// Package training builds datasets from recently observed transactions,
// fits a fresh ensemble, archives it, publishes the archive and swaps the
// active models.
package training

import (
	"math/rand"
	"sync"

	"trendwatch/internal/domain"
)

// Labeler assigns a binary training label to an observed transaction. The
// policy is injectable so the placeholder below can be replaced with a
// real outcome-based signal without touching the trainer.
type Labeler interface {
	Label(category domain.Category, event domain.TransactionEvent) float64
}

// RandomThresholdLabeler draws labels from per-category positive rates.
// This is a stand-in until a ground-truth outcome signal exists; the
// resulting models are calibrated to the category base rates only.
type RandomThresholdLabeler struct {
	mu         sync.Mutex
	rng        *rand.Rand
	thresholds map[domain.Category]float64
}

// NewRandomThresholdLabeler creates the default labeling policy.
func NewRandomThresholdLabeler(seed int64) *RandomThresholdLabeler {
	return &RandomThresholdLabeler{
		rng: rand.New(rand.NewSource(seed)),
		thresholds: map[domain.Category]float64{
			domain.CategoryMint:     0.4,
			domain.CategorySwap:     0.5,
			domain.CategoryStake:    0.6,
			domain.CategoryPurchase: 0.55,
		},
	}
}

// Label returns 1 with probability 1-threshold for the category.
func (l *RandomThresholdLabeler) Label(category domain.Category, _ domain.TransactionEvent) float64 {
	threshold, ok := l.thresholds[category]
	if !ok {
		threshold = 0.5
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rng.Float64() > threshold {
		return 1
	}
	return 0
}
