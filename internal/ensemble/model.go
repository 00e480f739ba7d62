package ensemble

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"trendwatch/internal/domain"
	"trendwatch/internal/features"
)

// Model is the scoring capability a registry entry must provide. Implemented
// by ScoreModel; tests substitute fakes.
type Model interface {
	Name() string
	InputLen() int
	Predict(features []float64) (float64, error)
}

// ScoreModel pairs a trained network with the scaler fitted alongside it.
// Inference applies the stored scaling before the forward pass, so raw
// digest features go in and a calibrated score comes out.
type ScoreModel struct {
	category domain.Category
	network  *Network
	scaler   *features.MinMaxScaler
}

// NewScoreModel wraps a trained network and its fitted scaler.
func NewScoreModel(category domain.Category, network *Network, scaler *features.MinMaxScaler) *ScoreModel {
	return &ScoreModel{category: category, network: network, scaler: scaler}
}

// Name returns the category this model scores.
func (m *ScoreModel) Name() string {
	return string(m.category)
}

// Category returns the model's category.
func (m *ScoreModel) Category() domain.Category {
	return m.category
}

// InputLen returns the raw feature length the model expects.
func (m *ScoreModel) InputLen() int {
	return m.network.InputLen()
}

// Network exposes the underlying network for archiving.
func (m *ScoreModel) Network() *Network {
	return m.network
}

// Scaler exposes the fitted scaler for archiving.
func (m *ScoreModel) Scaler() *features.MinMaxScaler {
	return m.scaler
}

// Predict scales the raw features and runs the forward pass.
func (m *ScoreModel) Predict(raw []float64) (float64, error) {
	if len(raw) != m.network.InputLen() {
		return 0, fmt.Errorf("model %s expects %d features, got %d",
			m.category, m.network.InputLen(), len(raw))
	}

	row := mat.NewDense(1, len(raw), append([]float64(nil), raw...))
	scaled, err := m.scaler.Transform(row)
	if err != nil {
		return 0, fmt.Errorf("model %s scaling failed: %w", m.category, err)
	}

	return m.network.Predict(mat.Row(nil, 0, scaled))
}

// Registry holds the currently active ensemble, keyed by category. Reloads
// replace the whole map at once, so a prediction never observes a mix of
// old and new models.
type Registry struct {
	mu     sync.RWMutex
	models map[domain.Category]Model
	cid    string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[domain.Category]Model)}
}

// Swap installs a new ensemble wholesale and records the archive identifier
// it was loaded from.
func (r *Registry) Swap(models map[domain.Category]Model, cid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = models
	r.cid = cid
}

// Get returns the model for a category, if loaded.
func (r *Registry) Get(category domain.Category) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[category]
	return m, ok
}

// Snapshot returns the current ensemble map. The map itself is never
// mutated after a swap, so sharing it is safe.
func (r *Registry) Snapshot() map[domain.Category]Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models
}

// Categories returns the loaded categories.
func (r *Registry) Categories() []domain.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Category, 0, len(r.models))
	for c := range r.models {
		out = append(out, c)
	}
	return out
}

// CID returns the archive identifier of the active ensemble, empty if the
// ensemble was trained in-process and not yet published.
func (r *Registry) CID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cid
}

// Size returns the number of loaded models.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
