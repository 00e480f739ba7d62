package training

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendwatch/internal/broadcast"
	"trendwatch/internal/domain"
	"trendwatch/internal/ensemble"
	"trendwatch/internal/ingest"
)

type fakeEventSource struct {
	events []domain.TransactionEvent
	err    error
}

func (s *fakeEventSource) PullRecentMatching(_ context.Context, _ int) (*ingest.PullResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ingest.PullResult{
		ProcessedTransactions: len(s.events),
		NewEvents:             s.events,
	}, nil
}

type fakeArchiveStore struct {
	mu        sync.Mutex
	archives  map[string][]byte
	published []string
	rotations int
	pubErr    error
}

func newFakeArchiveStore() *fakeArchiveStore {
	return &fakeArchiveStore{archives: map[string][]byte{}}
}

func (s *fakeArchiveStore) Publish(_ context.Context, archive []byte) (string, error) {
	if s.pubErr != nil {
		return "", s.pubErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cid := fmt.Sprintf("cid-%d", len(s.published)+1)
	s.archives[cid] = archive
	s.published = append(s.published, cid)
	return cid, nil
}

func (s *fakeArchiveStore) Fetch(_ context.Context, cid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archive, ok := s.archives[cid]
	if !ok {
		return nil, fmt.Errorf("no archive %s", cid)
	}
	return archive, nil
}

func (s *fakeArchiveStore) Rotate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations++
	return nil
}

type fakeGateway struct {
	updates []string
	latest  string
	err     error
}

func (g *fakeGateway) UpdateCID(_ context.Context, cid string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	g.updates = append(g.updates, cid)
	g.latest = cid
	return "txdigest", nil
}

func (g *fakeGateway) LatestCID(_ context.Context) (string, error) {
	if g.latest == "" {
		return "", fmt.Errorf("registry empty")
	}
	return g.latest, nil
}

type fakeHub struct {
	mu       sync.Mutex
	messages []broadcast.Message
}

func (h *fakeHub) Broadcast(msg broadcast.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

type fakeRunLog struct {
	begun    []string
	finished []string
	statuses []string
}

func (l *fakeRunLog) BeginTrainingRun(trigger string) (string, error) {
	l.begun = append(l.begun, trigger)
	return fmt.Sprintf("run-%d", len(l.begun)), nil
}

func (l *fakeRunLog) FinishTrainingRun(id, status string, _, _ int, _, _ string) error {
	l.finished = append(l.finished, id)
	l.statuses = append(l.statuses, status)
	return nil
}

func sampleEvents(perCategory int) []domain.TransactionEvent {
	var events []domain.TransactionEvent
	for i, category := range domain.TrainableCategories {
		for j := 0; j < perCategory; j++ {
			events = append(events, domain.TransactionEvent{
				Digest:     fmt.Sprintf("0x%02x%02x00aabbccddeeff0011223344556677", i, j),
				Category:   category,
				Sender:     "0xsender",
				ObservedAt: time.Now(),
				Raw:        json.RawMessage(`{}`),
			})
		}
	}
	return events
}

func testTrainConfig() Config {
	return Config{
		Categories:      domain.TrainableCategories,
		FeatureLength:   30,
		RawFeatureLen:   25,
		TrainWindow:     100,
		AutoTrainWindow: 50,
		TrainEpochs:     2,
		AutoTrainEpochs: 1,
	}
}

func newTestTrainer(source EventSource, store ArchiveStore, gateway RegistryGateway,
	hub Broadcaster, runs RunLog) (*Trainer, *ensemble.Registry) {

	registry := ensemble.NewRegistry()
	predictor := ensemble.NewPredictor(registry, zerolog.Nop())
	labeler := NewRandomThresholdLabeler(42)
	trainer := NewTrainer(source, store, gateway, hub, runs, registry, predictor,
		labeler, testTrainConfig(), zerolog.Nop())
	return trainer, registry
}

func TestTrainBootstrapRun(t *testing.T) {
	source := &fakeEventSource{events: sampleEvents(10)}
	store := newFakeArchiveStore()
	gateway := &fakeGateway{}
	hub := &fakeHub{}
	runs := &fakeRunLog{}

	trainer, registry := newTestTrainer(source, store, gateway, hub, runs)

	result, err := trainer.Train(context.Background(), TriggerManual)
	require.NoError(t, err)

	assert.Len(t, result.Categories, 4)
	assert.Equal(t, 40, result.Samples)
	assert.Equal(t, "cid-1", result.CID)
	assert.Empty(t, result.Skipped)

	// Active ensemble swapped in wholesale.
	assert.Equal(t, 4, registry.Size())
	assert.Equal(t, "cid-1", registry.CID())

	// First generation trains on plain digest features.
	model, ok := registry.Get(domain.CategoryMint)
	require.True(t, ok)
	assert.Equal(t, 30, model.InputLen())

	assert.Equal(t, []string{"cid-1"}, gateway.updates)
	require.Len(t, hub.messages, 1)
	assert.Equal(t, "new_cid", hub.messages[0].Type)
	assert.Equal(t, "cid-1", hub.messages[0].CID)
	assert.Equal(t, 1, store.rotations)
	assert.Equal(t, []string{"success"}, runs.statuses)
}

func TestTrainEnhancedGeneration(t *testing.T) {
	source := &fakeEventSource{events: sampleEvents(10)}
	store := newFakeArchiveStore()

	trainer, registry := newTestTrainer(source, store, nil, nil, nil)

	_, err := trainer.Train(context.Background(), TriggerManual)
	require.NoError(t, err)

	// Second run folds the first generation's scores into the input.
	_, err = trainer.Train(context.Background(), TriggerManual)
	require.NoError(t, err)

	model, ok := registry.Get(domain.CategorySwap)
	require.True(t, ok)
	assert.Equal(t, 4+25, model.InputLen())
}

func TestTrainSkipsEmptyCategories(t *testing.T) {
	events := []domain.TransactionEvent{}
	for j := 0; j < 8; j++ {
		events = append(events, domain.TransactionEvent{
			Digest:   fmt.Sprintf("0xaa%02x", j),
			Category: domain.CategoryMint,
		})
	}
	source := &fakeEventSource{events: events}

	trainer, registry := newTestTrainer(source, newFakeArchiveStore(), nil, nil, nil)
	result, err := trainer.Train(context.Background(), TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, []domain.Category{domain.CategoryMint}, result.Categories)
	assert.Len(t, result.Skipped, 3)
	assert.Equal(t, 1, registry.Size())
}

func TestTrainNoSamplesIsSkippedNotFailed(t *testing.T) {
	source := &fakeEventSource{}
	runs := &fakeRunLog{}

	trainer, registry := newTestTrainer(source, newFakeArchiveStore(), nil, nil, runs)
	result, err := trainer.Train(context.Background(), TriggerManual)
	require.NoError(t, err)

	assert.Empty(t, result.Categories)
	assert.Empty(t, result.CID)
	assert.Equal(t, 0, registry.Size())
	assert.Equal(t, []string{"skipped"}, runs.statuses)
}

func TestTrainPullFailure(t *testing.T) {
	source := &fakeEventSource{err: fmt.Errorf("rpc down")}
	runs := &fakeRunLog{}

	trainer, _ := newTestTrainer(source, newFakeArchiveStore(), nil, nil, runs)
	_, err := trainer.Train(context.Background(), TriggerManual)
	assert.Error(t, err)
	assert.Equal(t, []string{"failed"}, runs.statuses)
}

func TestTrainRegistryFailureDoesNotAbort(t *testing.T) {
	source := &fakeEventSource{events: sampleEvents(8)}
	gateway := &fakeGateway{err: fmt.Errorf("chain congested")}
	hub := &fakeHub{}

	trainer, registry := newTestTrainer(source, newFakeArchiveStore(), gateway, hub, nil)
	result, err := trainer.Train(context.Background(), TriggerManual)
	require.NoError(t, err)

	// Archive is published and the local ensemble swapped even when the
	// on-chain record could not be written.
	assert.Equal(t, "cid-1", result.CID)
	assert.Equal(t, 4, registry.Size())
	assert.Len(t, hub.messages, 1)
}

func TestTrainSingleFlightPerTrigger(t *testing.T) {
	trainer, _ := newTestTrainer(&fakeEventSource{}, newFakeArchiveStore(), nil, nil, nil)

	trainer.manualRunning.Store(true)
	_, err := trainer.Train(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrTrainingInProgress)

	// The auto flag is independent of the manual flag.
	result, err := trainer.Train(context.Background(), TriggerAuto)
	require.NoError(t, err)
	assert.Empty(t, result.Categories)
}

func TestReloadRoundTrip(t *testing.T) {
	source := &fakeEventSource{events: sampleEvents(8)}
	store := newFakeArchiveStore()

	trainer, registry := newTestTrainer(source, store, nil, nil, nil)
	result, err := trainer.Train(context.Background(), TriggerManual)
	require.NoError(t, err)

	// Wipe the ensemble, then reload from the published archive.
	registry.Swap(map[domain.Category]ensemble.Model{}, "")
	require.Equal(t, 0, registry.Size())

	require.NoError(t, trainer.Reload(context.Background(), result.CID))
	assert.Equal(t, 4, registry.Size())
	assert.Equal(t, result.CID, registry.CID())
}

func TestReloadLatest(t *testing.T) {
	source := &fakeEventSource{events: sampleEvents(8)}
	store := newFakeArchiveStore()
	gateway := &fakeGateway{}

	trainer, registry := newTestTrainer(source, store, gateway, nil, nil)
	_, err := trainer.Train(context.Background(), TriggerManual)
	require.NoError(t, err)

	registry.Swap(map[domain.Category]ensemble.Model{}, "")
	require.NoError(t, trainer.ReloadLatest(context.Background()))
	assert.Equal(t, 4, registry.Size())
}

func TestReloadLatestWithoutGateway(t *testing.T) {
	trainer, _ := newTestTrainer(&fakeEventSource{}, newFakeArchiveStore(), nil, nil, nil)
	assert.Error(t, trainer.ReloadLatest(context.Background()))
}

func TestRandomThresholdLabelerRates(t *testing.T) {
	labeler := NewRandomThresholdLabeler(7)

	counts := map[domain.Category]int{}
	const n = 5000
	for i := 0; i < n; i++ {
		for _, category := range domain.TrainableCategories {
			if labeler.Label(category, domain.TransactionEvent{}) == 1 {
				counts[category]++
			}
		}
	}

	// Positive rate is 1-threshold per category.
	assert.InDelta(t, 0.60, float64(counts[domain.CategoryMint])/n, 0.03)
	assert.InDelta(t, 0.50, float64(counts[domain.CategorySwap])/n, 0.03)
	assert.InDelta(t, 0.40, float64(counts[domain.CategoryStake])/n, 0.03)
	assert.InDelta(t, 0.45, float64(counts[domain.CategoryPurchase])/n, 0.03)
}
