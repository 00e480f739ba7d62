package training

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"trendwatch/internal/broadcast"
	"trendwatch/internal/domain"
	"trendwatch/internal/ensemble"
	"trendwatch/internal/features"
	"trendwatch/internal/ingest"
)

// ErrTrainingInProgress is returned when a run with the same trigger kind is
// already in flight.
var ErrTrainingInProgress = errors.New("training already in progress")

// Trigger identifies what started a training run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAuto      Trigger = "auto"
	TriggerScheduled Trigger = "scheduled"
)

// EventSource supplies recent matching transactions to train on.
type EventSource interface {
	PullRecentMatching(ctx context.Context, target int) (*ingest.PullResult, error)
}

// ArchiveStore persists and retrieves packed ensembles.
type ArchiveStore interface {
	Publish(ctx context.Context, archive []byte) (string, error)
	Fetch(ctx context.Context, cid string) ([]byte, error)
	Rotate(ctx context.Context) error
}

// RegistryGateway records published archive identifiers on-chain.
type RegistryGateway interface {
	UpdateCID(ctx context.Context, cid string) (string, error)
	LatestCID(ctx context.Context) (string, error)
}

// Broadcaster announces published archives to connected clients.
type Broadcaster interface {
	Broadcast(msg broadcast.Message)
}

// RunLog records training-run history.
type RunLog interface {
	BeginTrainingRun(trigger string) (string, error)
	FinishTrainingRun(id, status string, categories, samples int, cid, errMsg string) error
}

// Config holds the training parameters.
type Config struct {
	Categories      []domain.Category
	FeatureLength   int
	RawFeatureLen   int
	TrainWindow     int
	AutoTrainWindow int
	TrainEpochs     int
	AutoTrainEpochs int
}

// Result summarizes a completed training run.
type Result struct {
	RunID      string                                    `json:"run_id,omitempty"`
	Trigger    Trigger                                   `json:"trigger"`
	Categories []domain.Category                         `json:"categories"`
	Skipped    []domain.Category                         `json:"skipped,omitempty"`
	Samples    int                                       `json:"samples"`
	CID        string                                    `json:"cid,omitempty"`
	Reports    map[domain.Category]*ensemble.TrainReport `json:"reports,omitempty"`
	Duration   time.Duration                             `json:"-"`
}

// Trainer runs the retrain pipeline end to end. Manual/scheduled runs and
// auto runs are guarded by separate single-flight flags, matching their
// different windows and epoch budgets.
type Trainer struct {
	source    EventSource
	store     ArchiveStore
	gateway   RegistryGateway // nil when the on-chain registry is disabled
	hub       Broadcaster
	runs      RunLog
	registry  *ensemble.Registry
	predictor *ensemble.Predictor
	labeler   Labeler
	cfg       Config
	log       zerolog.Logger

	manualRunning atomic.Bool
	autoRunning   atomic.Bool
}

// NewTrainer wires the retrain pipeline.
func NewTrainer(source EventSource, store ArchiveStore, gateway RegistryGateway,
	hub Broadcaster, runs RunLog, registry *ensemble.Registry,
	predictor *ensemble.Predictor, labeler Labeler, cfg Config, log zerolog.Logger) *Trainer {

	return &Trainer{
		source:    source,
		store:     store,
		gateway:   gateway,
		hub:       hub,
		runs:      runs,
		registry:  registry,
		predictor: predictor,
		labeler:   labeler,
		cfg:       cfg,
		log:       log.With().Str("component", "trainer").Logger(),
	}
}

// Train runs one full retrain cycle: pull events, build per-category
// datasets, fit, archive, publish, update the registry and broadcast.
func (t *Trainer) Train(ctx context.Context, trigger Trigger) (*Result, error) {
	flag := &t.manualRunning
	window, epochs := t.cfg.TrainWindow, t.cfg.TrainEpochs
	if trigger == TriggerAuto {
		flag = &t.autoRunning
		window, epochs = t.cfg.AutoTrainWindow, t.cfg.AutoTrainEpochs
	}

	if !flag.CompareAndSwap(false, true) {
		return nil, ErrTrainingInProgress
	}
	defer flag.Store(false)

	start := time.Now()
	result := &Result{Trigger: trigger, Reports: make(map[domain.Category]*ensemble.TrainReport)}

	if t.runs != nil {
		runID, err := t.runs.BeginTrainingRun(string(trigger))
		if err != nil {
			t.log.Warn().Err(err).Msg("Failed to record training run start")
		} else {
			result.RunID = runID
		}
	}

	finish := func(status, errMsg string) {
		if t.runs != nil && result.RunID != "" {
			if err := t.runs.FinishTrainingRun(result.RunID, status,
				len(result.Categories), result.Samples, result.CID, errMsg); err != nil {
				t.log.Warn().Err(err).Msg("Failed to record training run outcome")
			}
		}
	}

	t.log.Info().Str("trigger", string(trigger)).Int("window", window).Msg("Training run started")

	pull, err := t.source.PullRecentMatching(ctx, window)
	if err != nil {
		finish("failed", err.Error())
		return nil, fmt.Errorf("failed to pull training events: %w", err)
	}

	byCategory := make(map[domain.Category][]domain.TransactionEvent)
	for _, event := range pull.NewEvents {
		byCategory[event.Category] = append(byCategory[event.Category], event)
	}

	// A first-generation ensemble trains on plain digest features; later
	// generations fold the previous generation's scores into the input.
	bootstrap := t.registry.Size() == 0

	models := make(map[domain.Category]*ensemble.ScoreModel)
	for _, category := range t.cfg.Categories {
		events := byCategory[category]
		if len(events) == 0 {
			t.log.Info().Str("category", string(category)).Msg("No samples for category, skipping")
			result.Skipped = append(result.Skipped, category)
			continue
		}

		model, report, err := t.fitCategory(category, events, bootstrap, epochs)
		if err != nil {
			finish("failed", err.Error())
			return nil, fmt.Errorf("training %s failed: %w", category, err)
		}

		models[category] = model
		result.Categories = append(result.Categories, category)
		result.Reports[category] = report
		result.Samples += len(events)
	}

	if len(models) == 0 {
		t.log.Warn().Msg("No category had samples, training run skipped")
		finish("skipped", "no samples")
		result.Duration = time.Since(start)
		return result, nil
	}

	archive, err := ensemble.PackArchive(models)
	if err != nil {
		finish("failed", err.Error())
		return nil, fmt.Errorf("failed to pack archive: %w", err)
	}

	cid, err := t.store.Publish(ctx, archive)
	if err != nil {
		finish("failed", err.Error())
		return nil, fmt.Errorf("failed to publish archive: %w", err)
	}
	result.CID = cid

	if err := t.store.Rotate(ctx); err != nil {
		t.log.Warn().Err(err).Msg("Archive rotation failed")
	}

	if t.gateway != nil {
		if digest, err := t.gateway.UpdateCID(ctx, cid); err != nil {
			t.log.Error().Err(err).Msg("On-chain registry update failed, archive remains published")
		} else {
			t.log.Info().Str("digest", digest).Msg("On-chain registry updated")
		}
	}

	t.registry.Swap(asModels(models), cid)

	if t.hub != nil {
		t.hub.Broadcast(broadcast.NewCIDMessage(cid))
	}

	finish("success", "")
	result.Duration = time.Since(start)

	t.log.Info().
		Str("trigger", string(trigger)).
		Str("cid", cid).
		Int("categories", len(result.Categories)).
		Int("samples", result.Samples).
		Dur("duration", result.Duration).
		Msg("Training run completed")

	return result, nil
}

// fitCategory builds the dataset for one category and fits a fresh model.
func (t *Trainer) fitCategory(category domain.Category, events []domain.TransactionEvent,
	bootstrap bool, epochs int) (*ensemble.ScoreModel, *ensemble.TrainReport, error) {

	inputLen := len(t.cfg.Categories) + t.cfg.RawFeatureLen
	if bootstrap {
		inputLen = t.cfg.FeatureLength
	}

	data := mat.NewDense(len(events), inputLen, nil)
	labels := make([]float64, len(events))
	for i, event := range events {
		var row []float64
		if bootstrap {
			row = features.Extract(event.Digest, t.cfg.FeatureLength)
		} else {
			row = append(t.predictor.ModelScores(event.Digest, t.cfg.Categories),
				features.Extract(event.Digest, t.cfg.RawFeatureLen)...)
		}
		data.SetRow(i, row)
		labels[i] = t.labeler.Label(category, event)
	}

	scaler := features.NewMinMaxScaler()
	scaled := scaler.FitTransform(data)

	network, err := ensemble.NewNetwork(ensemble.DefaultTopology(inputLen), time.Now().UnixNano())
	if err != nil {
		return nil, nil, err
	}

	report, err := network.Fit(scaled, labels, ensemble.DefaultTrainConfig(epochs))
	if err != nil {
		return nil, nil, err
	}

	t.log.Info().
		Str("category", string(category)).
		Int("samples", len(events)).
		Float64("final_loss", report.FinalLoss).
		Float64("validation_loss", report.ValidationLoss).
		Msg("Category model trained")

	return ensemble.NewScoreModel(category, network, scaler), report, nil
}

// Reload fetches an archive by identifier and swaps the active ensemble.
func (t *Trainer) Reload(ctx context.Context, cid string) error {
	archive, err := t.store.Fetch(ctx, cid)
	if err != nil {
		return fmt.Errorf("failed to fetch archive %s: %w", cid, err)
	}

	models, err := ensemble.UnpackArchive(archive)
	if err != nil {
		return fmt.Errorf("failed to decode archive %s: %w", cid, err)
	}

	t.registry.Swap(models, cid)
	t.log.Info().Str("cid", cid).Int("models", len(models)).Msg("Ensemble reloaded from archive")
	return nil
}

// ReloadLatest reads the registry for the newest published identifier and
// reloads from it. Used at startup to resume with the current ensemble.
func (t *Trainer) ReloadLatest(ctx context.Context) error {
	if t.gateway == nil {
		return fmt.Errorf("on-chain registry is disabled")
	}
	cid, err := t.gateway.LatestCID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read latest archive identifier: %w", err)
	}
	return t.Reload(ctx, cid)
}

func asModels(models map[domain.Category]*ensemble.ScoreModel) map[domain.Category]ensemble.Model {
	out := make(map[domain.Category]ensemble.Model, len(models))
	for category, model := range models {
		out[category] = model
	}
	return out
}
