package scheduler

import (
	"context"
	"errors"
	"time"

	"trendwatch/internal/ingest"
	"trendwatch/internal/training"
)

const jobTimeout = 5 * time.Minute

// PollJob drives one poll cycle of the ingestion buffer.
type PollJob struct {
	Buffer *ingest.Buffer
}

func (j *PollJob) Name() string { return "poll_transactions" }

func (j *PollJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	j.Buffer.PollOnce(ctx)
	return nil
}

// FlushJob flushes the buffer when it has been accumulating for longer than
// the configured interval.
type FlushJob struct {
	Buffer *ingest.Buffer
}

func (j *FlushJob) Name() string { return "interval_flush" }

func (j *FlushJob) Run() error {
	j.Buffer.FlushIfStale()
	return nil
}

// RetrainJob runs a scheduled training cycle. An already-running manual run
// makes this cycle a silent no-op.
type RetrainJob struct {
	Trainer *training.Trainer
}

func (j *RetrainJob) Name() string { return "scheduled_retrain" }

func (j *RetrainJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	_, err := j.Trainer.Train(ctx, training.TriggerScheduled)
	if errors.Is(err, training.ErrTrainingInProgress) {
		return nil
	}
	return err
}
