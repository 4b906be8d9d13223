package trainer

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"tensordriver/internal/augment"
	"tensordriver/internal/dataset"
	"tensordriver/internal/metrics"
	"tensordriver/internal/model"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Files           []string
	Epochs          int
	Steps           int // 0 runs until the pipeline is exhausted
	BatchSize       int
	Readers         int
	Capacity        int
	MinAfterDequeue int
	LogEvery        int
	Seed            int64
	LearningRate    float64
	Delta           float64
	SummaryDir      string

	// Zero values select the full-size network and preprocessing.
	Shape        dataset.ImageShape
	Augment      *augment.Options
	Architecture *model.Architecture
}

// Result summarizes a finished run.
type Result struct {
	Steps    int
	LastLoss float64
}

// Run trains the steering model on batches from the record pipeline.
func Run(ctx context.Context, cfg RunConfig) (Result, error) {
	if cfg.Steps < 0 {
		return Result{}, errors.New("trainer: steps must be >= 0")
	}
	if cfg.BatchSize <= 0 {
		return Result{}, errors.New("trainer: batch size must be > 0")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	augOpts := augment.DefaultOptions()
	if cfg.Augment != nil {
		augOpts = *cfg.Augment
	}
	arch := model.DefaultArchitecture()
	if cfg.Architecture != nil {
		arch = *cfg.Architecture
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches, pipelineErr, err := dataset.StartPipeline(ctx, dataset.PipelineOptions{
		Files:           cfg.Files,
		Epochs:          cfg.Epochs,
		BatchSize:       cfg.BatchSize,
		Readers:         cfg.Readers,
		Capacity:        cfg.Capacity,
		MinAfterDequeue: cfg.MinAfterDequeue,
		Seed:            cfg.Seed,
		Shape:           cfg.Shape,
		Augment:         augOpts,
	})
	if err != nil {
		return Result{}, err
	}

	var summaries *metrics.Summaries
	if cfg.SummaryDir != "" {
		summaries = metrics.NewSummaries()
	}
	driver, err := model.NewDriver(arch, cfg.LearningRate, cfg.Delta, cfg.Seed, summaries)
	if err != nil {
		return Result{}, err
	}
	var mdl model.Model = driver

	var (
		window metrics.Window
		res    Result
	)
	for cfg.Steps == 0 || res.Steps < cfg.Steps {
		startData := time.Now()
		batch, ok, err := nextBatch(ctx, batches, pipelineErr)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		step := res.Steps + 1
		if summaries != nil {
			summaries.SetStep(step)
		}
		startCompute := time.Now()
		loss, err := mdl.TrainStep(batch)
		if err != nil {
			return res, errors.Wrapf(err, "step %d", step)
		}
		computeTime := time.Since(startCompute)

		window.Record(len(batch.Labels), dataTime, computeTime, loss)
		res.Steps, res.LastLoss = step, loss

		if step%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			log.Printf("step=%d examples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f mean_loss=%.4f",
				step,
				snap.ExamplesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.LastLoss,
				snap.MeanLoss,
			)
			if err := flush(summaries, cfg.SummaryDir); err != nil {
				return res, err
			}
		}
	}

	if err := flush(summaries, cfg.SummaryDir); err != nil {
		return res, err
	}
	log.Printf("training done steps=%d loss=%.4f", res.Steps, res.LastLoss)
	return res, nil
}

// nextBatch waits for a batch. ok is false once the pipeline has drained cleanly.
func nextBatch(ctx context.Context, batches <-chan dataset.Batch, errs <-chan error) (model.Batch, bool, error) {
	select {
	case <-ctx.Done():
		return model.Batch{}, false, ctx.Err()
	case b, ok := <-batches:
		if !ok {
			// the error channel closes after the batch channel, once every reader is done
			if err, failed := <-errs; failed {
				return model.Batch{}, false, errors.Wrap(err, "input pipeline")
			}
			if err := ctx.Err(); err != nil {
				return model.Batch{}, false, err
			}
			return model.Batch{}, false, nil
		}
		return model.Batch{Images: b.Images, Labels: b.Labels}, true, nil
	}
}

func flush(s *metrics.Summaries, dir string) error {
	if s == nil {
		return nil
	}
	if err := s.Flush(dir); err != nil {
		return errors.Wrap(err, "flush summaries")
	}
	return nil
}
