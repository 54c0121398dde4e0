package captioning

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/pkg/errors"
)

// TrainConfig carries the knobs for a full training run.
type TrainConfig struct {
	Epochs        int
	BatchSize     int
	Lr            float64
	StepSize      int     // epochs between learning-rate decays
	AlphaC        float64 // attention coverage penalty strength
	LogInterval   int
	CheckpointDir string
	Seed          int64
}

// Validate verifies the config is runnable.
func (c *TrainConfig) Validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Lr <= 0 {
		return errors.Errorf("lr must be > 0 (got %g)", c.Lr)
	}
	if c.StepSize <= 0 {
		return errors.Errorf("step_size must be > 0 (got %d)", c.StepSize)
	}
	if c.AlphaC < 0 {
		return errors.Errorf("alpha_c must be >= 0 (got %g)", c.AlphaC)
	}
	if c.LogInterval <= 0 {
		c.LogInterval = 100
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "model"
	}
	return nil
}

// Trainer owns the multi-epoch loop. Epochs run strictly in order: scheduler
// step, train pass, validation pass, checkpoint write. A failure anywhere
// aborts the run; there is no automatic resume.
type Trainer struct {
	Encoder     Encoder
	Decoder     Decoder
	Config      TrainConfig
	TrainWriter ScalarWriter
	ValWriter   ScalarWriter
}

// Run trains for Config.Epochs epochs over trainSet, validating on valSet
// and writing one decoder checkpoint per epoch.
func (t *Trainer) Run(ctx context.Context, trainSet, valSet Dataset) error {
	cfg := t.Config
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	trainLoader, err := NewLoader(trainSet, cfg.BatchSize, cfg.Seed)
	if err != nil {
		return errors.Wrap(err, "train loader")
	}
	valLoader, err := NewLoader(valSet, cfg.BatchSize, cfg.Seed+1)
	if err != nil {
		return errors.Wrap(err, "val loader")
	}

	opt := NewAdam(cfg.Lr)
	scheduler := &StepLR{Opt: opt, StepSize: cfg.StepSize}
	loss := &CaptionLoss{AlphaC: cfg.AlphaC}
	trainRunner := &Runner{
		Encoder:     t.Encoder,
		Decoder:     t.Decoder,
		Loss:        loss,
		Opt:         opt,
		Writer:      t.TrainWriter,
		LogInterval: cfg.LogInterval,
	}
	valRunner := &Runner{
		Encoder:     t.Encoder,
		Decoder:     t.Decoder,
		Loss:        loss,
		Writer:      t.ValWriter,
		LogInterval: cfg.LogInterval,
	}

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		scheduler.Step()
		trainStats, err := trainRunner.Run(ctx, ModeTrain, epoch, trainLoader)
		if err != nil {
			return err
		}
		valStats, err := valRunner.Run(ctx, ModeEval, epoch, valLoader)
		if err != nil {
			return err
		}
		path := filepath.Join(cfg.CheckpointDir, fmt.Sprintf("model_%d.json", epoch))
		if err := SaveCheckpoint(t.Decoder, epoch, path); err != nil {
			return err
		}
		log.Printf("epoch %d: train loss %.4f top1 %.3f top5 %.3f | val loss %.4f top1 %.3f top5 %.3f | saved %s",
			epoch, trainStats.Loss, trainStats.Top1, trainStats.Top5,
			valStats.Loss, valStats.Top1, valStats.Top5, path)
	}
	return nil
}
