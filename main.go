package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"

	"github.com/sezan92/Show-Attend-and-Tell/captioning"
)

// RGB channel means per grid cell.
const encoderFeatureDim = 3

func main() {
	if err := run(); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}

// run holds the whole lifecycle so the deferred writer closes fire before
// the process exits; log.Fatalf in main would drop their buffered tails.
func run() error {
	batchSize := flag.Int("batch-size", 64, "batch size for training")
	epochs := flag.Int("epochs", 10, "number of epochs to train for")
	lr := flag.Float64("lr", 1e-3, "learning rate of the decoder")
	stepSize := flag.Int("step-size", 5, "epochs between learning rate decays")
	alphaC := flag.Float64("alpha-c", 1.0, "attention regularization constant")
	logInterval := flag.Int("log-interval", 100, "batches between training log lines")
	data := flag.String("data", "data/coco", "path to the preprocessed dataset")
	checkpointDir := flag.String("checkpoint-dir", "model", "directory for per-epoch checkpoints")
	logDir := flag.String("log-dir", "runs", "directory for scalar metric logs")
	seed := flag.Int64("seed", 42, "PRNG seed")
	grid := flag.Int("grid", 14, "encoder attention grid; K = grid*grid")
	imageSize := flag.Int("image-size", 224, "square image edge after resampling")
	embedDim := flag.Int("embed-dim", 64, "decoder token embedding dimension")

	flag.Parse()

	wordDict, err := captioning.LoadWordDict(filepath.Join(*data, "word_dict.json"))
	if err != nil {
		return errors.Wrap(err, "load vocabulary")
	}
	trainSet, err := captioning.NewJSONDataset(*data, "train", *imageSize)
	if err != nil {
		return errors.Wrap(err, "load train split")
	}
	valSet, err := captioning.NewJSONDataset(*data, "val", *imageSize)
	if err != nil {
		return errors.Wrap(err, "load val split")
	}

	trainWriter, err := captioning.NewFileWriter(filepath.Join(*logDir, "train.jsonl"))
	if err != nil {
		return errors.Wrap(err, "open train log")
	}
	defer trainWriter.Close()
	valWriter, err := captioning.NewFileWriter(filepath.Join(*logDir, "val.jsonl"))
	if err != nil {
		return errors.Wrap(err, "open val log")
	}
	defer valWriter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trainer := &captioning.Trainer{
		Encoder: captioning.NewGridEncoder(*grid),
		Decoder: captioning.NewAttentionDecoder(len(wordDict), encoderFeatureDim, *embedDim, *seed),
		Config: captioning.TrainConfig{
			Epochs:        *epochs,
			BatchSize:     *batchSize,
			Lr:            *lr,
			StepSize:      *stepSize,
			AlphaC:        *alphaC,
			LogInterval:   *logInterval,
			CheckpointDir: *checkpointDir,
			Seed:          *seed,
		},
		TrainWriter: trainWriter,
		ValWriter:   valWriter,
	}

	log.Printf("training: vocab=%d train=%d val=%d grid=%d embed=%d",
		len(wordDict), trainSet.Len(), valSet.Len(), *grid, *embedDim)
	return trainer.Run(ctx, trainSet, valSet)
}
