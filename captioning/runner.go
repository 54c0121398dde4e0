package captioning

import (
	"context"
	"fmt"
	"log"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// EpochStats aggregates one pass over a loader.
type EpochStats struct {
	Loss   float64
	Top1   float64
	Top5   float64
	Tokens int // total valid target tokens processed
}

// Runner drives one pass over a data loader in either mode. The encoder is
// always run in evaluation mode; weights move only during ModeTrain batches.
// Batches are strictly sequential and any failure aborts the pass: skipping
// a batch would corrupt the metric denominators.
type Runner struct {
	Encoder     Encoder
	Decoder     Decoder
	Loss        *CaptionLoss
	Opt         Optimizer // required for ModeTrain, unused otherwise
	Writer      ScalarWriter
	LogInterval int
}

// Run executes one full pass for the given epoch and returns its aggregated
// metrics.
func (r *Runner) Run(ctx context.Context, mode Mode, epoch int, loader *Loader) (EpochStats, error) {
	if mode == ModeTrain && r.Opt == nil {
		return EpochStats{}, errors.New("captioning: training pass without an optimizer")
	}
	writer := r.Writer
	if writer == nil {
		writer = NopWriter{}
	}
	logInterval := r.LogInterval
	if logInterval <= 0 {
		logInterval = 100
	}

	r.Encoder.SetMode(ModeEval)
	r.Decoder.SetMode(mode)

	// Cancelling on return releases the producer goroutine should the pass
	// abort mid-stream; otherwise it would stay blocked on its batch channel.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var losses, top1, top5 AverageMeter
	total := loader.NumBatches()
	batches, errCh := loader.Batches(ctx)
	idx := 0
	for batch := range batches {
		if err := r.runBatch(mode, epoch, idx, total, logInterval, writer, batch, &losses, &top1, &top5); err != nil {
			return EpochStats{}, errors.Wrapf(err, "%s epoch %d batch %d", mode, epoch, idx)
		}
		idx++
	}
	if err := <-errCh; err != nil {
		return EpochStats{}, errors.Wrapf(err, "%s epoch %d", mode, epoch)
	}
	if losses.Count == 0 {
		return EpochStats{}, errors.WithStack(ErrEmptyBatch)
	}
	return EpochStats{Loss: losses.Avg, Top1: top1.Avg, Top5: top5.Avg, Tokens: losses.Count}, nil
}

func (r *Runner) runBatch(mode Mode, epoch, idx, total, logInterval int, writer ScalarWriter, batch Batch, losses, top1, top5 *AverageMeter) error {
	features, err := r.Encoder.Forward(batch.Images)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	if mode == ModeTrain {
		ZeroGrads(r.Decoder.Parameters())
	}
	preds, alphas, err := r.Decoder.Forward(features, batch.Captions)
	if err != nil {
		return errors.Wrap(err, "decode")
	}
	targets, err := shiftTargets(batch.Captions)
	if err != nil {
		return err
	}

	loss, flatPreds, flatTargets, err := r.Loss.Compute(preds, alphas, targets, batch.Lengths)
	if err != nil {
		return err
	}
	if mode == ModeTrain {
		dPreds, dAlphas, err := r.Loss.Gradient(preds, alphas, targets, batch.Lengths)
		if err != nil {
			return err
		}
		if err := r.Decoder.Backward(dPreds, dAlphas); err != nil {
			return err
		}
		if err := r.Opt.Step(r.Decoder.Parameters()); err != nil {
			return err
		}
	}

	accs, err := Accuracy(flatPreds, flatTargets, []int{1, 5})
	if err != nil {
		return err
	}
	tokens := validTokenCount(batch.Lengths)
	losses.Update(loss, tokens)
	top1.Update(accs[0], tokens)
	top5.Update(accs[1], tokens)

	prefix := mode.String()
	if err := writer.AddScalar(fmt.Sprintf("%s/epoch_%d_loss", prefix, epoch), loss, idx); err != nil {
		return err
	}
	if err := writer.AddScalar(fmt.Sprintf("%s/epoch_%d_top1_acc", prefix, epoch), accs[0], idx); err != nil {
		return err
	}
	if err := writer.AddScalar(fmt.Sprintf("%s/epoch_%d_top5_acc", prefix, epoch), accs[1], idx); err != nil {
		return err
	}
	if idx%logInterval == 0 {
		log.Printf("%s batch [%d/%d] loss %.4f (%.4f) top1 %.3f (%.3f) top5 %.3f (%.3f)",
			prefix, idx, total, losses.Val, losses.Avg, top1.Val, top1.Avg, top5.Val, top5.Avg)
	}
	return nil
}

// shiftTargets drops the start token: targets[i][t] = captions[i][t+1].
func shiftTargets(captions *tensor.Dense) (*tensor.Dense, error) {
	shape := captions.Shape()
	if len(shape) != 2 || shape[1] < 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "captions %v, want [B L] with L >= 2", shape)
	}
	b, l := shape[0], shape[1]
	src := captions.Data().([]int)
	dst := make([]int, b*(l-1))
	for i := 0; i < b; i++ {
		copy(dst[i*(l-1):(i+1)*(l-1)], src[i*l+1:(i+1)*l])
	}
	return tensor.New(tensor.WithShape(b, l-1), tensor.WithBacking(dst)), nil
}

func validTokenCount(lengths []int) int {
	n := 0
	for _, l := range lengths {
		n += l - 1
	}
	return n
}
