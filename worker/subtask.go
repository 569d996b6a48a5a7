package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"imagegen-worker/engine"
	"imagegen-worker/generation"

	"github.com/rs/zerolog/log"
)

var errNoImages = errors.New("engine returned no images")

// subtask is one image of a ticket's batch
type subtask struct {
	index     int
	seed      int64
	positive  []string
	negative  []string
	expansion string
	cond      engine.Conditioning
	uncond    engine.Conditioning
}

// prepareSubtasks creates n subtasks seeded base+i, expands prompts when
// requested and encodes every conditioning up front.
func (w *Worker) prepareSubtasks(ctx context.Context, n int, base int64, wl workloads) ([]*subtask, error) {
	tasks := make([]*subtask, n)
	for i := range tasks {
		tasks[i] = &subtask{
			index:    i,
			seed:     base + int64(i),
			positive: slices.Clone(wl.positive),
			negative: slices.Clone(wl.negative),
		}
	}

	if wl.expand {
		for _, t := range tasks {
			suffix, err := w.engine.ExpandPrompt(ctx, wl.prompt, t.seed)
			if err != nil {
				return nil, fmt.Errorf("expand prompt for seed %d: %w", t.seed, err)
			}
			log.Debug().Int64("seed", t.seed).Str("expansion", suffix).Msg("worker: prompt expanded")
			t.expansion = suffix
			t.positive = append(t.positive, joinPrompts(wl.prompt, suffix))
		}
	}

	for _, t := range tasks {
		c, err := w.engine.EncodeConditioning(ctx, t.positive, wl.positiveTopK)
		if err != nil {
			return nil, fmt.Errorf("encode positive conditioning: %w", err)
		}
		t.cond = c
	}
	for _, t := range tasks {
		uc, err := w.engine.EncodeConditioning(ctx, t.negative, wl.negativeTopK)
		if err != nil {
			return nil, fmt.Errorf("encode negative conditioning: %w", err)
		}
		t.uncond = uc
	}
	return tasks, nil
}

// runSubtasks executes subtasks in order. A failed image is recorded and
// the batch continues; an interruption cancels the rest of the batch.
func (w *Worker) runSubtasks(ctx context.Context, seq int64, req generation.Request, p *params, tasks []*subtask) ([]generation.Outcome, bool) {
	results := make([]generation.Outcome, 0, len(tasks))
	hadError := false

	for i, t := range tasks {
		start := time.Now()
		imgs, err := w.engine.RunDiffusion(ctx, p.diffusion(t))
		if err == nil && len(imgs) == 0 {
			err = errNoImages
		}

		switch {
		case err == nil:
			for _, img := range imgs {
				w.recorder.Record(img, imageMetadata(req, p, t))
			}
			results = append(results, generation.Outcome{Image: imgs[0], Seed: t.seed, Reason: generation.ReasonSuccess})
		case errors.Is(err, engine.ErrInterrupted):
			log.Info().Int64("seq", seq).Int("index", t.index).Int("cancelled", len(tasks)-i).Msg("worker: user stopped generation")
			for _, rest := range tasks[i:] {
				results = append(results, generation.Outcome{Seed: rest.seed, Reason: generation.ReasonUserCancel})
			}
			return results, hadError
		default:
			log.Error().Err(err).Int64("seq", seq).Int("index", t.index).Int64("seed", t.seed).Msg("worker: image generation failed")
			hadError = true
			results = append(results, generation.Outcome{Seed: t.seed, Reason: generation.ReasonError})
		}
		log.Debug().Int64("seq", seq).Int("index", t.index).Dur("duration", time.Since(start)).Msg("worker: subtask finished")
	}
	return results, hadError
}
