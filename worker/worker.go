package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"imagegen-worker/engine"
	"imagegen-worker/generation"
	"imagegen-worker/metrics"
	"imagegen-worker/styles"
	"imagegen-worker/taskqueue"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultInpaintPatchModel = "inpaint_v26.fooocus.patch"
)

type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// InpaintPatchModel is the LoRA appended to the model set for inpaint jobs.
	InpaintPatchModel string
	// RandomSeed draws a base seed when the request carries none.
	RandomSeed func() int64
}

// Worker drives admitted generation jobs through the engine, one ticket at a time
type Worker struct {
	queue    *taskqueue.QueueManager
	engine   engine.Engine
	styles   *styles.Library
	recorder Recorder

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	inpaintPatchModel string
	randomSeed        func() int64
}

func NewWorker(q *taskqueue.QueueManager, e engine.Engine, lib *styles.Library, rec Recorder, opts Options) *Worker {
	w := &Worker{
		queue:             q,
		engine:            e,
		styles:            lib,
		recorder:          rec,
		pollInterval:      opts.PollInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		inpaintPatchModel: opts.InpaintPatchModel,
		randomSeed:        opts.RandomSeed,
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = DefaultHeartbeatInterval
	}
	if w.inpaintPatchModel == "" {
		w.inpaintPatchModel = DefaultInpaintPatchModel
	}
	if w.randomSeed == nil {
		w.randomSeed = func() int64 { return rand.Int64N(maxSeed) + 1 }
	}
	if w.recorder == nil {
		w.recorder = LogRecorder{}
	}
	return w
}

// Submit admits req, waits for its turn and generates every requested image.
// It blocks until the ticket is finished. A full queue is not an error: every
// image comes back as QUEUE_IS_FULL. An error is returned only when the job
// failed outside the per-image loop; the queue slot is released first.
func (w *Worker) Submit(ctx context.Context, req generation.Request) ([]generation.Outcome, error) {
	seq, ok := w.queue.Enqueue(req)
	metrics.QueueDepth.Set(float64(w.queue.Len()))
	if !ok {
		log.Warn().Str("kind", string(req.Kind())).Int("images", req.ImageNumber).Int("capacity", w.queue.Capacity()).Msg("worker: task queue has reached its limit")
		metrics.TicketsTotal.WithLabelValues(metrics.TicketRejected).Inc()
		metrics.ImagesTotal.WithLabelValues(string(generation.ReasonQueueFull)).Add(float64(req.ImageNumber))
		return generation.QueueFullOutcomes(req.ImageNumber), nil
	}

	enqueuedAt := time.Now()
	finished := false
	finish := func(results []generation.Outcome, hadError bool, fault bool) {
		finished = true
		if err := w.queue.FinishTask(seq, results, hadError); err != nil {
			log.Error().Err(err).Int64("seq", seq).Msg("worker: failed to finish ticket")
		}
		metrics.QueueDepth.Set(float64(w.queue.Len()))
		metrics.ObserveFinish(results, hadError, fault, time.Since(enqueuedAt))
		log.Info().Int64("seq", seq).Bool("hadError", hadError).Int("results", len(results)).Dur("duration", time.Since(enqueuedAt)).Msg("worker: finished task")
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int64("seq", seq).Msg("worker: panic while processing ticket")
			if !finished {
				finish(nil, true, true)
			}
			panic(r)
		}
	}()

	if err := w.waitForTurn(ctx, seq); err != nil {
		log.Error().Err(err).Int64("seq", seq).Msg("worker: stopped waiting for turn")
		finish(nil, true, true)
		return nil, fmt.Errorf("worker: waiting for ticket %d: %w", seq, err)
	}
	metrics.WaitDuration.Observe(time.Since(enqueuedAt).Seconds())
	log.Info().Int64("seq", seq).Msg("worker: task queue is free, starting task")

	if err := w.queue.StartTask(seq); err != nil {
		finish(nil, true, true)
		return nil, fmt.Errorf("worker: %w", err)
	}
	ticket, _ := w.queue.Ticket(seq)

	results, hadError, err := w.process(ctx, seq, ticket.Request)
	if err != nil {
		log.Error().Err(err).Int64("seq", seq).Str("kind", string(ticket.Kind)).Msg("worker: task failed")
		finish(nil, true, true)
		return nil, fmt.Errorf("worker: ticket %d: %w", seq, err)
	}
	finish(results, hadError, false)
	return results, nil
}

// waitForTurn polls the queue until seq is at its head.
func (w *Worker) waitForTurn(ctx context.Context, seq int64) error {
	if w.queue.IsReadyToStart(seq) {
		return nil
	}
	log.Info().Int64("seq", seq).Msg("worker: waiting for task queue to become free")
	start := time.Now()
	lastBeat := start
	return wait.PollUntilContextCancel(ctx, w.pollInterval, true, func(context.Context) (bool, error) {
		if w.queue.IsReadyToStart(seq) {
			return true, nil
		}
		if time.Since(lastBeat) >= w.heartbeatInterval {
			lastBeat = time.Now()
			log.Info().Int64("seq", seq).Dur("waited", time.Since(start)).Msg("worker: still waiting for task queue")
		}
		return false, nil
	})
}

// process runs a started ticket: derive parameters, prepare subtasks and
// execute them. Errors returned here abort the whole ticket.
func (w *Worker) process(ctx context.Context, seq int64, req generation.Request) ([]generation.Outcome, bool, error) {
	prepStart := time.Now()

	p, direct, err := w.deriveParams(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("derive parameters: %w", err)
	}
	if direct != nil {
		log.Info().Int64("seq", seq).Int("images", len(direct)).Msg("worker: returning upscaled image directly")
		return direct, false, nil
	}
	log.Debug().Int64("seq", seq).Str("sampler", p.sampler).Str("scheduler", p.scheduler).Int("steps", p.steps).Int("switch", p.switchAt).Int("width", p.width).Int("height", p.height).Float64("denoise", p.denoise).Msg("worker: parameters derived")

	wl, err := normalizePrompts(req, w.styles)
	if err != nil {
		return nil, false, fmt.Errorf("normalize prompts: %w", err)
	}

	if err := w.engine.SwitchModels(ctx, req.BaseModel, req.RefinerModel, p.loras); err != nil {
		return nil, false, fmt.Errorf("switch models: %w", err)
	}

	seed := coerceSeed(req.Seed, w.randomSeed)
	tasks, err := w.prepareSubtasks(ctx, req.ImageNumber, seed, wl)
	if err != nil {
		return nil, false, err
	}
	log.Info().Int64("seq", seq).Int("subtasks", len(tasks)).Int64("seed", seed).Dur("preparation", time.Since(prepStart)).Msg("worker: preparation finished")

	results, hadError := w.runSubtasks(ctx, seq, req, p, tasks)
	return results, hadError, nil
}
