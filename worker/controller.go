package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imagegen-worker/generation"
	"imagegen-worker/queues"

	"github.com/rs/zerolog/log"
)

// Submitter runs a generation request to completion.
type Submitter interface {
	Submit(ctx context.Context, req generation.Request) ([]generation.Outcome, error)
}

// Controller wires queue consumption to the worker and publishes the result
// of every request, split across messages when it is too large for one.
//
// Handle returns an error only when redelivering the request could succeed.
type Controller struct {
	publisher      queues.Publisher
	worker         Submitter
	maxResultBytes int
}

func NewController(p queues.Publisher, w Submitter) *Controller {
	return &Controller{publisher: p, worker: w, maxResultBytes: queues.MaxResultBytes}
}

// publishFailure publishes an all-error result for req.
func (c *Controller) publishFailure(ctx context.Context, req *queues.GenerationRequest, start time.Time, message string) error {
	res := queues.NewFailureResult(req.RequestID, req.ImageNumber, message)
	if err := c.publisher.PublishResult(ctx, res); err != nil {
		if errors.Is(err, queues.ErrResultTooLarge) {
			log.Error().Err(err).Str("requestId", req.RequestID).Msg("controller: dropping failure result")
			return nil
		}
		log.Error().Err(err).Str("requestId", req.RequestID).Msg("controller: failed to publish failure result")
		return err
	}
	log.Warn().Str("requestId", req.RequestID).Str("error", message).Dur("duration", time.Since(start)).Msg("controller: published failure result")
	return nil
}

func (c *Controller) Handle(ctx context.Context, req *queues.GenerationRequest) error {
	start := time.Now()
	log.Info().Str("requestId", req.RequestID).Str("kind", req.Kind).Int("images", req.ImageNumber).Msg("controller: handling generation request")

	genReq, err := req.ToGeneration()
	if err != nil {
		log.Error().Err(err).Str("requestId", req.RequestID).Msg("controller: invalid generation request")
		return c.publishFailure(ctx, req, start, fmt.Sprintf("invalid request: %v", err))
	}

	outcomes, err := c.worker.Submit(ctx, genReq)
	if err != nil {
		return c.publishFailure(ctx, req, start, fmt.Sprintf("generation failed: %v", err))
	}

	res, err := queues.NewGenerationResult(req.RequestID, outcomes)
	if err != nil {
		log.Error().Err(err).Str("requestId", req.RequestID).Msg("controller: failed to build result")
		return c.publishFailure(ctx, req, start, fmt.Sprintf("encode result: %v", err))
	}
	parts, err := res.Split(c.maxResultBytes)
	if err != nil {
		log.Error().Err(err).Str("requestId", req.RequestID).Msg("controller: failed to split result")
		return c.publishFailure(ctx, req, start, fmt.Sprintf("encode result: %v", err))
	}
	if len(parts) > 1 {
		log.Warn().Str("requestId", req.RequestID).Int("parts", len(parts)).Msg("controller: result split across messages")
	}

	duration := time.Since(start)
	for _, part := range parts {
		err := c.publisher.PublishResult(ctx, part)
		if errors.Is(err, queues.ErrResultTooLarge) {
			log.Error().Err(err).Str("requestId", req.RequestID).Int("part", part.Part).Msg("controller: result rejected as too large")
			return c.publishFailure(ctx, req, start, fmt.Sprintf("publish result: %v", err))
		}
		if err != nil {
			log.Error().Err(err).Str("requestId", req.RequestID).Int("part", part.Part).Dur("duration", duration).Msg("controller: failed to publish result")
			return err
		}
	}
	log.Info().Str("requestId", req.RequestID).Str("status", string(parts[0].Status)).Int("parts", len(parts)).Dur("duration", duration).Msg("controller: generation finished")
	return nil
}
