package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"imagegen-worker/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Publisher sends generation results to the result topic.
type Publisher struct {
	projectID   string
	resultTopic string
	credsFile   string
	maxBytes    int
	client      *gpubsub.Client
	topic       *gpubsub.Topic
}

func NewPublisher(projectID, resultTopic, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, resultTopic: resultTopic, credsFile: credsFile, maxBytes: queues.MaxResultBytes}
}

func (p *Publisher) connect(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	var opts []option.ClientOption
	if p.credsFile != "" {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.resultTopic).Str("credsFile", p.credsFile).Msg("initializing pubsub publisher with explicit credentials")
		opts = append(opts, option.WithCredentialsFile(p.credsFile))
	} else {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.resultTopic).Msg("initializing pubsub publisher with default credentials")
	}
	client, err := gpubsub.NewClient(ctx, p.projectID, opts...)
	if err != nil {
		log.Error().Err(err).Str("projectID", p.projectID).Str("topic", p.resultTopic).Msg("failed to create pubsub client for publisher")
		return err
	}
	p.client = client
	p.topic = client.Topic(p.resultTopic)
	log.Info().Str("topic", p.resultTopic).Msg("pubsub publisher initialized")
	return nil
}

// PublishResult publishes res and waits for the server ack. Results whose
// encoding exceeds the size limit are rejected with queues.ErrResultTooLarge
// before anything is sent.
func (p *Publisher) PublishResult(ctx context.Context, res *queues.GenerationResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Str("requestId", res.RequestID).Msg("failed to marshal generation result")
		return err
	}
	if p.maxBytes > 0 && len(b) > p.maxBytes {
		log.Error().Str("requestId", res.RequestID).Int("size", len(b)).Int("limit", p.maxBytes).Msg("generation result too large to publish")
		return fmt.Errorf("%w: %d bytes, limit %d", queues.ErrResultTooLarge, len(b), p.maxBytes)
	}
	if err := p.connect(ctx); err != nil {
		return err
	}

	r := p.topic.Publish(ctx, &gpubsub.Message{Data: b, Attributes: resultAttributes(res)})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("requestId", res.RequestID).Int("part", res.Part).Msg("failed to publish generation result")
		return err
	}
	log.Debug().Str("messageID", id).Str("requestId", res.RequestID).Str("status", string(res.Status)).Int("size", len(b)).Int("part", res.Part).Msg("published generation result")
	return nil
}

// resultAttributes lets subscribers filter and reassemble results without
// decoding the body.
func resultAttributes(res *queues.GenerationResult) map[string]string {
	attrs := map[string]string{
		"requestId": res.RequestID,
		"status":    string(res.Status),
		"type":      res.Type,
	}
	if res.Parts > 0 {
		attrs["part"] = strconv.Itoa(res.Part)
		attrs["parts"] = strconv.Itoa(res.Parts)
	}
	return attrs
}
