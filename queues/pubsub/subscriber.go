package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"imagegen-worker/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// ReceiveOptions bound how much work a subscriber pulls ahead of the worker.
type ReceiveOptions struct {
	// MaxOutstanding caps unacknowledged messages held by this process. Set
	// it to the task queue capacity so excess requests stay in Pub/Sub.
	MaxOutstanding int
	// MaxExtension is how long a message may be held before Pub/Sub
	// redelivers it. It must cover the longest queue wait plus a run.
	MaxExtension time.Duration
}

type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	opts             ReceiveOptions
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string, opts ReceiveOptions) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile, opts: opts}
}

// receiveSettings applies opts on top of the client defaults.
func receiveSettings(opts ReceiveOptions) gpubsub.ReceiveSettings {
	rs := gpubsub.DefaultReceiveSettings
	if opts.MaxOutstanding > 0 {
		rs.MaxOutstandingMessages = opts.MaxOutstanding
		rs.NumGoroutines = 1
	}
	if opts.MaxExtension > 0 {
		rs.MaxExtension = opts.MaxExtension
	}
	return rs
}

func (s *Subscriber) connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	var opts []option.ClientOption
	if s.credsFile != "" {
		log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Str("credsFile", s.credsFile).Msg("initializing pubsub subscriber with explicit credentials")
		opts = append(opts, option.WithCredentialsFile(s.credsFile))
	} else {
		log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("initializing pubsub subscriber with default credentials")
	}
	client, err := gpubsub.NewClient(ctx, s.projectID, opts...)
	if err != nil {
		log.Error().Err(err).Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("failed to create pubsub client for subscriber")
		return err
	}
	s.client = client
	s.sub = client.Subscription(s.subscriptionName)
	log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	return nil
}

// Start receives generation requests until ctx is cancelled. Undecodable
// messages are acked and dropped; handler errors nack the message for
// redelivery.
func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.GenerationRequest) error) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.sub.ReceiveSettings = receiveSettings(s.opts)
	log.Info().Str("subscription", s.subscriptionName).Int("maxOutstanding", s.sub.ReceiveSettings.MaxOutstandingMessages).Dur("maxExtension", s.sub.ReceiveSettings.MaxExtension).Msg("receiving generation requests")

	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("received pubsub message")
		recvAt := time.Now()
		req, err := decodeRequest(m.Data)
		if err != nil {
			// Ack to drop bad message (poison)
			log.Error().Err(err).Str("messageID", m.ID).Msg("invalid generation request payload")
			m.Ack()
			return
		}

		if err := handler(ctx, req); err != nil {
			log.Error().Err(err).Str("requestId", req.RequestID).Msg("handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Str("requestId", req.RequestID).Dur("latency", time.Since(recvAt)).Msg("handler succeeded; acking message")
		m.Ack()
	})
}

// decodeRequest parses and validates a request message, assigning a request
// ID when the publisher did not set one.
func decodeRequest(data []byte) (*queues.GenerationRequest, error) {
	var req queues.GenerationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return &req, nil
}
