package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"RewardPool/internal/event"
	"RewardPool/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// commands to the parse loop. Each subject maps to one command type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is a command as received from NATS, before parsing.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK once the command is handed to the core
	NakFunc   func() // NAK for redelivery
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	poolsStream  = "REWARDS_POOLS"
	stakeStream  = "REWARDS_STAKE"
	tokensStream = "REWARDS_TOKENS"
)

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "rewards.pools.create.>", EventType: event.EventTypePoolCreated.String(), ConsumerName: "rewards-pool-create", StreamName: poolsStream},
		{Subject: "rewards.pools.configure.>", EventType: event.EventTypePoolConfigured.String(), ConsumerName: "rewards-pool-configure", StreamName: poolsStream},
		{Subject: "rewards.pools.close.>", EventType: event.EventTypePoolClosed.String(), ConsumerName: "rewards-pool-close", StreamName: poolsStream},
		{Subject: "rewards.pools.epoch.>", EventType: event.EventTypeEpochBegun.String(), ConsumerName: "rewards-pool-epoch", StreamName: poolsStream},
		{Subject: "rewards.stake.deposit.>", EventType: event.EventTypeStakeDeposited.String(), ConsumerName: "rewards-stake-deposit", StreamName: stakeStream},
		{Subject: "rewards.stake.withdraw.>", EventType: event.EventTypeStakeWithdrawn.String(), ConsumerName: "rewards-stake-withdraw", StreamName: stakeStream},
		{Subject: "rewards.stake.claim.>", EventType: event.EventTypeRewardClaimed.String(), ConsumerName: "rewards-stake-claim", StreamName: stakeStream},
		{Subject: "rewards.tokens.credit.>", EventType: event.EventTypeTokensCredited.String(), ConsumerName: "rewards-tokens-credit", StreamName: tokensStream},
	}
}

// SubjectResolver maps a concrete subject to its event type by longest
// matching prefix of the configured wildcard subjects.
type SubjectResolver struct {
	prefixes map[string]string
}

func NewSubjectResolver(subjects []SubjectConfig) *SubjectResolver {
	prefixes := make(map[string]string, len(subjects))
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		prefixes[prefix] = cfg.EventType
	}
	return &SubjectResolver{prefixes: prefixes}
}

// Resolve returns the event type for subject, or "" if none matches.
func (r *SubjectResolver) Resolve(subject string) string {
	best, bestType := "", ""
	for prefix, eventType := range r.prefixes {
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(best) {
			best, bestType = prefix, eventType
		}
	}
	return bestType
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// redeliveryDelay spaces out redeliveries of nacked commands, mostly ones
// waiting on a source sequence gap to close.
const redeliveryDelay = 500 * time.Millisecond

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK and ack_wait=30s. Delivery is unbounded: a
// command behind a sequence gap must stay in the stream until its
// predecessors arrive, and the stream's max age bounds it instead.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    -1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		filter := cfg.Subject
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			received := time.Now()
			if meta, err := msg.Metadata(); err == nil && ns.metrics != nil {
				ns.metrics.NATSPullLatency.WithLabelValues(filter).Observe(received.Sub(meta.Timestamp).Seconds())
			}
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: received,
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.NakWithDelay(redeliveryDelay) },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command streams if they don't exist. Streams
// use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{Name: poolsStream, Subjects: []string{"rewards.pools.>"}},
		{Name: stakeStream, Subjects: []string{"rewards.stake.>"}},
		{Name: tokensStream, Subjects: []string{"rewards.tokens.>"}},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
// onState, if set, is told whether the connection is up.
func ConnectNATS(url string, logger zerolog.Logger, onState func(up bool)) (*nats.Conn, jetstream.JetStream, error) {
	if onState == nil {
		onState = func(bool) {}
	}
	nc, err := nats.Connect(url,
		nats.Name("rewardpool"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
			onState(false)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
			onState(true)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	onState(true)
	return nc, js, nil
}
