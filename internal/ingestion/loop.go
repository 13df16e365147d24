package ingestion

import (
	"context"
	"errors"
	"time"

	"RewardPool/internal/core"
	"RewardPool/internal/event"
	"RewardPool/internal/observability"

	"github.com/rs/zerolog"
)

// Processor applies commands. core.DeterministicCore satisfies it.
type Processor interface {
	ProcessEvent(evt event.Event) error
}

// Loop is the single goroutine that feeds the core from NATS and from
// synchronous submissions.
type Loop struct {
	processor Processor
	resolver  *SubjectResolver
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewLoop(processor Processor, subjects []SubjectConfig, metrics *observability.Metrics, logger zerolog.Logger) *Loop {
	return &Loop{
		processor: processor,
		resolver:  NewSubjectResolver(subjects),
		metrics:   metrics,
		logger:    logger,
	}
}

type parsed struct {
	evt      event.Event
	received time.Time
	ack      func()
	nak      func()
}

// Run blocks until ctx is cancelled. A NATS message is settled once the core
// gives its verdict: applied, duplicate and rejected commands are acked, a
// command held back by a source sequence gap or left unconsumed by a failure
// is nacked for redelivery. Messages that can never parse are acked and dropped. Parsed
// messages still queued at shutdown are nacked.
func (l *Loop) Run(ctx context.Context, rawChan <-chan RawEvent, submissions <-chan Submission) {
	typed := make(chan parsed, cap(rawChan))

	go func() {
		defer close(typed)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					return
				}
				evt, err := l.parse(raw)
				if err != nil {
					l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable command")
					raw.AckFunc()
					continue
				}
				select {
				case typed <- parsed{evt: evt, received: raw.Timestamp, ack: raw.AckFunc, nak: raw.NakFunc}:
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if typed != nil {
				for p := range typed {
					p.nak()
				}
			}
			return

		case p, ok := <-typed:
			if !ok {
				typed = nil
				continue
			}
			if redeliver(l.process(p.evt, p.received)) {
				p.nak()
			} else {
				p.ack()
			}

		case sub, ok := <-submissions:
			if !ok {
				submissions = nil
				continue
			}
			sub.Done <- l.process(sub.Event, time.Now())
		}
	}
}

// redeliver reports whether a command may still apply later. A rejection or
// a stale source sequence never will.
func redeliver(err error) bool {
	var rejected *core.RejectedError
	switch {
	case err == nil, errors.As(err, &rejected), errors.Is(err, core.ErrOutOfOrder):
		return false
	default:
		return true
	}
}

func (l *Loop) parse(raw RawEvent) (event.Event, error) {
	eventType := l.resolver.Resolve(raw.Subject)
	if eventType == "" {
		return nil, errors.New("unknown subject")
	}
	return ParseRawEvent(raw, eventType)
}

func (l *Loop) process(evt event.Event, received time.Time) error {
	err := l.processor.ProcessEvent(evt)
	if l.metrics != nil {
		l.metrics.IngestToApply.WithLabelValues(evt.EventType().String()).Observe(time.Since(received).Seconds())
	}
	var rejected *core.RejectedError
	if err != nil && !errors.As(err, &rejected) {
		// the core already logged rejections
		l.logger.Error().
			Err(err).
			Str("event_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("command not processed")
	}
	return err
}
