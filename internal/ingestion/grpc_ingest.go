package ingestion

import (
	"context"
	"errors"

	"RewardPool/internal/core"
	"RewardPool/internal/event"
)

// Submission is one command handed to the core loop by a synchronous
// caller. The loop sends exactly one value on Done.
type Submission struct {
	Event event.Event
	Done  chan error
}

// SubmitResult reports what the core did with a submitted command.
type SubmitResult struct {
	IdempotencyKey string `json:"idempotency_key"`
	EventType      string `json:"event_type"`
	Status         string `json:"status"` // "accepted" or "rejected"
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
}

const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// GRPCIngestService submits admin and client commands to the core and
// waits for the verdict. NATS remains the high-throughput path.
type GRPCIngestService struct {
	submitChan chan<- Submission
}

func NewGRPCIngestService(submitChan chan<- Submission) *GRPCIngestService {
	return &GRPCIngestService{submitChan: submitChan}
}

// SubmitJSON parses a wire command and submits it.
func (s *GRPCIngestService) SubmitJSON(ctx context.Context, eventType string, data []byte) (*SubmitResult, error) {
	evt, err := ParseCommand(eventType, data)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, evt)
}

// Submit hands evt to the core loop and waits until it is applied,
// rejected, or recognised as a duplicate. A rejection is a result, not an
// error; the error return means the command was not consumed.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event) (*SubmitResult, error) {
	sub := Submission{Event: evt, Done: make(chan error, 1)}
	select {
	case s.submitChan <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var err error
	select {
	case err = <-sub.Done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := &SubmitResult{
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType().String(),
		Status:         StatusAccepted,
	}
	if err == nil {
		return result, nil
	}
	var rejected *core.RejectedError
	if errors.As(err, &rejected) {
		result.Status = StatusRejected
		result.Reason = rejected.Reason
		result.Error = rejected.Err.Error()
		return result, nil
	}
	return nil, err
}
