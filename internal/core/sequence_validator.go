package core

import (
	"errors"
	"fmt"

	"RewardPool/internal/observability"
)

var (
	// ErrSequenceGap means an upstream skipped source sequences; the command
	// is held back until the missing ones arrive.
	ErrSequenceGap = errors.New("source sequence gap")
	// ErrOutOfOrder means a new command arrived with a source sequence that
	// was already passed.
	ErrOutOfOrder = errors.New("source sequence out of order")
)

// SequenceValidator tracks the next expected source sequence of every
// partition (one per pool, plus "global" for token commands). Commands
// without a source sequence bypass it. Only the core touches it, under the
// core's lock.
type SequenceValidator struct {
	next    map[string]int64
	metrics *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		next:    make(map[string]int64),
		metrics: metrics,
	}
}

// Check accepts sourceSeq if it is the next expected one for the partition
// and advances the partition. A stale sequence is fine for a duplicate.
func (sv *SequenceValidator) Check(partition string, sourceSeq int64, duplicate bool) error {
	expected := sv.next[partition]
	switch {
	case sourceSeq == expected:
		sv.next[partition] = expected + 1
		return nil
	case sourceSeq < expected && duplicate:
		return nil
	case sourceSeq < expected:
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s expected=%d got=%d", ErrOutOfOrder, partition, expected, sourceSeq)
	default:
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s expected=%d got=%d", ErrSequenceGap, partition, expected, sourceSeq)
	}
}

// Expected returns the next source sequence the partition accepts.
func (sv *SequenceValidator) Expected(partition string) int64 {
	return sv.next[partition]
}

// Observe moves the partition past sourceSeq without checking order. Replay
// uses it: the log already holds the order that was accepted.
func (sv *SequenceValidator) Observe(partition string, sourceSeq int64) {
	if sourceSeq+1 > sv.next[partition] {
		sv.next[partition] = sourceSeq + 1
	}
}

// Restore sets a partition's next expected sequence from a snapshot.
func (sv *SequenceValidator) Restore(partition string, next int64) {
	sv.next[partition] = next
}

// Partitions copies the next expected sequence of every partition.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.next))
	for k, v := range sv.next {
		out[k] = v
	}
	return out
}
