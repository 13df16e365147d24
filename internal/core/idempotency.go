package core

import (
	"errors"
	"fmt"

	"RewardPool/internal/observability"

	lru "github.com/hashicorp/golang-lru"
)

// Dedup tiers, used as the "tier" metric label.
const (
	TierLRU      = "lru"
	TierPostgres = "postgres"
)

// ErrDedupUnavailable means the durable tier could not say whether a command
// was seen. The command is not consumed and may be retried.
var ErrDedupUnavailable = errors.New("idempotency lookup unavailable")

// DBIdempotencyChecker is the durable dedup tier, backed by the event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// CompositeKey is the dedup key of a command: its type and idempotency key.
// Two command types may reuse the same idempotency key.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IdempotencyChecker answers "was this command already sequenced?" from a
// bounded in-memory cache first and the event log second. Keys are added for
// rejected commands too, since those consumed a sequence.
type IdempotencyChecker struct {
	recent    *lru.Cache
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	ic := &IdempotencyChecker{dbChecker: dbChecker, metrics: metrics}
	cache, err := lru.NewWithEvict(capacity, ic.onEvict)
	if err != nil {
		// only a non-positive capacity fails
		panic(err)
	}
	ic.recent = cache
	return ic
}

// Lookup reports whether the command was seen before and which tier knew it.
// A failing durable tier yields ErrDedupUnavailable rather than "not seen": a
// key that fell out of the LRU could belong to a command already in the log,
// and the log's unique (event_type, idempotency_key) index would refuse the
// second row forever.
func (ic *IdempotencyChecker) Lookup(eventType, idempotencyKey string) (bool, string, error) {
	key := CompositeKey(eventType, idempotencyKey)
	if _, ok := ic.recent.Get(key); ok {
		ic.countDuplicate(eventType, TierLRU)
		return true, TierLRU, nil
	}
	if ic.dbChecker == nil {
		return false, "", nil
	}

	seen, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.PersistErrors.WithLabelValues("dedup_lookup").Inc()
		}
		return false, "", fmt.Errorf("%w: %v", ErrDedupUnavailable, err)
	}
	if !seen {
		return false, "", nil
	}
	ic.recent.Add(key, struct{}{})
	ic.countDuplicate(eventType, TierPostgres)
	return true, TierPostgres, nil
}

// IsDuplicate is Lookup without the tier.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) (bool, error) {
	seen, _, err := ic.Lookup(eventType, idempotencyKey)
	return seen, err
}

// MarkProcessed records a sequenced command.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.recent.Add(CompositeKey(eventType, idempotencyKey), struct{}{})
	ic.reportSize()
}

// Warm loads composite keys, oldest first, so recent commands skip the
// durable lookup after a restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		if !ic.recent.Contains(key) {
			ic.recent.Add(key, struct{}{})
		}
	}
	ic.reportSize()
}

// Keys returns the cached composite keys from oldest to newest, the order
// Warm expects.
func (ic *IdempotencyChecker) Keys() []string {
	raw := ic.recent.Keys()
	keys := make([]string, len(raw))
	for i, k := range raw {
		keys[i] = k.(string)
	}
	return keys
}

// Size is the number of cached keys.
func (ic *IdempotencyChecker) Size() int {
	return ic.recent.Len()
}

func (ic *IdempotencyChecker) onEvict(_, _ interface{}) {
	if ic.metrics != nil {
		ic.metrics.DedupLRUEvictions.Inc()
	}
}

func (ic *IdempotencyChecker) countDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

func (ic *IdempotencyChecker) reportSize() {
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.recent.Len()))
	}
}
