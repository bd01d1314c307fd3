package engine

import (
	"container/list"
	"time"

	"github.com/NeelContractor/prediction-market/internal/observability"
)

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(opType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU
// in front of a Postgres lookup. A tier-2 hit backfills the LRU so later
// redeliveries of the same operation stay on the hot path.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate reports whether the operation has already been processed.
func (ic *IdempotencyChecker) IsDuplicate(opType string, idempotencyKey string) bool {
	compositeKey := opType + ":" + idempotencyKey

	if ic.lru.Contains(compositeKey) {
		return true
	}

	if ic.dbChecker == nil {
		return false
	}

	start := time.Now()
	isDup, err := ic.dbChecker.IsDuplicate(opType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// Conservative: assume not duplicate rather than letting a DB
		// issue block processing.
		return false
	}
	if isDup {
		if evicted := ic.lru.Add(compositeKey); evicted && ic.metrics != nil {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
	return isDup
}

// MarkProcessed records the key after successful processing.
func (ic *IdempotencyChecker) MarkProcessed(opType string, idempotencyKey string) {
	if evicted := ic.lru.Add(opType + ":" + idempotencyKey); evicted && ic.metrics != nil {
		ic.metrics.DedupLRUEvictions.Inc()
	}
}

// IdempotencyLRU is an LRU cache for composite dedup keys.
// Not thread-safe — only accessed from the single-threaded engine.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List // front = most recent
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains reports whether key exists, promoting it on a hit.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts a key, promoting it if already present. Reports whether the
// insertion evicted the oldest entry.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return false
	}

	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() <= lru.capacity {
		return false
	}

	oldest := lru.order.Back()
	lru.order.Remove(oldest)
	delete(lru.cache, oldest.Value.(string))
	return true
}

// WarmFromKeys loads composite keys into the LRU. Used on restart to avoid
// cold-path DB lookups for recently processed operations.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns the current number of entries.
func (lru *IdempotencyLRU) Size() int {
	return lru.order.Len()
}
