package core

import (
	"container/list"
)

// DBIdempotencyChecker answers whether a command key is already in the event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// DuplicateTier says which tier caught a duplicate.
type DuplicateTier string

const (
	TierLRU      DuplicateTier = "lru"
	TierPostgres DuplicateTier = "postgres"
)

// IdempotencyChecker deduplicates commands by (event type, key): a bounded
// LRU first, then the event log in Postgres when one is wired.
// Not thread-safe. Only accessed from the single-threaded processor.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker

	duplicates  map[DuplicateTier]map[string]int64
	tier2Errors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		duplicates: map[DuplicateTier]map[string]int64{
			TierLRU:      {},
			TierPostgres: {},
		},
	}
}

// CompositeKey is the LRU key of a command: idempotency keys are scoped by
// event type.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// Check reports whether the command was seen, and by which tier. A failing
// Postgres lookup counts as not seen so a database outage cannot stall the
// processor; the unique index on the event log still rejects the write.
func (ic *IdempotencyChecker) Check(eventType, idempotencyKey string) (bool, DuplicateTier) {
	key := CompositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.duplicates[TierLRU][eventType]++
		return true, TierLRU
	}

	if ic.dbChecker == nil {
		return false, ""
	}
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		ic.tier2Errors++
		return false, ""
	}
	if isDup {
		ic.duplicates[TierPostgres][eventType]++
		ic.lru.Add(key)
		return true, TierPostgres
	}
	return false, ""
}

// IsDuplicate is Check without the tier.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) bool {
	dup, _ := ic.Check(eventType, idempotencyKey)
	return dup
}

// MarkProcessed records the key once the command produced an envelope.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.lru.Add(CompositeKey(eventType, idempotencyKey))
}

func (ic *IdempotencyChecker) Duplicates(eventType string) (lru, postgres int64) {
	return ic.duplicates[TierLRU][eventType], ic.duplicates[TierPostgres][eventType]
}

func (ic *IdempotencyChecker) Tier2Errors() int64 {
	return ic.tier2Errors
}

func (ic *IdempotencyChecker) LRU() *IdempotencyLRU {
	return ic.lru
}

// IdempotencyLRU is a bounded set of composite keys with least-recently-used eviction.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains checks membership and promotes a hit.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts or promotes key.
func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys oldest first, so the last key ends up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// GetAllKeys lists keys oldest first. Feeding the result to WarmFromKeys
// rebuilds the same recency order.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.order.Len())
	for e := lru.order.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

func (lru *IdempotencyLRU) Size() int {
	return lru.order.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
