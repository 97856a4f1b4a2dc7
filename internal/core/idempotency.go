package core

import (
	"CDPLedger/internal/observability"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	keys *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, commandKind string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		keys:      NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

// CompositeKey scopes an idempotency key to its command kind.
func CompositeKey(commandKind, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", commandKind, idempotencyKey)
}

// IsDuplicate checks if a command has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, commandKind string, idempotencyKey string) bool {
	compositeKey := CompositeKey(commandKind, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if ic.keys.Contains(compositeKey) {
		ic.recordDuplicate(commandKind, "lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		start := time.Now()
		isDup, err := ic.dbChecker.IsDuplicate(ctx, commandKind, idempotencyKey)
		if ic.metrics != nil {
			ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			// Conservative: a DB issue must not block command processing
			ic.logger.Warn().Err(err).
				Str("command", commandKind).
				Str("idempotency_key", idempotencyKey).
				Msg("tier-2 dedup lookup failed, treating as new")
			return false
		}

		if isDup {
			ic.recordDuplicate(commandKind, "postgres")
			ic.keys.Add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(commandKind string, idempotencyKey string) {
	evicted := ic.keys.Add(CompositeKey(commandKind, idempotencyKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.keys.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (ic *IdempotencyChecker) recordDuplicate(commandKind, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandKind, tier).Inc()
	}
}

// --- LRU ---

// IdempotencyLRU is a recency-ordered set of composite keys. The engine is
// the only writer; the snapshotter reads keys concurrently.
type IdempotencyLRU struct {
	cache     *lru.Cache[string, struct{}]
	evictions atomic.Int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		panic(fmt.Sprintf("idempotency lru: %v", err))
	}
	return &IdempotencyLRU{cache: cache}
}

// Contains checks if key exists (promotes to most recent)
func (l *IdempotencyLRU) Contains(key string) bool {
	_, ok := l.cache.Get(key)
	return ok
}

// Add inserts a key (or promotes if exists). Reports whether an older key
// was evicted to make room.
func (l *IdempotencyLRU) Add(key string) bool {
	if _, ok := l.cache.Get(key); ok {
		return false
	}
	evicted := l.cache.Add(key, struct{}{})
	if evicted {
		l.evictions.Add(1)
	}
	return evicted
}

// WarmFromKeys loads a batch of composite keys into the LRU.
// On restart, recent keys come from Postgres so replays of recently
// processed commands skip the cold path.
func (l *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		l.Add(key)
	}
}

// GetAllKeys returns keys oldest first, so WarmFromKeys on the result
// rebuilds the same recency order.
func (l *IdempotencyLRU) GetAllKeys() []string {
	return l.cache.Keys()
}

func (l *IdempotencyLRU) Size() int {
	return l.cache.Len()
}

func (l *IdempotencyLRU) Evictions() int64 {
	return l.evictions.Load()
}
