// Package cache implements the response cache: a bounded TTL cache keyed
// by the md5 of the normalized request (plus optional context) with FIFO
// eviction and hit accounting.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Cache memoizes final answers for repeated requests.
type Cache interface {
	// Get returns the cached answer for (message, context) or ok=false.
	// An entry older than the TTL is removed on observation and reported
	// as a miss.
	Get(ctx context.Context, message, context string) (string, bool)
	// Set stores the answer for (message, context), evicting the oldest
	// entry when at capacity.
	Set(ctx context.Context, message, answer, context string)
	// ClearExpired removes all entries past their TTL and returns how
	// many were dropped.
	ClearExpired(ctx context.Context) int
	// Stats returns cache effectiveness counters.
	Stats(ctx context.Context) Stats
}

// Stats reports cache effectiveness.
type Stats struct {
	Entries        int            `json:"entries"`
	MaxEntries     int            `json:"max_entries"`
	Hits           int64          `json:"hits"`
	Misses         int64          `json:"misses"`
	Evictions      int64          `json:"evictions"`
	SavedCalls     int64          `json:"saved_calls"`
	HitRatePercent float64        `json:"hit_rate_percent"`
	TTLSeconds     float64        `json:"ttl_seconds"`
	Popular        []PopularQuery `json:"popular_queries,omitempty"`
}

// PopularQuery is a frequently re-served cache entry.
type PopularQuery struct {
	Preview string `json:"preview"`
	Hits    int64  `json:"hits"`
}

// previewLen caps how much of the original message is kept for stats.
const previewLen = 50

// Key derives the cache key: md5 over the lowercased, whitespace-trimmed
// message concatenated with the lowercased, trimmed context.
func Key(message, context string) string {
	normalized := strings.ToLower(strings.TrimSpace(message)) +
		strings.ToLower(strings.TrimSpace(context))
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func preview(message string) string {
	message = strings.TrimSpace(message)
	if len(message) > previewLen {
		return message[:previewLen]
	}
	return message
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

func expired(createdAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(createdAt) > ttl
}
