package collector

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Limiters serializes requests to shared platform APIs across concurrent
// sources. One token bucket per platform; sources hitting hosts with no
// configured platform pass through unthrottled.
type Limiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	qps     map[string]float64
}

// NewLimiters builds per-platform buckets from a platform→QPS map.
// A QPS of 0 or below means unlimited for that platform.
func NewLimiters(qps map[string]float64) *Limiters {
	l := &Limiters{
		buckets: make(map[string]*rate.Limiter, len(qps)),
		qps:     make(map[string]float64, len(qps)),
	}
	for platform, q := range qps {
		l.qps[platform] = q
		if q > 0 {
			l.buckets[platform] = rate.NewLimiter(rate.Limit(q), 1)
		}
	}
	return l
}

// platformForHost maps request hosts onto shared-API platforms.
func platformForHost(host string) string {
	host = strings.ToLower(host)
	switch {
	case strings.HasSuffix(host, "github.com"):
		return "github"
	case strings.HasSuffix(host, "huggingface.co"):
		return "huggingface"
	case strings.HasSuffix(host, "openreview.net"):
		return "openreview"
	case strings.HasSuffix(host, "semanticscholar.org"):
		return "semantic_scholar"
	}
	return ""
}

// Wait blocks until the platform owning host grants a token, or ctx ends.
func (l *Limiters) Wait(ctx context.Context, host string) error {
	platform := platformForHost(host)
	if platform == "" {
		return nil
	}
	l.mu.Lock()
	bucket := l.buckets[platform]
	l.mu.Unlock()
	if bucket == nil {
		return nil
	}
	return bucket.Wait(ctx)
}

// Reset refills every bucket to capacity. Used between fixture runs so
// throttling from one run never leaks into the next.
func (l *Limiters) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for platform, q := range l.qps {
		if q > 0 {
			l.buckets[platform] = rate.NewLimiter(rate.Limit(q), 1)
		}
	}
}
