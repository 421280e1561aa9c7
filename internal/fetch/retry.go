package fetch

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RetryPolicy controls backoff between attempts. The delay for attempt n is
//
//	min(base · expBase^n, max) · (1 + uniform[0, jitter))
//
// A 429 overrides the computed delay with the server's Retry-After, capped
// at MaxRetryAfter.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	ExpBase       float64
	JitterFactor  float64
	MaxRetryAfter time.Duration

	// rng is held by pointer so RetryPolicy stays copyable.
	rng *lockedRand
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) float64() float64 {
	l.mu.Lock()
	v := l.r.Float64()
	l.mu.Unlock()
	return v
}

func (p *RetryPolicy) setDefaults() {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.ExpBase <= 1 {
		p.ExpBase = 2
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.MaxRetryAfter <= 0 {
		p.MaxRetryAfter = 60 * time.Second
	}
	if p.rng == nil {
		p.rng = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
}

// Seed replaces the jitter RNG with a deterministic one. Fixture-backed runs
// call this before the Fetcher is built so retry timing cannot perturb
// reproducibility.
func (p *RetryPolicy) Seed(seed int64) {
	p.rng = &lockedRand{r: rand.New(rand.NewSource(seed))}
}

// Delay returns the backoff before retry attempt n (0-based).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.ExpBase, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		d *= 1 + p.rng.float64()*p.JitterFactor
	}
	return time.Duration(d)
}

// retryAfter parses a Retry-After header (seconds or HTTP-date) and caps it.
// An unparseable or absent header falls back to one second.
func (p *RetryPolicy) retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Second
	}
	if sec, err := strconv.Atoi(header); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > p.MaxRetryAfter {
			return p.MaxRetryAfter
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, header)
	if err != nil {
		return time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > p.MaxRetryAfter {
		return p.MaxRetryAfter
	}
	return until
}
