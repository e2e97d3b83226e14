package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

type KeyType string

const (
	KeyIP     KeyType = "ip"
	KeyIPPath KeyType = "ip_path"
)

// Limiter applies one shared rate/burst setting across per-key token
// buckets. Keys are created on first sight and kept for the limiter's
// lifetime; one reload epoch owns one limiter.
type Limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*rate.Limiter
}

func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the request behind key may proceed. A nil limiter,
// an empty key and a non-positive configuration all allow.
func (l *Limiter) Allow(key string) bool {
	if l == nil || key == "" || l.limit <= 0 || l.burst <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.clients[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
