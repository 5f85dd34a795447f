// ratelimit.go - Per-client token buckets for transfer submission.

package server

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// defaultMaxClients bounds the number of buckets kept; the least recently seen client loses
// its bucket first and starts again with a full one.
const defaultMaxClients = 4096

// ClientRateLimiter hands out one token bucket per client key.
type ClientRateLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache
	limit   rate.Limit
	burst   int
}

// NewClientRateLimiter allows each client perSecond requests on average with the given burst.
// A non-positive perSecond disables limiting.
func NewClientRateLimiter(perSecond float64, burst int) (*ClientRateLimiter, error) {
	cache, err := lru.New(defaultMaxClients)
	if err != nil {
		return nil, err
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &ClientRateLimiter{buckets: cache, limit: limit, burst: burst}, nil
}

// Allow consumes a token from client's bucket if one is available.
func (l *ClientRateLimiter) Allow(client string) bool {
	return l.bucket(client).Allow()
}

// Tokens returns the tokens currently available to client.
func (l *ClientRateLimiter) Tokens(client string) float64 {
	return l.bucket(client).Tokens()
}

func (l *ClientRateLimiter) bucket(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(client); ok {
		return v.(*rate.Limiter)
	}
	b := rate.NewLimiter(l.limit, l.burst)
	l.buckets.Add(client, b)
	return b
}
