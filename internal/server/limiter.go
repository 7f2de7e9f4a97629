package server

import (
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxClients bounds the number of tracked client limiters.
const maxClients = 4096

// clientLimiter applies a token bucket per client address.
type clientLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newClientLimiter(perSecond int) *clientLimiter {
	cache, _ := lru.New[string, *rate.Limiter](maxClients) // size is positive
	return &clientLimiter{limiters: cache, limit: rate.Limit(perSecond), burst: perSecond * 2}
}

// Allow reports whether client may make a request now.
func (c *clientLimiter) Allow(client string) bool {
	c.mu.Lock()
	limiter, ok := c.limiters.Get(client)
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.limiters.Add(client, limiter)
	}
	c.mu.Unlock()
	return limiter.Allow()
}

// clientKey is the remote host of r without its port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
