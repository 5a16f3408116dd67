// Package inflight counts requests that must finish before the server stops.
package inflight

import (
	"context"
	"net/http"
	"sync"
)

// Counter tracks in-flight requests and lets a caller wait for them to finish.
// The zero value is ready to use.
type Counter struct {
	mu sync.Mutex
	n  int64
	// idle is closed while n is zero; nil until first use.
	idle    chan struct{}
	observe func(int64)
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Observe registers fn to receive the count after every change.
func (c *Counter) Observe(fn func(int64)) {
	c.mu.Lock()
	c.observe = fn
	c.mu.Unlock()
}

func (c *Counter) add(delta int64) {
	c.mu.Lock()
	if c.idle == nil {
		c.idle = closedChan()
	}
	prev := c.n
	c.n = max(c.n+delta, 0)
	switch {
	case prev == 0 && c.n > 0:
		c.idle = make(chan struct{})
	case prev > 0 && c.n == 0:
		close(c.idle)
	}
	n, fn := c.n, c.observe
	c.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Inc increments the in-flight counter.
func (c *Counter) Inc() { c.add(1) }

// Dec decrements the in-flight counter. It never goes below zero.
func (c *Counter) Dec() { c.add(-1) }

// Load returns the current in-flight count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// WaitForZero blocks until the count is zero or ctx is done, and reports
// whether zero was reached.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	if c.idle == nil {
		c.idle = closedChan()
	}
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware counts each request for its whole duration.
func (c *Counter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Inc()
			defer c.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

// generations counts forwarded image generations; SIGTERM waits on it.
var generations Counter

// Drainable returns the counter the drain on SIGTERM waits for.
func Drainable() *Counter { return &generations }

// DrainableMiddleware counts generation requests.
func DrainableMiddleware() func(http.Handler) http.Handler { return generations.Middleware() }

// DrainableCount returns the number of generations in flight.
func DrainableCount() int64 { return generations.Load() }

// DrainableWaitForZero waits for in-flight generations to finish.
func DrainableWaitForZero(ctx context.Context) bool { return generations.WaitForZero(ctx) }
