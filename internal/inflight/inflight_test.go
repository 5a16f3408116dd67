package inflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCounterWaitForZero(t *testing.T) {
	var c Counter
	if !c.WaitForZero(context.Background()) {
		t.Fatalf("zero counter should not block")
	}

	c.Inc()
	c.Inc()
	if n := c.Load(); n != 2 {
		t.Fatalf("count = %d; want 2", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if c.WaitForZero(ctx) {
		t.Fatalf("wait should time out while requests are in flight")
	}

	done := make(chan bool, 1)
	go func() { done <- c.WaitForZero(context.Background()) }()
	c.Dec()
	c.Dec()
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("wait returned false")
		}
	case <-time.After(time.Second):
		t.Fatalf("wait did not return after count reached zero")
	}

	c.Dec()
	if n := c.Load(); n != 0 {
		t.Fatalf("count went negative: %d", n)
	}
}

func TestMiddleware(t *testing.T) {
	var c Counter
	var during int64
	h := c.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = c.Load()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	if during != 1 {
		t.Fatalf("count during request = %d; want 1", during)
	}
	if n := c.Load(); n != 0 {
		t.Fatalf("count after request = %d; want 0", n)
	}
}

func TestObserve(t *testing.T) {
	var c Counter
	var seen []int64
	c.Observe(func(n int64) { seen = append(seen, n) })
	c.Inc()
	c.Inc()
	c.Dec()
	c.Dec()
	c.Dec()
	want := []int64{1, 2, 1, 0, 0}
	if len(seen) != len(want) {
		t.Fatalf("observed %v; want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observed %v; want %v", seen, want)
		}
	}
}
