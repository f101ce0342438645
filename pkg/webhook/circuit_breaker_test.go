package webhook

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := &breaker{state: StateClosed, cfg: BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}}
	now := time.Now()

	b.record(false, now)
	if b.current() != StateClosed {
		t.Error("should still be closed after 1 failure")
	}
	b.record(false, now)
	if b.current() != StateOpen {
		t.Errorf("state = %q, want %q after threshold", b.current(), StateOpen)
	}
	if b.allow(now) {
		t.Error("open breaker should not allow requests")
	}
}

func TestBreakerHalfOpen(t *testing.T) {
	b := &breaker{state: StateClosed, cfg: BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}}
	now := time.Now()
	b.record(false, now)

	later := now.Add(2 * time.Second)
	if !b.allow(later) {
		t.Fatal("should allow a probe after the reset timeout")
	}
	if b.current() != StateHalfOpen {
		t.Errorf("state = %q, want %q", b.current(), StateHalfOpen)
	}
	if b.allow(later) {
		t.Error("second concurrent probe should be refused")
	}

	b.record(false, later)
	if b.current() != StateOpen {
		t.Errorf("state = %q, want %q after failed probe", b.current(), StateOpen)
	}

	evenLater := later.Add(2 * time.Second)
	b.allow(evenLater)
	b.record(true, evenLater)
	if b.current() != StateClosed {
		t.Errorf("state = %q, want %q after successful probe", b.current(), StateClosed)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := &breaker{state: StateClosed, cfg: BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour}}
	now := time.Now()

	b.record(false, now)
	b.record(false, now)
	b.record(true, now)
	b.record(false, now)

	if b.current() != StateClosed {
		t.Error("success should reset failure count")
	}
}

func TestClientCircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := newTestClient(WithCircuitBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}))
	for range 2 {
		if _, err := c.Post(t.Context(), ts.URL, nil); !errors.Is(err, ErrStatus) {
			t.Fatalf("err = %v, want ErrStatus", err)
		}
	}
	if got := c.BreakerState(ts.URL + "/other"); got != StateOpen {
		t.Errorf("state = %q, want %q", got, StateOpen)
	}

	_, err := c.Post(t.Context(), ts.URL, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server saw %d calls, want 2", n)
	}
}

func TestClientBreakerIgnoresClientErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := newTestClient(WithCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}))
	for range 3 {
		c.Post(t.Context(), ts.URL, nil)
	}
	if got := c.BreakerState(ts.URL); got != StateClosed {
		t.Errorf("state = %q, want %q", got, StateClosed)
	}
}
