package webhook

import (
	"errors"
	"net/url"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without a request when a host has failed too
// often recently.
var ErrCircuitOpen = errors.New("webhook circuit open")

// Circuit breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// BreakerConfig tunes the per-host breakers of a Client.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker. Zero disables it.
	FailureThreshold int
	ResetTimeout     time.Duration
}

// breaker tracks one webhook host. While open, turns that call the host fail
// fast instead of waiting out the timeout.
type breaker struct {
	mu          sync.Mutex
	state       string
	failures    int
	lastFailure time.Time
	probing     bool
	cfg         BreakerConfig
}

func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		// One probe at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *breaker) record(ok bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if ok {
		b.failures = 0
		b.state = StateClosed
		return
	}
	b.failures++
	b.lastFailure = now
	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = StateOpen
	}
}

func (b *breaker) current() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakers keys a breaker by URL host.
type breakers struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	hosts map[string]*breaker
}

func newBreakers(cfg BreakerConfig) *breakers {
	return &breakers{cfg: cfg, hosts: make(map[string]*breaker)}
}

func (bs *breakers) get(rawURL string) *breaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.hosts[host]
	if !ok {
		b = &breaker{state: StateClosed, cfg: bs.cfg}
		bs.hosts[host] = b
	}
	return b
}

// BreakerState reports the breaker state for rawURL's host. It is
// StateClosed when breakers are disabled.
func (c *Client) BreakerState(rawURL string) string {
	if c.breakers == nil {
		return StateClosed
	}
	return c.breakers.get(rawURL).current()
}
