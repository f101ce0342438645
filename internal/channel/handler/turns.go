package handler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/humanagencyorg/twilio-stub/pkg/dialog"
)

// channelLocks hands out one mutex per channel so turns of the same channel
// never overlap. Entries are dropped when no turn holds or waits on them.
type channelLocks struct {
	mu    sync.Mutex
	locks map[string]*channelLock
}

type channelLock struct {
	sync.Mutex
	refs int
}

func newChannelLocks() *channelLocks {
	return &channelLocks{locks: make(map[string]*channelLock)}
}

func (c *channelLocks) lock(channel string) func() {
	c.mu.Lock()
	l, ok := c.locks[channel]
	if !ok {
		l = &channelLock{}
		c.locks[channel] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, channel)
		}
		c.mu.Unlock()
	}
}

// runTurn resolves one turn while holding the channel's lock.
func (h *Handler) runTurn(ctx context.Context, in dialog.Turn) error {
	unlock := h.locks.lock(in.Channel)
	defer unlock()
	return h.engine.Resolve(ctx, in)
}

// scheduleTurn runs the turn after the configured delay, outside the request.
func (h *Handler) scheduleTurn(ctx context.Context, in dialog.Turn) {
	ctx = context.WithoutCancel(ctx)
	h.pending.Add(1)
	job := func() {
		defer h.pending.Done()
		if h.turnDelay > 0 {
			timer := time.NewTimer(h.turnDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if err := h.runTurn(ctx, in); err != nil {
			util.Log(ctx).WithError(err).Error("async dialog turn failed")
		}
	}

	if h.pool != nil {
		if err := h.pool.Submit(ctx, job); err == nil {
			return
		}
		slog.WarnContext(ctx, "worker pool rejected dialog turn, starting goroutine",
			slog.String("channel", in.Channel))
	}
	go job()
}
