package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pitabwire/frame/queue"
	"github.com/rs/xid"
)

// Publisher wraps frame's queue manager to emit typed events.
// A nil Publisher, or one without a queue manager, drops every event.
type Publisher struct {
	queueMgr queue.Manager
	source   string
	queueRef string
}

// NewPublisher creates a publisher that emits events to the given queue reference.
func NewPublisher(queueMgr queue.Manager, source string, queueRef string) *Publisher {
	return &Publisher{
		queueMgr: queueMgr,
		source:   source,
		queueRef: queueRef,
	}
}

// Envelope builds the envelope Emit would publish.
func (p *Publisher) Envelope(eventType EventType, sessionID string, data any) (Envelope, error) {
	envelope := Envelope{
		ID:        xid.New().String(),
		Type:      eventType,
		Source:    p.source,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	envelope.Data = raw
	return envelope, nil
}

// Emit publishes a typed event to the event bus.
func (p *Publisher) Emit(ctx context.Context, eventType EventType, sessionID string, data any) error {
	if p == nil || p.queueMgr == nil {
		return nil
	}
	envelope, err := p.Envelope(eventType, sessionID, data)
	if err != nil {
		return err
	}
	return p.queueMgr.Publish(ctx, p.queueRef, envelope)
}
