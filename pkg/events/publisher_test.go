package events

import (
	"encoding/json"
	"testing"
)

func TestPublisherEnvelope(t *testing.T) {
	p := NewPublisher(nil, "dialog", "events")

	env, err := p.Envelope(MessageEmitted, "dlgabcdefghi", &MessageEmittedData{
		Channel: "web",
		Sid:     "abcdefgh",
		Body:    "hello",
	})
	if err != nil {
		t.Fatalf("Envelope: %v", err)
	}

	if env.ID == "" {
		t.Error("expected generated id")
	}
	if env.Type != MessageEmitted {
		t.Errorf("type = %q, want %q", env.Type, MessageEmitted)
	}
	if env.Source != "dialog" {
		t.Errorf("source = %q, want %q", env.Source, "dialog")
	}
	if env.SessionID != "dlgabcdefghi" {
		t.Errorf("session_id = %q, want %q", env.SessionID, "dlgabcdefghi")
	}

	var payload MessageEmittedData
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Body != "hello" {
		t.Errorf("body = %q, want %q", payload.Body, "hello")
	}
}

func TestEmitWithoutQueueIsNoop(t *testing.T) {
	var nilPub *Publisher
	if err := nilPub.Emit(t.Context(), DialogStarted, "s", nil); err != nil {
		t.Errorf("nil publisher Emit: %v", err)
	}

	p := NewPublisher(nil, "dialog", "events")
	if err := p.Emit(t.Context(), DialogStarted, "s", &DialogStartedData{Channel: "c"}); err != nil {
		t.Errorf("Emit without queue: %v", err)
	}
}

func TestEventTypeConstants(t *testing.T) {
	types := []EventType{
		DialogStarted, TaskEntered, MessageEmitted,
		CollectAnswered, CollectRejected, CollectCompleted,
		ListenMatched, ListenMissed,
		WebhookResult, WebhookError, SystemError,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if et == "" {
			t.Error("empty event type constant")
		}
		if seen[et] {
			t.Errorf("duplicate event type: %q", et)
		}
		seen[et] = true
	}
}
