package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the system.
type EventType string

const (
	DialogStarted    EventType = "dialog.started"
	TaskEntered      EventType = "task.entered"
	MessageEmitted   EventType = "message.emitted"
	CollectAnswered  EventType = "collect.answered"
	CollectRejected  EventType = "collect.rejected"
	CollectCompleted EventType = "collect.completed"
	ListenMatched    EventType = "listen.matched"
	ListenMissed     EventType = "listen.missed"
	WebhookResult    EventType = "webhook.result"
	WebhookError     EventType = "webhook.error"
	SystemError      EventType = "error"
)

// Envelope is the standard event wrapper published to the event bus.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DialogStartedData is the payload for dialog.started events.
type DialogStartedData struct {
	Channel  string `json:"channel"`
	DialogID string `json:"dialog_id"`
	Task     string `json:"task"`
}

// TaskEnteredData is the payload for task.entered events.
type TaskEnteredData struct {
	Channel string `json:"channel"`
	Task    string `json:"task"`
}

// MessageEmittedData is the payload for message.emitted events.
type MessageEmittedData struct {
	Channel  string `json:"channel"`
	Sid      string `json:"sid"`
	Body     string `json:"body"`
	MediaURL string `json:"media_url,omitempty"`
}

// CollectAnswerData is the payload for collect.answered and collect.rejected.
type CollectAnswerData struct {
	Channel string `json:"channel"`
	Field   string `json:"field"`
	Answer  string `json:"answer"`
}

// CollectCompletedData is the payload for collect.completed events.
type CollectCompletedData struct {
	Channel string            `json:"channel"`
	Collect string            `json:"collect"`
	Answers map[string]string `json:"answers"`
}

// ListenData is the payload for listen.matched and listen.missed events.
type ListenData struct {
	Channel   string `json:"channel"`
	Utterance string `json:"utterance"`
	Task      string `json:"task,omitempty"`
}

// WebhookResultData is the payload for webhook.result events.
type WebhookResultData struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
}

// WebhookErrorData is the payload for webhook.error events.
type WebhookErrorData struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// SystemErrorData is the payload for error events.
type SystemErrorData struct {
	Channel string `json:"channel"`
	Error   string `json:"error"`
}
