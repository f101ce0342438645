package dialog

import (
	"time"

	"github.com/humanagencyorg/twilio-stub/pkg/schema"
)

// BotAuthor is the author of every message the engine emits.
const BotAuthor = "bot"

// Message is one entry of a channel's history.
type Message struct {
	Sid         string    `json:"sid"`
	Body        string    `json:"body"`
	Author      string    `json:"author"`
	MediaURL    string    `json:"mediaUrl,omitempty"`
	DateCreated time.Time `json:"dateCreated"`
}

// Turn is one invocation of the engine for a channel.
type Turn struct {
	Channel string
	// TargetTask, when set, names the task a new dialog starts with.
	TargetTask string
	// Body seeds sample matching for a new dialog.
	Body string
}

// Answer is one collected field, in question order.
type Answer struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// CollectState is the in-flight Collect of a channel.
type CollectState struct {
	Action     schema.Collect `json:"action"`
	Answers    []Answer       `json:"answers"`
	ErrorIndex int            `json:"errorIndex"`
}

// ListenState is the in-flight Listen of a channel.
type ListenState struct {
	Action schema.Listen `json:"action"`
	// Replay is the webhook-supplied action list that contained the Listen.
	// It is empty when the Listen came from a task, which is replayed by name.
	Replay schema.ActionList `json:"replay,omitempty"`
}

// State is the persisted conversation state of one channel. At most one of
// Collect and Listen is set; which one decides the Phase.
type State struct {
	DialogID    string        `json:"dialogId,omitempty"`
	CurrentTask string        `json:"currentTask,omitempty"`
	Collect     *CollectState `json:"collect,omitempty"`
	Listen      *ListenState  `json:"listen,omitempty"`
}

// Phase is the resumable position of a conversation.
type Phase int

const (
	NotStarted Phase = iota
	AwaitingCollectAnswer
	AwaitingListenMatch
)

func (p Phase) String() string {
	switch p {
	case AwaitingCollectAnswer:
		return "awaiting_collect_answer"
	case AwaitingListenMatch:
		return "awaiting_listen_match"
	}
	return "not_started"
}

// Phase derives the phase from the in-flight action.
func (s State) Phase() Phase {
	switch {
	case s.Collect != nil:
		return AwaitingCollectAnswer
	case s.Listen != nil:
		return AwaitingListenMatch
	}
	return NotStarted
}

func (c *CollectState) answerMap() map[string]string {
	out := make(map[string]string, len(c.Answers))
	for _, a := range c.Answers {
		out[a.Field] = a.Value
	}
	return out
}

// endLifecycle drops the in-flight action and the current task. The dialog id survives.
func (s *State) endLifecycle() {
	s.CurrentTask = ""
	s.Collect = nil
	s.Listen = nil
}
