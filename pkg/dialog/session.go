package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/humanagencyorg/twilio-stub/pkg/store"
)

const (
	dialogIDLength   = 12
	messageSidLength = 8
)

func randomLetters(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + rand.IntN(26))
	}
	return string(b)
}

// NewDialogID returns a fresh 12-letter dialog id.
func NewDialogID() string { return randomLetters(dialogIDLength) }

// NewMessageSid returns a fresh 8-letter message sid.
func NewMessageSid() string { return randomLetters(messageSidLength) }

// LoadState reads the conversation state of a channel. A missing record is a
// NotStarted state.
func LoadState(ctx context.Context, st store.Store, channel string) (State, error) {
	var s State
	if _, err := store.GetJSON(ctx, st, store.StateKey(channel), &s); err != nil {
		return State{}, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

// SaveState writes the whole state record in one Set.
func SaveState(ctx context.Context, st store.Store, channel string, s State) error {
	if err := store.SetJSON(ctx, st, store.StateKey(channel), s); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// History returns the channel's messages, oldest first.
func History(ctx context.Context, st store.Store, channel string) ([]Message, error) {
	var msgs []Message
	if _, err := store.GetJSON(ctx, st, store.MessagesKey(channel), &msgs); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

// AppendMessage adds msg to the end of the channel history. Concurrent
// appends to one channel all land.
func AppendMessage(ctx context.Context, st store.Store, channel string, msg Message) error {
	err := st.Update(ctx, store.MessagesKey(channel), func(old []byte) ([]byte, error) {
		var msgs []Message
		if old != nil {
			if err := json.Unmarshal(old, &msgs); err != nil {
				return nil, fmt.Errorf("decode messages: %w", err)
			}
		}
		return json.Marshal(append(msgs, msg))
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// AppendCustomerMessage records an inbound message authored by author.
func AppendCustomerMessage(ctx context.Context, st store.Store, channel, author, body string) (Message, error) {
	msg := Message{
		Sid:         NewMessageSid(),
		Body:        body,
		Author:      author,
		DateCreated: time.Now().UTC(),
	}
	return msg, AppendMessage(ctx, st, channel, msg)
}

// LastMessage returns the newest message of a channel.
func LastMessage(ctx context.Context, st store.Store, channel string) (Message, bool, error) {
	msgs, err := History(ctx, st, channel)
	if err != nil || len(msgs) == 0 {
		return Message{}, false, err
	}
	return msgs[len(msgs)-1], true, nil
}

// lastInbound returns the body of the newest message not written by the bot.
func lastInbound(msgs []Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Author != BotAuthor {
			return msgs[i].Body, true
		}
	}
	return "", false
}
