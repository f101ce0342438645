// Package store persists conversation data as opaque values under string keys.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a string-keyed value store shared by the engine and the inbound adapter.
// Each Set of a single key is atomic.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Update replaces the value of key with fn's result. No other write to
	// key lands between the read and the write. old is nil when key is
	// absent. An error from fn aborts without writing. fn must not call
	// back into the store.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	// Reset removes every key.
	Reset(ctx context.Context) error
	Close() error
}

// UpdateFunc computes the new value of a key from its current one.
type UpdateFunc func(old []byte) ([]byte, error)

// Well-known keys.
const (
	SchemaKey     = "schema"
	TargetTaskKey = "target_task"
)

// ChannelKey names the channel metadata record.
func ChannelKey(channel string) string { return "channel_" + channel }

// MessagesKey names the channel message history.
func MessagesKey(channel string) string { return "channel_" + channel + "_messages" }

// StateKey names the channel conversation state record.
func StateKey(channel string) string { return "channel_" + channel + "_state" }

// UserIDKey names the customer identifier recorded for a channel.
func UserIDKey(channel string) string { return "channel_" + channel + "_user_id" }

// GetJSON reads key and decodes it into v. It returns false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// GetString reads key as a plain string, returning "" when absent.
func GetString(ctx context.Context, s Store, key string) (string, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
