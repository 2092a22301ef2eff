package store

import (
	"context"
	"errors"
	"strings"
)

// Common errors.
var (
	ErrNotFound       = errors.New("key not found")
	ErrClosed         = errors.New("store closed")
	ErrInvalidKey     = errors.New("invalid key")
	ErrInvalidChannel = errors.New("invalid channel")
)

// Store is the record store contract.
type Store interface {
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Del removes key. It returns false without error when key was absent.
	Del(ctx context.Context, key string) (bool, error)

	// AddToSet adds member to the set stored at setKey.
	AddToSet(ctx context.Context, setKey, member string) error

	// RemoveFromSet removes member from the set stored at setKey.
	RemoveFromSet(ctx context.Context, setKey, member string) error

	// MembersOf returns the members of a set in lexical order.
	// A missing set is empty, not an error.
	MembersOf(ctx context.Context, setKey string) ([]string, error)

	// Publish delivers message to every current subscriber of channel.
	Publish(ctx context.Context, channel, message string) error

	// Subscribe starts receiving messages published to channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases the store. Subscriptions are closed.
	Close() error
}

// Message is a notification received on a channel.
type Message struct {
	Channel string
	Payload string
}

// Subscription is an active channel subscription.
type Subscription interface {
	// Messages returns the delivery channel. It is closed when the
	// subscription ends.
	Messages() <-chan *Message

	// Unsubscribe ends the subscription.
	Unsubscribe() error
}

// Config holds settings shared by all backends.
type Config struct {
	// BufferSize is the per-subscription channel capacity.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// ValidateKey checks that a key is non-empty and free of whitespace.
func ValidateKey(key string) error {
	if key == "" || strings.ContainsAny(key, " \t\r\n") {
		return ErrInvalidKey
	}
	return nil
}

// ValidateChannel checks that a channel name is usable on every backend.
func ValidateChannel(channel string) error {
	if channel == "" || strings.ContainsAny(channel, " \t\r\n*>") {
		return ErrInvalidChannel
	}
	return nil
}
