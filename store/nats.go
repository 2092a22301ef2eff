package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store with a JetStream KV bucket for records and sets
// and core NATS subjects for notifications.
type NATSStore struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSConfig
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*natsSub]struct{}
}

// NATSConfig configures a NATSStore.
type NATSConfig struct {
	Config

	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// SubjectPrefix is prepended to channel names.
	SubjectPrefix string

	// OpTimeout bounds each KV operation when ctx has no deadline.
	// Default: 5s
	OpTimeout time.Duration

	// MaxCASRetries bounds optimistic retries when updating a set.
	// Default: 64
	MaxCASRetries int
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:        DefaultConfig(),
		Bucket:        "agent-studio",
		SubjectPrefix: "agentstudio.",
		OpTimeout:     5 * time.Second,
		MaxCASRetries: 64,
	}
}

// NewNATSStore binds (creating if needed) the KV bucket.
func NewNATSStore(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = def.MaxCASRetries
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		kv:     kv,
		config: cfg,
		subs:   make(map[*natsSub]struct{}),
	}, nil
}

var natsKeyChars = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// kvKey maps a record key onto the KV key alphabet: ':' becomes '.'.
func kvKey(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	k := strings.ReplaceAll(key, ":", ".")
	if !natsKeyChars.MatchString(k) || strings.HasPrefix(k, ".") || strings.HasSuffix(k, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return k, nil
}

func setKVKey(setKey string) (string, error) {
	k, err := kvKey(setKey)
	if err != nil {
		return "", err
	}
	return "_set." + k, nil
}

func (s *NATSStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

// Set puts value under key.
func (s *NATSStore) Set(ctx context.Context, key string, value []byte) error {
	k, err := kvKey(key)
	if err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if _, err := s.kv.Put(ctx, k, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Get returns the value under key.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := kvKey(key)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	entry, err := s.kv.Get(ctx, k)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return entry.Value(), nil
}

// Del deletes key and reports whether it held a value.
func (s *NATSStore) Del(ctx context.Context, key string) (bool, error) {
	k, err := kvKey(key)
	if err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if _, err := s.kv.Get(ctx, k); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("kv get: %w", err)
	}
	if err := s.kv.Delete(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, fmt.Errorf("kv delete: %w", err)
	}
	return true, nil
}

// AddToSet adds member to the set with a compare-and-swap update.
func (s *NATSStore) AddToSet(ctx context.Context, setKey, member string) error {
	return s.mutateSet(ctx, setKey, func(members map[string]struct{}) bool {
		if _, ok := members[member]; ok {
			return false
		}
		members[member] = struct{}{}
		return true
	})
}

// RemoveFromSet removes member from the set with a compare-and-swap update.
func (s *NATSStore) RemoveFromSet(ctx context.Context, setKey, member string) error {
	return s.mutateSet(ctx, setKey, func(members map[string]struct{}) bool {
		if _, ok := members[member]; !ok {
			return false
		}
		delete(members, member)
		return true
	})
}

// mutateSet applies fn to the decoded set and writes it back at the read
// revision, retrying when another writer got there first.
func (s *NATSStore) mutateSet(ctx context.Context, setKey string, fn func(map[string]struct{}) bool) error {
	k, err := setKVKey(setKey)
	if err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < s.config.MaxCASRetries; attempt++ {
		members, revision, err := s.readSet(ctx, k)
		if err != nil {
			return err
		}
		if !fn(members) {
			return nil
		}
		data, err := encodeSet(members)
		if err != nil {
			return err
		}

		if revision == 0 {
			_, lastErr = s.kv.Create(ctx, k, data)
		} else {
			_, lastErr = s.kv.Update(ctx, k, data, revision)
		}
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("kv set update: %w", ctx.Err())
		}
	}
	return fmt.Errorf("kv set update %s: %w", setKey, lastErr)
}

func (s *NATSStore) readSet(ctx context.Context, k string) (map[string]struct{}, uint64, error) {
	members := make(map[string]struct{})
	entry, err := s.kv.Get(ctx, k)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return members, 0, nil
		}
		return nil, 0, fmt.Errorf("kv get: %w", err)
	}
	var list []string
	if len(entry.Value()) > 0 {
		if err := json.Unmarshal(entry.Value(), &list); err != nil {
			return nil, 0, fmt.Errorf("decode set %s: %w", k, err)
		}
	}
	for _, m := range list {
		members[m] = struct{}{}
	}
	return members, entry.Revision(), nil
}

func encodeSet(members map[string]struct{}) ([]byte, error) {
	list := make([]string, 0, len(members))
	for m := range members {
		list = append(list, m)
	}
	sort.Strings(list)
	return json.Marshal(list)
}

// MembersOf returns the sorted members of a set.
func (s *NATSStore) MembersOf(ctx context.Context, setKey string) ([]string, error) {
	k, err := setKVKey(setKey)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	members, _, err := s.readSet(ctx, k)
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, len(members))
	for m := range members {
		list = append(list, m)
	}
	sort.Strings(list)
	return list, nil
}

func (s *NATSStore) subject(channel string) string {
	return s.config.SubjectPrefix + channel
}

// Publish sends message on the channel's subject and flushes so that the
// server has it before Publish returns.
func (s *NATSStore) Publish(ctx context.Context, channel, message string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	if s.closed.Load() || s.conn.IsClosed() {
		return ErrClosed
	}

	if err := s.conn.Publish(s.subject(channel), []byte(message)); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Subscribe subscribes to the channel's subject.
func (s *NATSStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if s.closed.Load() || s.conn.IsClosed() {
		return nil, ErrClosed
	}

	sub := &natsSub{
		ch:    make(chan *Message, s.config.BufferSize),
		store: s,
		quit:  make(chan struct{}),
	}
	ns, err := s.conn.Subscribe(s.subject(channel), func(m *nats.Msg) {
		sub.deliver(&Message{Channel: channel, Payload: string(m.Data)})
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	// No client-side limit, so a slow consumer queues instead of dropping.
	if err := ns.SetPendingLimits(-1, -1); err != nil {
		ns.Unsubscribe()
		return nil, fmt.Errorf("nats pending limits: %w", err)
	}
	sub.sub = ns

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

// Close unsubscribes everything. The NATS connection is owned by the caller.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	subs := make([]*natsSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

type natsSub struct {
	sub   *nats.Subscription
	ch    chan *Message
	store *NATSStore

	quit     chan struct{}
	quitOnce sync.Once
	mu       sync.RWMutex
	closed   bool
}

// deliver runs on the subscription's dispatch goroutine. Blocking here
// leaves further messages in the client's pending queue.
func (s *natsSub) deliver(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	case <-s.quit:
	}
}

func (s *natsSub) Messages() <-chan *Message {
	return s.ch
}

func (s *natsSub) Unsubscribe() error {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()

	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}
	return nil
}
