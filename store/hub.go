package store

import (
	"context"
	"sync"
	"sync/atomic"
)

// hub fans published messages out to in-process subscribers.
type hub struct {
	bufferSize int

	mu      sync.RWMutex
	subs    map[string][]*hubSub
	dropped atomic.Int64
}

type hubSub struct {
	channel string
	ch      chan *Message
	once    sync.Once
	hub     *hub
	quit    chan struct{}

	// mu orders deliveries against close so a send never hits a closed channel.
	mu     sync.RWMutex
	closed bool
}

func newHub(bufferSize int) *hub {
	if bufferSize <= 0 {
		bufferSize = DefaultConfig().BufferSize
	}
	return &hub{
		bufferSize: bufferSize,
		subs:       make(map[string][]*hubSub),
	}
}

// publish waits for room in every subscriber's buffer. It gives up on the
// remaining subscribers when ctx ends and returns the context error.
func (h *hub) publish(ctx context.Context, channel, payload string) error {
	h.mu.RLock()
	subs := h.subs[channel]
	h.mu.RUnlock()

	msg := &Message{Channel: channel, Payload: payload}
	for i, sub := range subs {
		if err := sub.deliver(ctx, msg); err != nil {
			h.dropped.Add(int64(len(subs) - i))
			return err
		}
	}
	return nil
}

func (h *hub) subscribe(channel string) *hubSub {
	sub := &hubSub{
		channel: channel,
		ch:      make(chan *Message, h.bufferSize),
		hub:     h,
		quit:    make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[channel] = append(h.subs[channel], sub)
	h.mu.Unlock()
	return sub
}

func (h *hub) remove(sub *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Copy so publishers iterating the old slice are unaffected.
	subs := h.subs[sub.channel]
	next := make([]*hubSub, 0, len(subs))
	for _, s := range subs {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(h.subs, sub.channel)
		return
	}
	h.subs[sub.channel] = next
}

func (h *hub) closeAll() {
	h.mu.Lock()
	var all []*hubSub
	for _, subs := range h.subs {
		all = append(all, subs...)
	}
	h.subs = make(map[string][]*hubSub)
	h.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

// Dropped returns how many deliveries were abandoned because the
// publisher's context ended while a buffer was full.
func (h *hub) Dropped() int64 {
	return h.dropped.Load()
}

func (s *hubSub) deliver(ctx context.Context, msg *Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *hubSub) close() {
	s.once.Do(func() {
		// quit releases a blocked deliver so the write lock can be taken.
		close(s.quit)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *hubSub) Messages() <-chan *Message {
	return s.ch
}

func (s *hubSub) Unsubscribe() error {
	s.hub.remove(s)
	s.close()
	return nil
}
