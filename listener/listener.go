package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	agenterrors "github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/store"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("listener already started")
	ErrNotStarted     = errors.New("listener not started")
)

// HandlerFunc reacts to a notification for one agent id.
type HandlerFunc func(ctx context.Context, id string) error

// Listener dispatches registry notifications to handlers.
type Listener struct {
	store   store.Store
	channel string
	logger  *logging.Logger

	mu       sync.RWMutex
	handlers map[registry.EventType][]HandlerFunc

	running atomic.Bool
	sub     store.Subscription
	cancel  context.CancelFunc
	doneCh  chan struct{}

	// queue holds received notifications until a handler pass picks them
	// up, so the subscription is drained while handlers are slow.
	queueMu sync.Mutex
	queue   []*store.Message
	ready   chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
}

// New creates a Listener on channel. A nil logger discards output.
func New(st store.Store, channel string, logger *logging.Logger) *Listener {
	if channel == "" {
		channel = registry.DefaultChannel
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Listener{
		store:    st,
		channel:  channel,
		logger:   logger.WithComponent("listener"),
		handlers: make(map[registry.EventType][]HandlerFunc),
	}
}

// Handle appends fn to the handlers for t. It may be called before or
// after Start.
func (l *Listener) Handle(t registry.EventType, fn HandlerFunc) {
	l.mu.Lock()
	l.handlers[t] = append(l.handlers[t], fn)
	l.mu.Unlock()
}

// Start subscribes and begins processing. The context bounds the
// listener's lifetime and is passed to handlers.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Swap(true) {
		return ErrAlreadyStarted
	}

	sub, err := l.store.Subscribe(ctx, l.channel)
	if err != nil {
		l.running.Store(false)
		return agenterrors.Wrap(err, "subscribing to "+l.channel)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.sub = sub
	l.cancel = cancel
	l.doneCh = make(chan struct{})
	l.ready = make(chan struct{}, 1)
	l.queue = nil

	received := make(chan struct{})
	go l.receive(runCtx, received)
	go l.run(runCtx, received)

	l.logger.Info("listener started", map[string]interface{}{"channel": l.channel})
	return nil
}

// Stop unsubscribes and waits for in-flight dispatch to finish.
func (l *Listener) Stop() error {
	if !l.running.Load() {
		return ErrNotStarted
	}
	l.cancel()
	err := l.sub.Unsubscribe()
	<-l.doneCh
	l.running.Store(false)

	l.logger.Info("listener stopped", map[string]interface{}{
		"processed": l.processed.Load(),
		"failed":    l.failed.Load(),
	})
	return err
}

// Processed returns the number of notifications dispatched.
func (l *Listener) Processed() int64 {
	return l.processed.Load()
}

// Failed returns the number of handler invocations that errored or panicked.
func (l *Listener) Failed() int64 {
	return l.failed.Load()
}

// receive moves messages from the subscription into the queue.
func (l *Listener) receive(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	msgs := l.sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			l.queueMu.Lock()
			l.queue = append(l.queue, msg)
			l.queueMu.Unlock()
			select {
			case l.ready <- struct{}{}:
			default:
			}
		}
	}
}

// run dispatches queued notifications in arrival order.
func (l *Listener) run(ctx context.Context, received <-chan struct{}) {
	defer close(l.doneCh)
	defer func() { <-received }()

	for {
		msg := l.next()
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-received:
				// Drain what arrived before the subscription closed.
				for msg := l.next(); msg != nil && ctx.Err() == nil; msg = l.next() {
					l.dispatch(ctx, msg)
				}
				return
			case <-l.ready:
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		l.dispatch(ctx, msg)
	}
}

func (l *Listener) next() *store.Message {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	msg := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return msg
}

func (l *Listener) dispatch(ctx context.Context, msg *store.Message) {
	n, err := registry.ParseNotification(msg.Payload)
	if err != nil {
		l.logger.Warn("skipping malformed notification", map[string]interface{}{
			"payload": msg.Payload,
			"error":   err,
		})
		return
	}

	l.mu.RLock()
	handlers := make([]HandlerFunc, len(l.handlers[n.Type]))
	copy(handlers, l.handlers[n.Type])
	l.mu.RUnlock()

	if len(handlers) == 0 {
		l.logger.Debug("no handler for notification", map[string]interface{}{"type": string(n.Type), "agent_id": n.ID})
		return
	}

	l.processed.Add(1)
	for _, h := range handlers {
		if err := l.invoke(ctx, h, n.ID); err != nil {
			l.failed.Add(1)
			l.logger.Error("notification handler failed", map[string]interface{}{
				"type":     string(n.Type),
				"agent_id": n.ID,
				"error":    err,
			})
		}
	}
}

// invoke runs one handler, converting a panic into an error.
func (l *Listener) invoke(ctx context.Context, h HandlerFunc, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = agenterrors.Panic(r, agenterrors.WithAgentID(id))
		}
	}()
	return h(ctx, id)
}
