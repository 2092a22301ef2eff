package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	agenterrors "github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
)

// Handler answers incoming requests.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// Conn is a bidirectional JSON-RPC peer over a Framer.
// Incoming requests and notifications are processed in arrival order on
// the read goroutine, so handlers must not block on calls to the same peer.
type Conn struct {
	framer   Framer
	handler  Handler
	onNotify func(*Message)
	logger   *logging.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[string]chan *Message

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithHandler sets the handler for incoming requests. Without one,
// requests are answered with MethodNotFound.
func WithHandler(h Handler) ConnOption {
	return func(c *Conn) {
		c.handler = h
	}
}

// WithNotificationHandler sets the callback for incoming notifications.
func WithNotificationHandler(fn func(*Message)) ConnOption {
	return func(c *Conn) {
		c.onNotify = fn
	}
}

// WithConnLogger sets the logger.
func WithConnLogger(l *logging.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = l
	}
}

// NewConn starts reading from f.
func NewConn(f Framer, opts ...ConnOption) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		framer:  f,
		logger:  logging.Nop(),
		pending: make(map[string]chan *Message),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Call sends a request and waits for its response. A non-nil result is
// filled from the response's result.
func (c *Conn) Call(ctx context.Context, method string, params, result interface{}) error {
	return c.CallWithID(ctx, strconv.FormatInt(c.nextID.Add(1), 10), method, params, result)
}

// CallWithID is Call with a caller-chosen request id. The id must not be
// in flight already; numeric ids may collide with those Call generates.
func (c *Conn) CallWithID(ctx context.Context, id, method string, params, result interface{}) error {
	req, err := NewRequest(id, method, params)
	if err != nil {
		return agenterrors.Wrap(err, "encoding "+method+" params")
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return agenterrors.InvalidInput("request id already in flight", agenterrors.WithMetadata("id", id))
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return c.closedErr()
		}
		if resp.Error != nil {
			return decodeError(resp.Error)
		}
		if err := resp.DecodeResult(result); err != nil {
			return agenterrors.Wrap(err, "decoding "+method+" result")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params interface{}) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return agenterrors.Wrap(err, "encoding "+method+" params")
	}
	return c.write(msg)
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended: nil for a clean EOF or Close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the framer and fails outstanding calls.
func (c *Conn) Close() error {
	c.cancel()
	err := c.framer.Close()
	<-c.done
	return err
}

func (c *Conn) closedErr() error {
	if c.err != nil {
		return agenterrors.Transport("connection lost", agenterrors.WithCause(c.err))
	}
	return ErrClosed
}

func (c *Conn) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return agenterrors.Wrap(err, "encoding message")
	}
	if err := c.framer.WriteFrame(data); err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		return agenterrors.Transport("write failed", agenterrors.WithCause(err))
	}
	return nil
}

func (c *Conn) readLoop() {
	var readErr error
	defer func() {
		c.finish(readErr)
	}()

	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && c.ctx.Err() == nil {
				readErr = err
			}
			return
		}

		msg, err := Parse(data)
		if err != nil {
			c.logger.Warn("dropping malformed message", map[string]interface{}{"error": err})
			var rpcErr *Error
			if errors.As(err, &rpcErr) {
				c.write(NewErrorResponse(nil, rpcErr))
			}
			continue
		}

		switch {
		case msg.IsResponse() || msg.Error != nil:
			c.resolve(msg)
		case msg.IsRequest():
			c.serve(msg)
		case msg.IsNotification():
			if c.onNotify != nil {
				c.onNotify(msg)
			}
		}
	}
}

func (c *Conn) resolve(msg *Message) {
	id := msg.IDString()
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", map[string]interface{}{"id": id})
		return
	}
	ch <- msg
}

func (c *Conn) serve(req *Message) {
	if c.handler == nil {
		c.write(NewErrorResponse(req.ID, &Error{Code: MethodNotFound, Message: "Method not found: " + req.Method}))
		return
	}

	result, err := c.handler.Handle(c.ctx, req.Method, req.Params)
	if err != nil {
		c.write(NewErrorResponse(req.ID, encodeError(err)))
		return
	}
	resp, err := NewResult(req.ID, result)
	if err != nil {
		c.write(NewErrorResponse(req.ID, &Error{Code: InternalError, Message: "result encoding failed"}))
		return
	}
	c.write(resp)
}

// finish records the terminal error and fails every outstanding call.
func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		c.cancel()
		close(c.done)
	})
}

// encodeError turns a handler error into a wire error. Structured errors
// ride in the data field.
func encodeError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	out := &Error{Code: InternalError, Message: err.Error()}
	if ae, ok := agenterrors.As(err); ok {
		if data, mErr := json.Marshal(ae); mErr == nil {
			out.Data = data
		}
	}
	return out
}

// decodeError rebuilds a structured error when the data field carries one.
func decodeError(rpcErr *Error) error {
	if rpcErr.Code == InternalError && len(rpcErr.Data) > 0 && rpcErr.Data[0] == '{' {
		var ae agenterrors.Error
		if err := json.Unmarshal(rpcErr.Data, &ae); err == nil && ae.Code() != "" {
			return &ae
		}
	}
	return rpcErr
}
