package a2a

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/internal/keylock"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/telemetry"
)

// DefaultCallTimeout bounds a call when the caller gives no timeout.
const DefaultCallTimeout = 60 * time.Second

// RecordLookup finds remote agent records.
type RecordLookup interface {
	Get(ctx context.Context, id string) (*registry.RemoteAgentRecord, error)
}

// Result is the resolved outcome of a call.
type Result struct {
	CorrelationID string
	RemoteID      string
	TaskID        string
	Text          string

	// Events are every event attributed to the call, final one last.
	Events []Event
}

type outcome struct {
	result *Result
	err    error
}

// pendingCall is one in-flight call awaiting its final event.
type pendingCall struct {
	id       string
	remoteID string
	deadline time.Time

	once sync.Once
	ch   chan outcome

	events  []Event
	partial strings.Builder
}

func newPendingCall(id, remoteID string, deadline time.Time) *pendingCall {
	return &pendingCall{id: id, remoteID: remoteID, deadline: deadline, ch: make(chan outcome, 1)}
}

func (p *pendingCall) complete(o outcome) {
	p.once.Do(func() { p.ch <- o })
}

// Conn is a pooled connection to one remote agent.
type Conn struct {
	remoteID  string
	transport Transport
	card      *Card
	echo      bool
	sem       chan struct{}
	logger    *logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	current string

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// RemoteID returns the id of the remote agent.
func (c *Conn) RemoteID() string { return c.remoteID }

// Card returns the card received in the handshake.
func (c *Conn) Card() *Card { return c.card }

// EchoesCorrelation reports whether calls on c run concurrently.
func (c *Conn) EchoesCorrelation() bool { return c.echo }

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Pending returns the number of calls awaiting resolution.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) register(p *pendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return c.err
	}
	c.pending[p.id] = p
	if !c.echo {
		c.current = p.id
	}
	return nil
}

// take removes and returns the pending call with id. Only one caller can
// ever receive a given call.
func (c *Conn) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if c.current == id {
		c.current = ""
	}
	return p
}

// target resolves which pending call an event belongs to.
func (c *Conn) target(ev Event) string {
	if c.echo {
		return ev.CorrelationID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Conn) handle(ev Event) {
	id := c.target(ev)
	if id == "" {
		c.logger.Debug("dropping uncorrelated event", map[string]interface{}{
			"remote_id": c.remoteID,
			"kind":      string(ev.Kind),
		})
		return
	}

	if !ev.IsFinal() {
		c.mu.Lock()
		p, ok := c.pending[id]
		if ok {
			p.events = append(p.events, ev)
			if ev.Kind == KindArtifactUpdate {
				p.partial.WriteString(ev.Text())
			}
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping event for unknown call", map[string]interface{}{
				"remote_id":      c.remoteID,
				"correlation_id": id,
			})
		}
		return
	}

	p := c.take(id)
	if p == nil {
		c.logger.Debug("dropping late final event", map[string]interface{}{
			"remote_id":      c.remoteID,
			"correlation_id": id,
		})
		return
	}

	if err := ev.Err(); err != nil {
		p.complete(outcome{err: errors.Wrap(err, "remote agent failed",
			errors.WithAgentID(c.remoteID), errors.WithMetadata("correlation_id", id))})
		return
	}

	text := ev.Text()
	if text == "" {
		text = p.partial.String()
	}
	p.complete(outcome{result: &Result{
		CorrelationID: id,
		RemoteID:      c.remoteID,
		TaskID:        ev.TaskID(),
		Text:          text,
		Events:        append(p.events, ev),
	}})
}

// fail ends the connection and fails every pending call with err.
func (c *Conn) fail(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := c.pending
		c.pending = nil
		c.current = ""
		c.mu.Unlock()

		for _, p := range pending {
			p.complete(outcome{err: err})
		}
		close(c.done)
	})
}

// Correlator multiplexes calls to remote agents over pooled connections.
// It is safe for concurrent use.
type Correlator struct {
	records RecordLookup
	dialers map[string]Dialer
	order   []string
	timeout time.Duration
	logger  *logging.Logger
	tracer  *telemetry.Tracer

	mu    sync.Mutex
	conns map[string]*Conn
	locks *keylock.Map
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithDialer registers a dialer for a transport name. Registration order
// is the fallback preference for records that list no transports.
func WithDialer(name string, d Dialer) Option {
	return func(c *Correlator) {
		name = strings.ToLower(name)
		if _, ok := c.dialers[name]; !ok {
			c.order = append(c.order, name)
		}
		c.dialers[name] = d
	}
}

// WithTimeout sets the default call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Correlator) { c.tracer = t }
}

// NewCorrelator creates a Correlator.
func NewCorrelator(records RecordLookup, opts ...Option) *Correlator {
	c := &Correlator{
		records: records,
		dialers: make(map[string]Dialer),
		timeout: DefaultCallTimeout,
		logger:  logging.Nop(),
		conns:   make(map[string]*Conn),
		locks:   keylock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("a2a")
	return c
}

func (c *Correlator) pooled(remoteID string) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[remoteID]
	if !ok || conn.closed() {
		return nil
	}
	return conn
}

// Connect returns the pooled connection to remoteID, dialing it if needed.
func (c *Correlator) Connect(ctx context.Context, remoteID string) (*Conn, error) {
	if conn := c.pooled(remoteID); conn != nil {
		return conn, nil
	}
	rec, err := c.records.Get(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	return c.ConnectRecord(ctx, rec)
}

// ConnectRecord is Connect for a record that may not be stored yet.
func (c *Correlator) ConnectRecord(ctx context.Context, rec *registry.RemoteAgentRecord) (*Conn, error) {
	unlock := c.locks.Lock(rec.ID)
	defer unlock()

	if conn := c.pooled(rec.ID); conn != nil {
		return conn, nil
	}

	t, card, err := c.open(ctx, rec)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		remoteID:  rec.ID,
		transport: t,
		card:      card,
		echo:      t.EchoesCorrelation(),
		sem:       make(chan struct{}, 1),
		logger:    c.logger,
		pending:   make(map[string]*pendingCall),
		done:      make(chan struct{}),
	}
	go c.readEvents(conn)

	c.mu.Lock()
	c.conns[rec.ID] = conn
	c.mu.Unlock()

	c.logger.Info("remote agent connected", map[string]interface{}{
		"remote_id": rec.ID,
		"echo":      conn.echo,
	})
	return conn, nil
}

// Probe dials and handshakes without pooling, then closes.
func (c *Correlator) Probe(ctx context.Context, rec *registry.RemoteAgentRecord) (*Card, error) {
	t, card, err := c.open(ctx, rec)
	if err != nil {
		return nil, err
	}
	t.Close()
	return card, nil
}

// open dials the first preferred transport that connects and handshakes.
func (c *Correlator) open(ctx context.Context, rec *registry.RemoteAgentRecord) (Transport, *Card, error) {
	names := rec.Transports
	if len(names) == 0 {
		names = c.order
	}

	var errs []error
	tried := 0
	for _, name := range names {
		d, ok := c.dialers[strings.ToLower(name)]
		if !ok {
			continue
		}
		tried++
		t, err := d.Dial(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		card, err := t.Handshake(ctx)
		if err != nil {
			t.Close()
			errs = append(errs, err)
			continue
		}
		return t, card, nil
	}
	if tried == 0 {
		return nil, nil, errors.New(errors.ErrCodeUnsupported, "no dialer for any advertised transport",
			errors.WithAgentID(rec.ID), errors.WithMetadata("transports", strings.Join(names, ",")))
	}
	return nil, nil, errors.Transport("could not connect to remote agent",
		errors.WithAgentID(rec.ID), errors.WithCause(errors.Join(errs...)))
}

// readEvents is the single event handler of conn.
func (c *Correlator) readEvents(conn *Conn) {
	for ev := range conn.transport.Events() {
		conn.handle(ev)
	}
	conn.fail(errors.Transport("event stream closed", errors.WithAgentID(conn.remoteID)))
	c.evict(conn)
}

func (c *Correlator) evict(conn *Conn) {
	c.mu.Lock()
	if c.conns[conn.remoteID] == conn {
		delete(c.conns, conn.remoteID)
	}
	c.mu.Unlock()
}

// Call sends text to remoteID and waits for the final event answering it.
// A timeout of zero uses the default.
func (c *Correlator) Call(ctx context.Context, remoteID, text string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	id := uuid.New().String()
	ctx, span := c.tracer.StartCallSpan(ctx, remoteID, id)

	res, err := c.call(ctx, remoteID, id, text, deadline, timer.C)
	c.logger.RemoteCall(remoteID, id, time.Since(start), err)
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}
	telemetry.EndSpan(span, nil, attribute.Int("remote.events", len(res.Events)))
	return res, nil
}

func (c *Correlator) call(ctx context.Context, remoteID, id, text string, deadline time.Time, expired <-chan time.Time) (*Result, error) {
	timeoutErr := func() error {
		return errors.Timeout("remote agent did not answer in time",
			errors.WithAgentID(remoteID), errors.WithMetadata("correlation_id", id))
	}
	canceledErr := func() error {
		return errors.New(errors.ErrCodeCanceled, "call canceled", errors.WithCause(ctx.Err()),
			errors.WithAgentID(remoteID), errors.WithMetadata("correlation_id", id))
	}

	connCtx, cancel := context.WithDeadline(ctx, deadline)
	conn, err := c.Connect(connCtx, remoteID)
	cancel()
	if err != nil {
		return nil, err
	}

	if !conn.echo {
		select {
		case conn.sem <- struct{}{}:
			defer func() { <-conn.sem }()
		case <-expired:
			return nil, timeoutErr()
		case <-ctx.Done():
			return nil, canceledErr()
		case <-conn.done:
			return nil, errors.Transport("connection closed", errors.WithAgentID(remoteID))
		}
	}

	p := newPendingCall(id, remoteID, deadline)
	if err := conn.register(p); err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	err = conn.transport.Send(sendCtx, &OutboundMessage{CorrelationID: id, Text: text})
	cancel()
	if err != nil {
		if conn.take(id) == nil {
			// Resolved or failed while sending.
			o := <-p.ch
			return o.result, o.err
		}
		switch {
		case ctx.Err() != nil:
			return nil, canceledErr()
		case !time.Now().Before(deadline):
			return nil, timeoutErr()
		}
		return nil, errors.Transport("sending message failed", errors.WithCause(err),
			errors.WithAgentID(remoteID), errors.WithMetadata("correlation_id", id))
	}

	var stop error
	select {
	case o := <-p.ch:
		return o.result, o.err
	case <-expired:
		stop = timeoutErr()
	case <-ctx.Done():
		stop = canceledErr()
	}
	if conn.take(id) == nil {
		o := <-p.ch
		return o.result, o.err
	}
	if !conn.echo {
		// A late reply would be attributed to the next call.
		c.drop(conn)
	}
	return nil, stop
}

// drop evicts conn if it is still pooled and closes it.
func (c *Correlator) drop(conn *Conn) {
	c.evict(conn)
	c.closeConn(conn)
}

// Disconnect closes the pooled connection to remoteID. It reports whether
// one existed.
func (c *Correlator) Disconnect(remoteID string) bool {
	c.mu.Lock()
	conn, ok := c.conns[remoteID]
	delete(c.conns, remoteID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.closeConn(conn)
	return true
}

func (c *Correlator) closeConn(conn *Conn) {
	conn.fail(errors.Transport("connection closed", errors.WithAgentID(conn.remoteID)))
	if err := conn.transport.Close(); err != nil {
		c.logger.Debug("transport close", map[string]interface{}{
			"remote_id": conn.remoteID,
			"error":     err,
		})
	}
}

// IsConnected reports whether a live pooled connection exists.
func (c *Correlator) IsConnected(remoteID string) bool {
	return c.pooled(remoteID) != nil
}

// Connected returns the ids with live pooled connections, sorted.
func (c *Correlator) Connected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.conns))
	for id, conn := range c.conns {
		if !conn.closed() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Close closes every pooled connection.
func (c *Correlator) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*Conn)
	c.mu.Unlock()

	for _, conn := range conns {
		c.closeConn(conn)
	}
	return nil
}
