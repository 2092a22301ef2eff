package a2a

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
)

// Remotes manages the set of known remote agents.
type Remotes struct {
	records *registry.RemoteStore
	corr    *Correlator
	http    *http.Client
	timeout time.Duration
	logger  *logging.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// RemotesOption configures Remotes.
type RemotesOption func(*Remotes)

// WithHTTPClient sets the client used to fetch agent cards.
func WithHTTPClient(c *http.Client) RemotesOption {
	return func(r *Remotes) { r.http = c }
}

// WithCallTimeout sets the timeout used by Call.
func WithCallTimeout(d time.Duration) RemotesOption {
	return func(r *Remotes) { r.timeout = d }
}

// WithRemotesLogger sets the logger.
func WithRemotesLogger(l *logging.Logger) RemotesOption {
	return func(r *Remotes) { r.logger = l }
}

// NewRemotes creates the remote agent service.
func NewRemotes(records *registry.RemoteStore, corr *Correlator, opts ...RemotesOption) *Remotes {
	r := &Remotes{
		records: records,
		corr:    corr,
		http:    &http.Client{Timeout: 10 * time.Second},
		timeout: DefaultCallTimeout,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("a2a.remotes")
	return r
}

func normalizeURL(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), "/")
}

// Add fetches the card at url, connects and stores a CONNECTED record.
func (r *Remotes) Add(ctx context.Context, url string) (*registry.RemoteAgentRecord, error) {
	url = normalizeURL(url)
	card, err := FetchCard(ctx, r.http, url)
	if err != nil {
		return nil, err
	}
	rec := card.Record(url)

	conn, err := r.corr.ConnectRecord(ctx, &rec)
	if err != nil {
		return nil, err
	}
	if hs := conn.Card(); hs != nil {
		if hs.Version != "" {
			rec.Version = hs.Version
		}
		if hs.ProtocolVersion != "" {
			rec.ProtocolVersion = hs.ProtocolVersion
		}
	}
	rec.Status = registry.RemoteConnected

	saved, err := r.records.Save(ctx, rec)
	if err != nil {
		r.corr.Disconnect(rec.ID)
		return nil, err
	}
	r.logger.Info("remote agent added", map[string]interface{}{
		"remote_id": saved.ID,
		"name":      saved.Name,
		"url":       url,
	})
	return saved, nil
}

// TestConnection fetches the card at url and performs a handshake without
// storing anything.
func (r *Remotes) TestConnection(ctx context.Context, url string) (*Card, error) {
	url = normalizeURL(url)
	card, err := FetchCard(ctx, r.http, url)
	if err != nil {
		return nil, err
	}
	rec := card.Record(url)
	if _, err := r.corr.Probe(ctx, &rec); err != nil {
		return nil, err
	}
	return card, nil
}

// Disconnect closes the connection and deletes the record.
func (r *Remotes) Disconnect(ctx context.Context, id string) (bool, error) {
	r.corr.Disconnect(id)
	existed, err := r.records.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if existed {
		r.logger.Info("remote agent removed", map[string]interface{}{"remote_id": id})
	}
	return existed, nil
}

// List returns every known remote agent.
func (r *Remotes) List(ctx context.Context) ([]*registry.RemoteAgentRecord, error) {
	return r.records.List(ctx)
}

// Get returns one remote agent.
func (r *Remotes) Get(ctx context.Context, id string) (*registry.RemoteAgentRecord, error) {
	return r.records.Get(ctx, id)
}

// ReconnectAll connects every stored agent that is not connected. Failures
// mark the record DISCONNECTED and keep it. It returns how many agents are
// connected afterwards.
func (r *Remotes) ReconnectAll(ctx context.Context) (int, error) {
	recs, err := r.records.List(ctx)
	if err != nil {
		return 0, err
	}
	connected := 0
	for _, rec := range recs {
		if r.corr.IsConnected(rec.ID) {
			connected++
			if rec.Status != registry.RemoteConnected {
				r.setStatus(ctx, rec.ID, registry.RemoteConnected)
			}
			continue
		}
		if _, err := r.corr.ConnectRecord(ctx, rec); err != nil {
			r.logger.Warn("reconnect failed", map[string]interface{}{
				"remote_id": rec.ID,
				"error":     err,
			})
			if rec.Status != registry.RemoteDisconnected {
				r.setStatus(ctx, rec.ID, registry.RemoteDisconnected)
			}
			continue
		}
		connected++
		if rec.Status != registry.RemoteConnected {
			r.setStatus(ctx, rec.ID, registry.RemoteConnected)
		}
	}
	return connected, nil
}

func (r *Remotes) setStatus(ctx context.Context, id string, status registry.RemoteStatus) {
	if err := r.records.SetStatus(ctx, id, status); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		r.logger.Warn("updating remote agent status", map[string]interface{}{
			"remote_id": id,
			"status":    string(status),
			"error":     err,
		})
	}
}

// Call sends text to a remote agent using the configured timeout. A
// transport failure marks the agent DISCONNECTED.
func (r *Remotes) Call(ctx context.Context, id, text string) (*Result, error) {
	res, err := r.corr.Call(ctx, id, text, r.timeout)
	if err != nil && errors.Is(err, errors.ErrCodeTransport) {
		r.setStatus(ctx, id, registry.RemoteDisconnected)
	}
	return res, err
}

// Ask is Call returning only the text.
func (r *Remotes) Ask(ctx context.Context, id, text string) (string, error) {
	res, err := r.Call(ctx, id, text)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// StartReconnects runs ReconnectAll on a cron schedule, e.g. "@every 1m".
func (r *Remotes) StartReconnects(spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New(errors.ErrCodeAlreadyExists, "reconnect schedule already running")
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		n, err := r.ReconnectAll(ctx)
		if err != nil {
			r.logger.Warn("scheduled reconnect failed", map[string]interface{}{"error": err})
			return
		}
		r.logger.Debug("scheduled reconnect", map[string]interface{}{"connected": n})
	}); err != nil {
		return errors.InvalidInput("bad reconnect schedule", errors.WithCause(err), errors.WithMetadata("spec", spec))
	}
	c.Start()
	r.cron = c
	return nil
}

// StopReconnects stops the schedule and waits for a running sweep.
func (r *Remotes) StopReconnects() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
