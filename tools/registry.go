package tools

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/internal/keylock"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/mcp"
	"github.com/Pratyay/agent-studio/store"
)

const (
	keyPrefix = "tool:"
	setKey    = "tools:list"
)

// Record is a registered MCP tool server.
type Record struct {
	ID          string `json:"tool_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Endpoint    string `json:"endpoint_url"`

	// Probed state.
	Healthy   bool       `json:"server_healthy"`
	Tools     []mcp.Tool `json:"mcp_tools,omitempty"`
	CheckedAt time.Time  `json:"checked_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolNames returns the names of the server's tools.
func (r *Record) ToolNames() []string {
	names := make([]string, len(r.Tools))
	for i, t := range r.Tools {
		names[i] = t.Name
	}
	return names
}

// Registry persists tool server records.
type Registry struct {
	store  store.Store
	http   *http.Client
	locks  *keylock.Map
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the client used for probes.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry over st.
func NewRegistry(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		http:   &http.Client{Timeout: 30 * time.Second},
		locks:  keylock.New(),
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("tools")
	return r
}

func validate(rec Record) error {
	if strings.TrimSpace(rec.Name) == "" {
		return errors.InvalidInput("tool name is required")
	}
	u, err := url.Parse(rec.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.InvalidInput("tool endpoint must be an http(s) url", errors.WithMetadata("endpoint", rec.Endpoint))
	}
	return nil
}

// probe refreshes the health and tool list of rec. An unhealthy server is
// recorded, not rejected.
func (r *Registry) probe(ctx context.Context, rec *Record) {
	client := mcp.NewClient(rec.Endpoint, r.http)
	rec.CheckedAt = r.now()

	if err := client.Health(ctx); err != nil {
		r.logger.Warn("tool server not healthy", map[string]interface{}{
			"tool_id":  rec.ID,
			"endpoint": rec.Endpoint,
			"error":    err,
		})
		rec.Healthy = false
		rec.Tools = nil
		return
	}
	rec.Healthy = true

	if _, err := client.Initialize(ctx); err != nil {
		r.logger.Debug("tool server skipped initialize", map[string]interface{}{
			"tool_id": rec.ID,
			"error":   err,
		})
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		r.logger.Warn("listing tools failed", map[string]interface{}{
			"tool_id":  rec.ID,
			"endpoint": rec.Endpoint,
			"error":    err,
		})
		rec.Healthy = false
		rec.Tools = nil
		return
	}
	rec.Tools = tools
}

// Register probes the server and stores a new record, assigning an id when
// empty.
func (r *Registry) Register(ctx context.Context, rec Record) (*Record, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}
	rec.Endpoint = strings.TrimSuffix(rec.Endpoint, "/")
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	unlock := r.locks.Lock(rec.ID)
	defer unlock()

	if _, err := r.Get(ctx, rec.ID); err == nil {
		return nil, errors.New(errors.ErrCodeAlreadyExists, "tool already registered", errors.WithMetadata("id", rec.ID))
	} else if !errors.Is(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	r.probe(ctx, &rec)
	now := r.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := r.write(ctx, &rec); err != nil {
		return nil, err
	}
	if err := r.store.AddToSet(ctx, setKey, rec.ID); err != nil {
		return nil, errors.Wrap(err, "adding tool to membership set", errors.WithMetadata("id", rec.ID))
	}
	r.logger.Info("tool registered", map[string]interface{}{
		"tool_id": rec.ID,
		"name":    rec.Name,
		"healthy": rec.Healthy,
		"tools":   len(rec.Tools),
	})
	return &rec, nil
}

// Get returns the stored record with id.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	data, err := r.store.Get(ctx, keyPrefix+id)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("tool not found", errors.WithMetadata("id", id))
		}
		return nil, errors.Wrap(err, "reading tool", errors.WithMetadata("id", id))
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decoding tool record", errors.WithMetadata("id", id))
	}
	return &rec, nil
}

// List returns every record sorted by name, then id.
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	ids, err := r.store.MembersOf(ctx, setKey)
	if err != nil {
		return nil, errors.Wrap(err, "listing tool ids")
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update replaces the descriptive fields of an existing record and probes
// the server again.
func (r *Registry) Update(ctx context.Context, id string, rec Record) (*Record, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	existing.Name = rec.Name
	existing.Description = rec.Description
	existing.Endpoint = strings.TrimSuffix(rec.Endpoint, "/")
	r.probe(ctx, existing)
	existing.UpdatedAt = r.now()
	if err := r.write(ctx, existing); err != nil {
		return nil, err
	}
	r.logger.Info("tool updated", map[string]interface{}{"tool_id": id})
	return existing, nil
}

// Refresh probes the server of an existing record and stores the result.
func (r *Registry) Refresh(ctx context.Context, id string) (*Record, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.probe(ctx, rec)
	if err := r.write(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RefreshAll refreshes every record and returns how many are healthy.
func (r *Registry) RefreshAll(ctx context.Context) (int, error) {
	recs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	healthy := 0
	for _, rec := range recs {
		got, err := r.Refresh(ctx, rec.ID)
		if err != nil {
			if errors.Is(err, errors.ErrCodeNotFound) {
				continue
			}
			return healthy, err
		}
		if got.Healthy {
			healthy++
		}
	}
	return healthy, nil
}

// Delete removes a record. It reports whether one existed.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	existed, err := r.store.Del(ctx, keyPrefix+id)
	if err != nil {
		return false, errors.Wrap(err, "deleting tool", errors.WithMetadata("id", id))
	}
	if err := r.store.RemoveFromSet(ctx, setKey, id); err != nil {
		return existed, errors.Wrap(err, "removing tool from membership set", errors.WithMetadata("id", id))
	}
	if existed {
		r.logger.Info("tool deleted", map[string]interface{}{"tool_id": id})
	}
	return existed, nil
}

func (r *Registry) write(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding tool record", errors.WithMetadata("id", rec.ID))
	}
	if err := r.store.Set(ctx, keyPrefix+rec.ID, data); err != nil {
		return errors.Wrap(err, "writing tool record", errors.WithMetadata("id", rec.ID))
	}
	return nil
}
