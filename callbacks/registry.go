package callbacks

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/internal/keylock"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/store"
)

const (
	keyPrefix = "callback:"
	setKey    = "callbacks:list"

	// Channel carries "<op>:<id>" notifications for callback changes.
	Channel = "callbacks:updates"
)

// Record is a stored callback definition.
type Record struct {
	ID          string `json:"callback_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Implementation names the Catalog entry that builds the callback.
	Implementation string `json:"implementation"`

	Type Type     `json:"type"`
	Tags []string `json:"tags,omitempty"`

	// Priority orders callbacks within a chain, lowest first.
	Priority int `json:"priority"`

	// Disabled records are kept but not built.
	Disabled bool `json:"disabled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Defaults are seeded on first start.
var Defaults = []Record{
	{
		ID:             "security-callback",
		Name:           "Security Callback",
		Description:    "Blocks messages containing script tags, JavaScript protocols, eval() calls and event handlers.",
		Implementation: ImplSecurity,
		Type:           BeforeAgent,
		Tags:           []string{"security", "validation", "filtering"},
		Priority:       10,
	},
	{
		ID:             "rate-limit-callback",
		Name:           "Rate Limit Callback",
		Description:    "Limits each session to 10 messages per minute.",
		Implementation: ImplRateLimit,
		Type:           BeforeAgent,
		Tags:           []string{"rate-limiting", "throttling", "protection"},
		Priority:       20,
	},
	{
		ID:             "logging-callback",
		Name:           "Logging Callback",
		Description:    "Logs every incoming message with session, agent and invocation ids.",
		Implementation: ImplLogging,
		Type:           BeforeAgent,
		Tags:           []string{"logging", "audit", "debugging"},
		Priority:       30,
	},
	{
		ID:             "metrics-callback",
		Name:           "Metrics Callback",
		Description:    "Counts messages in total and per session.",
		Implementation: ImplMetrics,
		Type:           BeforeAgent,
		Tags:           []string{"metrics", "analytics", "monitoring"},
		Priority:       40,
	},
}

// Registry persists callback records.
type Registry struct {
	store  store.Store
	locks  *keylock.Map
	logger *logging.Logger
	now    func() time.Time
}

// NewRegistry creates a Registry over st.
func NewRegistry(st store.Store, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		store:  st,
		locks:  keylock.New(),
		logger: logger.WithComponent("callbacks"),
		now:    time.Now,
	}
}

func validate(rec Record) error {
	if strings.TrimSpace(rec.Name) == "" {
		return errors.InvalidInput("callback name is required")
	}
	if strings.TrimSpace(rec.Implementation) == "" {
		return errors.InvalidInput("callback implementation is required", errors.WithMetadata("name", rec.Name))
	}
	if _, ok := ParseType(string(rec.Type)); !ok {
		return errors.InvalidInput("callback type must be BEFORE_AGENT or AFTER_AGENT",
			errors.WithMetadata("type", string(rec.Type)))
	}
	if strings.ContainsAny(rec.ID, " \t\r\n:") {
		return errors.InvalidInput("callback id must not contain whitespace or ':'", errors.WithMetadata("id", rec.ID))
	}
	return nil
}

// Register stores a new record, assigning an id when empty.
func (r *Registry) Register(ctx context.Context, rec Record) (*Record, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}
	rec.Type, _ = ParseType(string(rec.Type))
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	unlock := r.locks.Lock(rec.ID)
	defer unlock()

	if _, err := r.Get(ctx, rec.ID); err == nil {
		return nil, errors.New(errors.ErrCodeAlreadyExists, "callback already registered", errors.WithMetadata("id", rec.ID))
	} else if !errors.Is(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	now := r.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := r.write(ctx, &rec); err != nil {
		return nil, err
	}
	if err := r.store.AddToSet(ctx, setKey, rec.ID); err != nil {
		return nil, errors.Wrap(err, "adding callback to membership set", errors.WithMetadata("id", rec.ID))
	}
	r.logger.Info("callback registered", map[string]interface{}{"id": rec.ID, "name": rec.Name})
	r.notify(ctx, "REGISTERED", rec.ID)
	return &rec, nil
}

// Get returns the record with id.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	data, err := r.store.Get(ctx, keyPrefix+id)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("callback not found", errors.WithMetadata("id", id))
		}
		return nil, errors.Wrap(err, "reading callback", errors.WithMetadata("id", id))
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decoding callback record", errors.WithMetadata("id", id))
	}
	return &rec, nil
}

// List returns every record sorted by name.
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	ids, err := r.store.MembersOf(ctx, setKey)
	if err != nil {
		return nil, errors.Wrap(err, "listing callback ids")
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

// ByType returns the records of one type, sorted by name.
func (r *Registry) ByType(ctx context.Context, t Type) ([]*Record, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, rec := range all {
		if rec.Type == t {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Update replaces a record, keeping its id and creation time.
func (r *Registry) Update(ctx context.Context, id string, rec Record) (*Record, error) {
	rec.ID = id
	if err := validate(rec); err != nil {
		return nil, err
	}
	rec.Type, _ = ParseType(string(rec.Type))

	unlock := r.locks.Lock(id)
	defer unlock()

	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = r.now()
	if rec.UpdatedAt.Before(existing.UpdatedAt) {
		rec.UpdatedAt = existing.UpdatedAt
	}
	if err := r.write(ctx, &rec); err != nil {
		return nil, err
	}
	r.notify(ctx, "UPDATED", id)
	return &rec, nil
}

// Delete removes a record. It returns false when nothing was stored.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	existed, err := r.store.Del(ctx, keyPrefix+id)
	if err != nil {
		return false, errors.Wrap(err, "deleting callback", errors.WithMetadata("id", id))
	}
	if err := r.store.RemoveFromSet(ctx, setKey, id); err != nil {
		return false, errors.Wrap(err, "removing callback from membership set", errors.WithMetadata("id", id))
	}
	if existed {
		r.logger.Info("callback deleted", map[string]interface{}{"id": id})
		r.notify(ctx, "DELETED", id)
	}
	return existed, nil
}

// SeedDefaults registers each of Defaults that is not already stored and
// returns how many were added.
func (r *Registry) SeedDefaults(ctx context.Context) (int, error) {
	added := 0
	for _, rec := range Defaults {
		_, err := r.Register(ctx, rec)
		switch {
		case err == nil:
			added++
		case errors.Is(err, errors.ErrCodeAlreadyExists):
		default:
			return added, err
		}
	}
	r.logger.Info("default callbacks seeded", map[string]interface{}{"added": added})
	return added, nil
}

// notify announces a change. The record is already stored, so a failed
// publish is logged rather than returned.
func (r *Registry) notify(ctx context.Context, op, id string) {
	if err := r.store.Publish(ctx, Channel, op+":"+id); err != nil {
		r.logger.Warn("publishing callback change failed", map[string]interface{}{"id": id, "op": op, "error": err})
	}
}

func (r *Registry) write(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding callback record", errors.WithMetadata("id", rec.ID))
	}
	if err := r.store.Set(ctx, keyPrefix+rec.ID, data); err != nil {
		return errors.Wrap(err, "writing callback record", errors.WithMetadata("id", rec.ID))
	}
	return nil
}
