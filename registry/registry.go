package registry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/internal/keylock"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/store"
)

// Store keys for agent records.
const (
	agentKeyPrefix = "agent:"
	agentsSetKey   = "agents:list"
)

func agentKey(id string) string {
	return agentKeyPrefix + id
}

// StatusSetter is the narrow capability the module loader gets: it may
// request a status transition and nothing else.
type StatusSetter interface {
	SetStatus(ctx context.Context, id string, status Status, reason string) error
}

// Reader is the read side of the registry.
type Reader interface {
	Get(ctx context.Context, id string) (*AgentRecord, error)
	List(ctx context.Context, filter *Filter) ([]*AgentRecord, error)
}

// Registry manages agent records in a store.Store.
// It is safe for concurrent use; writes to one id are serialized and writes
// to different ids proceed in parallel.
type Registry struct {
	store   store.Store
	logger  *logging.Logger
	locks   *keylock.Map
	channel string
	now     func() time.Time
	idGen   func() string
}

var (
	_ StatusSetter = (*Registry)(nil)
	_ Reader       = (*Registry)(nil)
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = l.WithComponent("registry")
	}
}

// WithChannel overrides the notification channel.
func WithChannel(channel string) Option {
	return func(r *Registry) {
		r.channel = channel
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator overrides id assignment.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		r.idGen = gen
	}
}

// New creates a Registry over st.
func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:   st,
		logger:  logging.Nop(),
		locks:   keylock.New(),
		channel: DefaultChannel,
		now:     time.Now,
		idGen:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Channel returns the notification channel name.
func (r *Registry) Channel() string {
	return r.channel
}

// Register stores a new record and publishes REGISTERED:<id>.
// An empty ID is assigned; an ID that already exists is rejected.
func (r *Registry) Register(ctx context.Context, rec AgentRecord) (*AgentRecord, error) {
	if err := ValidateRecord(rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = r.idGen()
	}

	unlock := r.locks.Lock(rec.ID)
	defer unlock()

	if _, err := r.store.Get(ctx, agentKey(rec.ID)); err == nil {
		return nil, errors.New(errors.ErrCodeAlreadyExists, "agent already registered", errors.WithAgentID(rec.ID))
	} else if !stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrap(err, "checking existing agent", errors.WithAgentID(rec.ID))
	}

	now := r.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	rec.Capabilities = normalizeCapabilities(rec.Capabilities)

	if err := r.persist(ctx, &rec); err != nil {
		return nil, err
	}
	if err := r.store.AddToSet(ctx, agentsSetKey, rec.ID); err != nil {
		return nil, errors.Wrap(err, "adding agent to membership set", errors.WithAgentID(rec.ID))
	}
	if err := r.publish(ctx, EventRegistered, rec.ID); err != nil {
		return nil, err
	}

	r.logger.Info("agent registered", map[string]interface{}{
		"agent_id":     rec.ID,
		"name":         rec.Name,
		"capabilities": rec.Capabilities,
	})
	return &rec, nil
}

// Get returns the record for id.
func (r *Registry) Get(ctx context.Context, id string) (*AgentRecord, error) {
	data, err := r.store.Get(ctx, agentKey(id))
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("agent not found", errors.WithAgentID(id))
		}
		return nil, errors.Wrap(err, "reading agent", errors.WithAgentID(id))
	}
	var rec AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decoding agent record", errors.WithAgentID(id))
	}
	return &rec, nil
}

// List returns the records matching filter, ordered by name then id.
// Members whose record has vanished are skipped.
func (r *Registry) List(ctx context.Context, filter *Filter) ([]*AgentRecord, error) {
	ids, err := r.store.MembersOf(ctx, agentsSetKey)
	if err != nil {
		return nil, errors.Wrap(err, "listing agent ids")
	}

	out := make([]*AgentRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		if MatchesFilter(rec, filter) {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FindByCapability returns the records whose capability set contains tag.
func (r *Registry) FindByCapability(ctx context.Context, tag string) ([]*AgentRecord, error) {
	return r.List(ctx, &Filter{Capability: tag})
}

// Update replaces the record for id, keeping its identity and creation
// time, and publishes UPDATED:<id>.
func (r *Registry) Update(ctx context.Context, id string, rec AgentRecord) (*AgentRecord, error) {
	if err := ValidateRecord(rec); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rec.ID = id
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = r.stamp(existing)
	if rec.Status == "" {
		rec.Status = existing.Status
	}
	rec.Capabilities = normalizeCapabilities(rec.Capabilities)

	if err := r.persist(ctx, &rec); err != nil {
		return nil, err
	}
	if err := r.publish(ctx, EventUpdated, id); err != nil {
		return nil, err
	}

	r.logger.Info("agent updated", map[string]interface{}{"agent_id": id})
	return &rec, nil
}

// SetStatus records a lifecycle transition and publishes STATUS:<id>.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status, reason string) error {
	if !status.Valid() {
		return errors.InvalidInput("unknown agent status", errors.WithAgentID(id), errors.WithMetadata("status", string(status)))
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.LastError = reason
	rec.UpdatedAt = r.stamp(rec)

	if err := r.persist(ctx, rec); err != nil {
		return err
	}
	if err := r.publish(ctx, EventStatus, id); err != nil {
		return err
	}

	r.logger.Info("agent status changed", map[string]interface{}{
		"agent_id": id,
		"status":   string(status),
		"reason":   reason,
	})
	return nil
}

// Unregister removes the record for id and publishes UNREGISTERED:<id>.
// It returns false, nil when there was nothing to remove.
func (r *Registry) Unregister(ctx context.Context, id string) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	existed, err := r.store.Del(ctx, agentKey(id))
	if err != nil {
		return false, errors.Wrap(err, "deleting agent", errors.WithAgentID(id))
	}
	if err := r.store.RemoveFromSet(ctx, agentsSetKey, id); err != nil {
		return false, errors.Wrap(err, "removing agent from membership set", errors.WithAgentID(id))
	}
	if !existed {
		return false, nil
	}
	if err := r.publish(ctx, EventUnregistered, id); err != nil {
		return false, err
	}

	r.logger.Info("agent unregistered", map[string]interface{}{"agent_id": id})
	return true, nil
}

// stamp returns a modification time that never precedes the record's
// existing timestamps.
func (r *Registry) stamp(existing *AgentRecord) time.Time {
	now := r.now()
	if now.Before(existing.UpdatedAt) {
		now = existing.UpdatedAt
	}
	if now.Before(existing.CreatedAt) {
		now = existing.CreatedAt
	}
	return now
}

func (r *Registry) persist(ctx context.Context, rec *AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding agent record", errors.WithAgentID(rec.ID))
	}
	if err := r.store.Set(ctx, agentKey(rec.ID), data); err != nil {
		return errors.Wrap(err, "writing agent record", errors.WithAgentID(rec.ID))
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, t EventType, id string) error {
	if err := r.store.Publish(ctx, r.channel, FormatNotification(t, id)); err != nil {
		return errors.Wrap(err, "publishing "+string(t), errors.WithAgentID(id))
	}
	return nil
}
