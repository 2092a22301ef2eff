package registry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/internal/keylock"
	"github.com/Pratyay/agent-studio/store"
)

const (
	remoteKeyPrefix = "a2a:agent:"
	remotesSetKey   = "a2a:agents:list"
)

// RemoteStatus is the connection state of a remote agent.
type RemoteStatus string

const (
	RemoteConnected    RemoteStatus = "CONNECTED"
	RemoteDisconnected RemoteStatus = "DISCONNECTED"
)

// Skill is one advertised ability of a remote agent.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// RemoteCapabilities are the protocol features a remote agent supports.
type RemoteCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"push_notifications"`
	StateTransitionHistory bool `json:"state_transition_history"`
}

// RemoteAgentRecord describes an agent reached over the remote protocol.
type RemoteAgentRecord struct {
	ID              string             `json:"agent_id"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	Version         string             `json:"version,omitempty"`
	ProtocolVersion string             `json:"protocol_version,omitempty"`
	Skills          []Skill            `json:"skills,omitempty"`
	Capabilities    RemoteCapabilities `json:"capabilities"`
	URL             string             `json:"url"`

	// Transports is ordered by preference.
	Transports  []string `json:"transports,omitempty"`
	InputModes  []string `json:"input_modes,omitempty"`
	OutputModes []string `json:"output_modes,omitempty"`

	Status    RemoteStatus `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Tags returns the union of skill tags.
func (r *RemoteAgentRecord) Tags() []string {
	var tags []string
	seen := make(map[string]struct{})
	for _, s := range r.Skills {
		for _, t := range s.Tags {
			t = strings.ToLower(t)
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)
	return tags
}

// DeriveRemoteID builds a stable id from a display name and endpoint:
// the slugged name, a dash, and 8 hex chars of the URL hash.
func DeriveRemoteID(name, url string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		slug = "agent"
	}

	h := fnv.New32a()
	h.Write([]byte(url))
	return fmt.Sprintf("%s-%08x", slug, h.Sum32())
}

// RemoteStore persists remote agent records.
type RemoteStore struct {
	store store.Store
	locks *keylock.Map
	now   func() time.Time
}

// NewRemoteStore creates a RemoteStore over st.
func NewRemoteStore(st store.Store) *RemoteStore {
	return &RemoteStore{store: st, locks: keylock.New(), now: time.Now}
}

// Save creates or replaces a record.
func (s *RemoteStore) Save(ctx context.Context, rec RemoteAgentRecord) (*RemoteAgentRecord, error) {
	if rec.ID == "" || rec.URL == "" {
		return nil, errors.InvalidInput("remote agent id and url are required")
	}
	if rec.Status == "" {
		rec.Status = RemoteConnected
	}

	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	rec.UpdatedAt = s.now()
	if err := s.write(ctx, &rec); err != nil {
		return nil, err
	}
	if err := s.store.AddToSet(ctx, remotesSetKey, rec.ID); err != nil {
		return nil, errors.Wrap(err, "adding remote agent to membership set", errors.WithAgentID(rec.ID))
	}
	return &rec, nil
}

// Get returns the record for id.
func (s *RemoteStore) Get(ctx context.Context, id string) (*RemoteAgentRecord, error) {
	data, err := s.store.Get(ctx, remoteKeyPrefix+id)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("remote agent not found", errors.WithAgentID(id))
		}
		return nil, errors.Wrap(err, "reading remote agent", errors.WithAgentID(id))
	}
	var rec RemoteAgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decoding remote agent record", errors.WithAgentID(id))
	}
	return &rec, nil
}

// List returns every stored record ordered by name.
func (s *RemoteStore) List(ctx context.Context) ([]*RemoteAgentRecord, error) {
	ids, err := s.store.MembersOf(ctx, remotesSetKey)
	if err != nil {
		return nil, errors.Wrap(err, "listing remote agent ids")
	}
	out := make([]*RemoteAgentRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
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

// SetStatus changes the connection state of an existing record.
func (s *RemoteStore) SetStatus(ctx context.Context, id string, status RemoteStatus) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	return s.write(ctx, rec)
}

// Delete removes the record. It returns false when nothing was stored.
func (s *RemoteStore) Delete(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	existed, err := s.store.Del(ctx, remoteKeyPrefix+id)
	if err != nil {
		return false, errors.Wrap(err, "deleting remote agent", errors.WithAgentID(id))
	}
	if err := s.store.RemoveFromSet(ctx, remotesSetKey, id); err != nil {
		return false, errors.Wrap(err, "removing remote agent from membership set", errors.WithAgentID(id))
	}
	return existed, nil
}

func (s *RemoteStore) write(ctx context.Context, rec *RemoteAgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding remote agent record", errors.WithAgentID(rec.ID))
	}
	if err := s.store.Set(ctx, remoteKeyPrefix+rec.ID, data); err != nil {
		return errors.Wrap(err, "writing remote agent record", errors.WithAgentID(rec.ID))
	}
	return nil
}
