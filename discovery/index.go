// Package discovery keeps a full-text index of registered agents.
package discovery

import (
	"context"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/listener"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/router"
)

// DefaultLimit caps Search when the caller passes no limit.
const DefaultLimit = 10

// document is the indexed form of an agent record.
type document struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
}

// Index is an in-memory search index over agent records.
type Index struct {
	index   bleve.Index
	records registry.Reader
	logger  *logging.Logger
	mu      sync.RWMutex
}

// New creates an empty index. records is used by Rebuild and Attach.
func New(records registry.Reader, logger *logging.Logger) (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, errors.Wrap(err, "creating agent index")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Index{index: idx, records: records, logger: logger.WithComponent("discovery")}, nil
}

func buildMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	keyword := bleve.NewKeywordFieldMapping()

	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("description", text)
	doc.AddFieldMappingsAt("capabilities", text)
	doc.AddFieldMappingsAt("status", keyword)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Put indexes rec, replacing any earlier version.
func (x *Index) Put(rec *registry.AgentRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	err := x.index.Index(rec.ID, document{
		Name:         rec.Name,
		Description:  rec.Description,
		Capabilities: rec.Capabilities,
		Status:       string(rec.Status),
	})
	if err != nil {
		return errors.Wrap(err, "indexing agent", errors.WithAgentID(rec.ID))
	}
	return nil
}

// Remove drops id from the index.
func (x *Index) Remove(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.index.Delete(id); err != nil {
		return errors.Wrap(err, "removing agent from index", errors.WithAgentID(id))
	}
	return nil
}

// Count returns the number of indexed agents.
func (x *Index) Count() (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, err := x.index.DocCount()
	if err != nil {
		return 0, errors.Wrap(err, "counting indexed agents")
	}
	return int(n), nil
}

// Rebuild indexes every stored record and returns how many were indexed.
func (x *Index) Rebuild(ctx context.Context) (int, error) {
	recs, err := x.records.List(ctx, nil)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := x.Put(rec); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

// Search returns the ids of the best matching agents, best first. Name
// matches weigh most, then capabilities, then description.
func (x *Index) Search(q string, limit int) ([]string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, errors.InvalidInput("search query is required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	field := func(name string, boost float64, fuzzy bool) query.Query {
		m := bleve.NewMatchQuery(q)
		m.SetField(name)
		m.SetBoost(boost)
		if fuzzy {
			m.SetFuzziness(1)
		}
		return m
	}
	dq := bleve.NewDisjunctionQuery(
		field("name", 3, true),
		field("capabilities", 2, false),
		field("description", 1, false),
	)
	req := bleve.NewSearchRequestOptions(dq, limit, 0, false)

	x.mu.RLock()
	res, err := x.index.Search(req)
	x.mu.RUnlock()
	if err != nil {
		return nil, errors.Wrap(err, "searching agents")
	}

	ids := make([]string, len(res.Hits))
	for i, hit := range res.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Attach keeps the index in sync with registry notifications.
func (x *Index) Attach(lis *listener.Listener) {
	refresh := func(ctx context.Context, id string) error {
		rec, err := x.records.Get(ctx, id)
		if errors.Is(err, errors.ErrCodeNotFound) {
			return x.Remove(id)
		}
		if err != nil {
			return err
		}
		return x.Put(rec)
	}
	lis.Handle(registry.EventRegistered, refresh)
	lis.Handle(registry.EventUpdated, refresh)
	lis.Handle(registry.EventStatus, refresh)
	lis.Handle(registry.EventUnregistered, func(ctx context.Context, id string) error {
		return x.Remove(id)
	})
}

// Matcher returns a router.Matcher that tries next first and falls back
// to the best search hit among the candidates.
func (x *Index) Matcher(next router.Matcher) router.Matcher {
	return router.MatcherFunc(func(content string, candidates []*registry.AgentRecord) (string, bool) {
		if next != nil {
			if id, ok := next.Match(content, candidates); ok {
				return id, true
			}
		}
		if len(candidates) == 0 {
			return "", false
		}
		allowed := make(map[string]struct{}, len(candidates))
		for _, c := range candidates {
			allowed[c.ID] = struct{}{}
		}
		n, err := x.Count()
		if err != nil || n == 0 {
			return "", false
		}
		ids, err := x.Search(content, n)
		if err != nil {
			x.logger.Debug("search fallback failed", map[string]interface{}{"error": err})
			return "", false
		}
		for _, id := range ids {
			if _, ok := allowed[id]; ok {
				return id, true
			}
		}
		return "", false
	})
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Close()
}
