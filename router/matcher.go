package router

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/Pratyay/agent-studio/registry"
)

// Matcher selects an agent for a request.
type Matcher interface {
	// Match returns the id of the chosen candidate. Candidates arrive
	// ordered by name, then id.
	Match(content string, candidates []*registry.AgentRecord) (id string, ok bool)
}

// MatcherFunc adapts a function into a Matcher.
type MatcherFunc func(content string, candidates []*registry.AgentRecord) (string, bool)

// Match implements Matcher.
func (f MatcherFunc) Match(content string, candidates []*registry.AgentRecord) (string, bool) {
	return f(content, candidates)
}

// KeywordMatcher routes on capabilities first, then on name keywords.
type KeywordMatcher struct{}

// Match implements Matcher.
func (KeywordMatcher) Match(content string, candidates []*registry.AgentRecord) (string, bool) {
	lc := strings.ToLower(content)
	tokens := tokenSet(lc)

	for _, rec := range candidates {
		for _, c := range rec.Capabilities {
			c = strings.ToLower(c)
			if _, ok := tokens[c]; ok || strings.Contains(lc, c) {
				return rec.ID, true
			}
		}
	}
	for _, rec := range candidates {
		for _, kw := range nameKeywords(rec.Name) {
			if strings.Contains(lc, kw) {
				return rec.ID, true
			}
		}
	}
	return "", false
}

// Tokenize lowercases s and splits it into words. '-' and '_' stay inside
// words.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_')
	})
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokenize(s) {
		set[t] = struct{}{}
	}
	return set
}

var keywordSplit = regexp.MustCompile(`[\s\-_]+`)

// nameKeywords returns the lowercased parts of name longer than two
// characters.
func nameKeywords(name string) []string {
	var out []string
	for _, kw := range keywordSplit.Split(strings.ToLower(name), -1) {
		if len(kw) > 2 {
			out = append(out, kw)
		}
	}
	return out
}

// matchRemote picks the first connected remote agent whose skill tags
// contain a content token or whose name keyword appears in the content.
func matchRemote(content string, remotes []*registry.RemoteAgentRecord) (*registry.RemoteAgentRecord, bool) {
	lc := strings.ToLower(content)
	tokens := tokenSet(lc)
	for _, rec := range remotes {
		if rec.Status != registry.RemoteConnected {
			continue
		}
		for _, tag := range rec.Tags() {
			if _, ok := tokens[tag]; ok {
				return rec, true
			}
		}
		for _, kw := range nameKeywords(rec.Name) {
			if strings.Contains(lc, kw) {
				return rec, true
			}
		}
	}
	return nil, false
}
