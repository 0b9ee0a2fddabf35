package router

import (
	"fmt"
	"path"
	"strings"

	"github.com/pario-ai/offlinekit/pkg/config"
)

// Strategy names how a request is served.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	StoreBacked          Strategy = "store-backed"
	Mutation             Strategy = "mutation"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, StoreBacked, Mutation:
		return true
	}
	return false
}

// Snapshot scopes for store-backed rules.
const (
	SnapshotConversations = "conversations"
	SnapshotMessages      = "messages"
)

// Decision is the result of classifying one request.
type Decision struct {
	Strategy Strategy
	Rule     string
	Snapshot string
	// Params holds the {name} captures of the matching pattern.
	Params map[string]string
}

type rule struct {
	name       string
	methods    map[string]bool
	prefix     string
	segments   []string
	extensions map[string]bool
	accept     string
	strategy   Strategy
	snapshot   string
}

// Router classifies requests against an ordered rule table. The first
// matching rule wins; requests matching nothing are network-first.
type Router struct {
	rules []rule
}

// DefaultConversationsPath is the conversation list endpoint the
// default store-backed rules cover unless WithConversationsPath says otherwise.
const DefaultConversationsPath = "/api/conversations"

type options struct {
	conversationsPath string
}

// Option configures New.
type Option func(*options)

// WithConversationsPath points the default store-backed rules at path.
func WithConversationsPath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.conversationsPath = path
		}
	}
}

// New compiles rules. An empty table uses DefaultRules.
func New(rules []config.RuleConfig, opts ...Option) (*Router, error) {
	o := options{conversationsPath: DefaultConversationsPath}
	for _, opt := range opts {
		opt(&o)
	}
	if len(rules) == 0 {
		rules = DefaultRules(o.conversationsPath)
	}
	r := &Router{rules: make([]rule, 0, len(rules))}
	for i, rc := range rules {
		compiled, err := compile(rc)
		if err != nil {
			name := rc.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		r.rules = append(r.rules, compiled)
	}
	return r, nil
}

func compile(rc config.RuleConfig) (rule, error) {
	st := Strategy(rc.Strategy)
	if !st.Valid() {
		return rule{}, fmt.Errorf("unknown strategy %q", rc.Strategy)
	}
	out := rule{
		name:     rc.Name,
		prefix:   rc.Prefix,
		accept:   strings.ToLower(rc.Accept),
		strategy: st,
		snapshot: rc.Snapshot,
	}
	if len(rc.Methods) > 0 {
		out.methods = make(map[string]bool, len(rc.Methods))
		for _, m := range rc.Methods {
			out.methods[strings.ToUpper(m)] = true
		}
	}
	if len(rc.Extensions) > 0 {
		out.extensions = make(map[string]bool, len(rc.Extensions))
		for _, e := range rc.Extensions {
			out.extensions[strings.ToLower(e)] = true
		}
	}
	if rc.Pattern != "" {
		if !strings.HasPrefix(rc.Pattern, "/") {
			return rule{}, fmt.Errorf("pattern %q must start with /", rc.Pattern)
		}
		out.segments = strings.Split(strings.Trim(rc.Pattern, "/"), "/")
	}

	switch {
	case st == StoreBacked && rc.Snapshot != SnapshotConversations && rc.Snapshot != SnapshotMessages:
		return rule{}, fmt.Errorf("store-backed rule needs snapshot %q or %q", SnapshotConversations, SnapshotMessages)
	case st != StoreBacked && rc.Snapshot != "":
		return rule{}, fmt.Errorf("snapshot is only valid on store-backed rules")
	case rc.Snapshot == SnapshotMessages && !strings.Contains(rc.Pattern, "{id}"):
		return rule{}, fmt.Errorf("messages snapshot needs an {id} segment in its pattern")
	}
	return out, nil
}

// Classify picks the strategy for a request.
func (r *Router) Classify(method, urlPath, accept string) Decision {
	method = strings.ToUpper(method)
	accept = strings.ToLower(accept)
	for _, rl := range r.rules {
		params, ok := rl.match(method, urlPath, accept)
		if !ok {
			continue
		}
		return Decision{Strategy: rl.strategy, Rule: rl.name, Snapshot: rl.snapshot, Params: params}
	}
	if method != "GET" && method != "HEAD" && method != "OPTIONS" {
		return Decision{Strategy: Mutation, Rule: "default"}
	}
	return Decision{Strategy: NetworkFirst, Rule: "default"}
}

func (rl rule) match(method, urlPath, accept string) (map[string]string, bool) {
	if rl.methods != nil && !rl.methods[method] {
		return nil, false
	}
	if rl.prefix != "" && !strings.HasPrefix(urlPath, rl.prefix) {
		return nil, false
	}
	if rl.extensions != nil && !rl.extensions[strings.ToLower(path.Ext(urlPath))] {
		return nil, false
	}
	if rl.accept != "" && !strings.Contains(accept, rl.accept) {
		return nil, false
	}
	if rl.segments == nil {
		return nil, true
	}
	return matchSegments(rl.segments, urlPath)
}

// matchSegments matches a slash-separated pattern where "*" matches any
// single segment and "{name}" captures one.
func matchSegments(pattern []string, urlPath string) (map[string]string, bool) {
	parts := strings.Split(strings.Trim(urlPath, "/"), "/")
	if len(parts) != len(pattern) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range pattern {
		switch {
		case seg == "*":
			if parts[i] == "" {
				return nil, false
			}
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:len(seg)-1]] = parts[i]
		case seg != parts[i]:
			return nil, false
		}
	}
	return params, true
}

// DefaultRules is the built-in rule table with the store-backed rules
// rooted at conversationsPath. Extensions list "" to match paths
// without an extension.
func DefaultRules(conversationsPath string) []config.RuleConfig {
	get := []string{"GET"}
	conversations := "/" + strings.Trim(conversationsPath, "/")
	return []config.RuleConfig{
		{Name: "static", Methods: get, Prefix: "/static/", Strategy: string(CacheFirst)},
		{Name: "assets", Methods: get, Prefix: "/assets/", Strategy: string(CacheFirst)},
		{Name: "static-files", Methods: get, Extensions: []string{".js", ".css", ".woff2", ".woff", ".png", ".svg", ".ico", ".webp"}, Strategy: string(CacheFirst)},
		{Name: "conversations", Methods: get, Pattern: conversations, Strategy: string(StoreBacked), Snapshot: SnapshotConversations},
		{Name: "messages", Methods: get, Pattern: conversations + "/{id}/messages", Strategy: string(StoreBacked), Snapshot: SnapshotMessages},
		{Name: "api-templates", Methods: get, Prefix: "/api/templates", Strategy: string(NetworkFirst)},
		{Name: "api-profile", Methods: get, Prefix: "/api/profile", Strategy: string(NetworkFirst)},
		{Name: "api-settings", Methods: get, Prefix: "/api/settings", Strategy: string(NetworkFirst)},
		{Name: "api-writes", Methods: []string{"POST", "PUT", "PATCH", "DELETE"}, Prefix: "/api/", Strategy: string(Mutation)},
		{Name: "api-reads", Methods: get, Prefix: "/api/", Strategy: string(NetworkFirst)},
		{Name: "pages", Methods: get, Accept: "text/html", Strategy: string(StaleWhileRevalidate)},
		{Name: "extensionless", Methods: get, Extensions: []string{""}, Strategy: string(StaleWhileRevalidate)},
	}
}
