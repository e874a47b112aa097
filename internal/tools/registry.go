// Package tools is the closed set of operations the agent may request. Every
// call is validated before it reaches the store; mutating calls are secret
// screened and, in sandbox mode, checked against the writable roots.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/felixgeelhaar/enkidu/internal/errs"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/index"
	"github.com/felixgeelhaar/enkidu/internal/observe"
	"github.com/felixgeelhaar/enkidu/internal/semantic"
	"github.com/felixgeelhaar/enkidu/internal/store"
	"github.com/felixgeelhaar/enkidu/internal/webfetch"
)

// Kind identifies a tool.
type Kind int

const (
	SearchRecords Kind = iota + 1
	GetRecord
	CreateRecord
	UpdateRecord
	DeleteRecord
	DeleteThread
	UpsertTagged
	RelatedByText
	RelatedToRecord
	FindDuplicates
	WebFetch
	RelatedToRecent
)

var kindNames = map[Kind]string{
	SearchRecords:   "search_records",
	GetRecord:       "get_record",
	CreateRecord:    "create_record",
	UpdateRecord:    "update_record",
	DeleteRecord:    "delete_record",
	DeleteThread:    "delete_thread",
	UpsertTagged:    "upsert_tagged",
	RelatedByText:   "related_by_text",
	RelatedToRecord: "related_to_record",
	FindDuplicates:  "find_duplicates",
	WebFetch:        "web_fetch",
	RelatedToRecent: "related_to_recent_record",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("tool(%d)", int(k))
}

// ParseKind maps a tool name to its Kind.
func ParseKind(name string) (Kind, bool) {
	name = strings.TrimSpace(name)
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Spec is a manifest entry.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Required    []string       `json:"required,omitempty"`
	Mutating    bool           `json:"mutating"`
	CountOnly   bool           `json:"count_only,omitempty"`
}

// Changes lists the record ids a call wrote.
type Changes struct {
	Created []string `json:"created,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
}

func (c Changes) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

type handler func(ctx context.Context, args json.RawMessage) (any, Changes, error)

// Deps are the capabilities the tools operate on. Semantic and Web may be
// nil; the tools that need them then report a validation error.
type Deps struct {
	Store    store.Storage
	Guard    *guard.Guard
	Layout   guard.Layout
	Index    *index.Cache
	Semantic *semantic.Retriever
	Web      *webfetch.Fetcher
	Observe  *observe.Observer
}

// Registry holds the handler table. Views derived from it share the
// handlers but differ in the allowed subset and the write policy.
type Registry struct {
	deps     Deps
	specs    map[Kind]Spec
	handlers map[Kind]handler

	allowed      map[Kind]bool
	sandbox      bool
	allowSecrets bool
}

// New registers every tool.
func New(d Deps) *Registry {
	d.Observe = observe.OrDiscard(d.Observe)
	if d.Guard == nil {
		d.Guard = guard.New(guard.ForDataDir(d.Layout.DataDir(), guard.DefaultPolicy))
	}
	r := &Registry{
		deps:     d,
		specs:    make(map[Kind]Spec),
		handlers: make(map[Kind]handler),
	}
	r.registerRecordTools()
	r.registerRetrievalTools()
	r.registerWebTools()

	r.allowed = make(map[Kind]bool, len(r.handlers))
	for k := range r.handlers {
		r.allowed[k] = true
	}
	return r
}

func (r *Registry) register(k Kind, spec Spec, h handler) {
	spec.Name = k.String()
	r.specs[k] = spec
	r.handlers[k] = h
}

func (r *Registry) clone() *Registry {
	c := *r
	c.allowed = make(map[Kind]bool, len(r.allowed))
	for k, v := range r.allowed {
		c.allowed[k] = v
	}
	return &c
}

// Without returns a view that refuses the given tools.
func (r *Registry) Without(kinds ...Kind) *Registry {
	c := r.clone()
	for _, k := range kinds {
		delete(c.allowed, k)
	}
	return c
}

// Sandboxed returns a view whose mutating tools must pass the guard's
// writable root and protected path checks.
func (r *Registry) Sandboxed() *Registry {
	c := r.clone()
	c.sandbox = true
	return c
}

// WithAllowSecrets returns a view that skips the secret screen.
func (r *Registry) WithAllowSecrets(allow bool) *Registry {
	c := r.clone()
	c.allowSecrets = allow
	return c
}

// Allowed reports whether name is callable through this view.
func (r *Registry) Allowed(name string) bool {
	k, ok := ParseKind(name)
	return ok && r.allowed[k]
}

// IsMutating reports whether name is a write tool.
func (r *Registry) IsMutating(name string) bool {
	k, ok := ParseKind(name)
	return ok && r.specs[k].Mutating
}

// Manifest returns the allowed tools sorted by name.
func (r *Registry) Manifest() []Spec {
	out := make([]Spec, 0, len(r.allowed))
	for k := range r.allowed {
		out = append(out, r.specs[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ManifestText renders the manifest for a system prompt.
func (r *Registry) ManifestText() string {
	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, s := range r.Manifest() {
		schema, _ := json.Marshal(map[string]any{
			"type":       "object",
			"properties": s.Parameters,
			"required":   s.Required,
		})
		fmt.Fprintf(&sb, "- %s: %s\n  args: %s\n", s.Name, s.Description, schema)
	}
	sb.WriteString("\nTool calling rules:\n")
	sb.WriteString("- Call at most one tool at a time, then wait for its result.\n")
	sb.WriteString("- Keep args small and only include needed fields.\n")
	return sb.String()
}

// Execute validates and runs one call. Unknown or disallowed names are
// protocol errors. The registry never retries.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (any, Changes, error) {
	k, ok := ParseKind(name)
	if !ok {
		return nil, Changes{}, &errs.ProtocolError{Message: fmt.Sprintf("unknown tool %q", name)}
	}
	if !r.allowed[k] {
		return nil, Changes{}, &errs.ProtocolError{Message: fmt.Sprintf("tool %q is not available here", name)}
	}

	ctx, span := r.deps.Observe.StartSpan(ctx, "tool."+k.String())
	defer span.End()

	payload, changes, err := r.handlers[k](ctx, args)
	if err != nil {
		return nil, Changes{}, err
	}
	if !changes.Empty() {
		r.invalidate()
	}
	return payload, changes, nil
}

func (r *Registry) invalidate() {
	if r.deps.Index != nil {
		r.deps.Index.Invalidate()
	}
	if r.deps.Semantic != nil {
		r.deps.Semantic.Invalidate()
	}
}

// checkWrite runs the secret screen and, in sandbox mode, the location
// checks for every location a write touches.
func (r *Registry) checkWrite(texts []string, locations ...string) error {
	if !r.allowSecrets {
		if err := r.deps.Guard.ScreenSecrets(texts...); err != nil {
			return err
		}
	}
	if r.sandbox {
		for _, loc := range locations {
			if err := r.deps.Guard.CheckMutation(loc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) location(rec *store.Record) string {
	return r.deps.Layout.Location(rec.ID, rec.ThreadID, rec.Tags)
}
