// Package runtime drives the agent loop and the chat turn built on it.
package runtime

import (
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/index"
	"github.com/felixgeelhaar/enkidu/internal/observe"
	"github.com/felixgeelhaar/enkidu/internal/prompt"
	"github.com/felixgeelhaar/enkidu/internal/provider"
	"github.com/felixgeelhaar/enkidu/internal/semantic"
	"github.com/felixgeelhaar/enkidu/internal/store"
	"github.com/felixgeelhaar/enkidu/internal/tools"
	"github.com/felixgeelhaar/enkidu/internal/ui"
	"github.com/felixgeelhaar/enkidu/internal/webfetch"
)

const (
	DefaultMaxIterations = 6
	MinIterations        = 4
	MaxIterations        = 8

	DefaultHistoryLimit    = 20
	DefaultContextLimit    = 5
	DefaultPreferenceLimit = 5
)

// Config holds the loop and context sizing.
type Config struct {
	MaxIterations   int
	HistoryLimit    int
	ContextLimit    int
	PreferenceLimit int
}

// ClampIterations applies the default and the allowed range to a
// configured iteration ceiling.
func ClampIterations(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxIterations
	case n < MinIterations:
		return MinIterations
	case n > MaxIterations:
		return MaxIterations
	}
	return n
}

func (c Config) withDefaults() Config {
	c.MaxIterations = ClampIterations(c.MaxIterations)
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = DefaultContextLimit
	}
	if c.PreferenceLimit <= 0 {
		c.PreferenceLimit = DefaultPreferenceLimit
	}
	return c
}

// Deps are the capabilities the runtime orchestrates. Semantic and Web are
// optional.
type Deps struct {
	Store     store.Storage
	Guard     *guard.Guard
	Completer provider.Completer
	Registry  *tools.Registry
	Index     *index.Cache
	Semantic  *semantic.Retriever
	Web       *webfetch.Fetcher
	Prompts   *prompt.Pack
	Observe   *observe.Observer
}

// Runtime orchestrates the execution loop.
type Runtime struct {
	store     store.Storage
	guard     *guard.Guard
	completer provider.Completer
	registry  *tools.Registry
	index     *index.Cache
	semantic  *semantic.Retriever
	web       *webfetch.Fetcher
	prompts   *prompt.Pack
	observe   *observe.Observer
	events    *EventBus
	ui        ui.UI
	cfg       Config
}

func New(d Deps, cfg Config) *Runtime {
	if d.Prompts == nil {
		d.Prompts = prompt.Default()
	}
	if d.Guard == nil {
		d.Guard = guard.New(guard.DefaultPolicy)
	}
	return &Runtime{
		store:     d.Store,
		guard:     d.Guard,
		completer: d.Completer,
		registry:  d.Registry,
		index:     d.Index,
		semantic:  d.Semantic,
		web:       d.Web,
		prompts:   d.Prompts,
		observe:   observe.OrDiscard(d.Observe),
		events:    NewEventBus(),
		ui:        ui.SilentUI{},
		cfg:       cfg.withDefaults(),
	}
}

func (r *Runtime) SetUI(u ui.UI) {
	if u != nil {
		r.ui = u
	}
}

// Events returns the bus every loop publishes to.
func (r *Runtime) Events() *EventBus { return r.events }

// Registry returns the full tool registry.
func (r *Runtime) Registry() *tools.Registry { return r.registry }

// Store returns the record store.
func (r *Runtime) Store() store.Storage { return r.store }

// Prompts returns the active prompt pack.
func (r *Runtime) Prompts() *prompt.Pack { return r.prompts }

// Observer returns the runtime's observer.
func (r *Runtime) Observer() *observe.Observer { return r.observe }

// Config returns the effective configuration.
func (r *Runtime) Config() Config { return r.cfg }

// Invalidate drops the retrieval caches after a write.
func (r *Runtime) Invalidate() {
	if r.index != nil {
		r.index.Invalidate()
	}
	if r.semantic != nil {
		r.semantic.Invalidate()
	}
}
