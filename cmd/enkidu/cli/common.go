package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/felixgeelhaar/enkidu/internal/config"
	"github.com/felixgeelhaar/enkidu/internal/credential"
	"github.com/felixgeelhaar/enkidu/internal/dream"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/index"
	"github.com/felixgeelhaar/enkidu/internal/observe"
	"github.com/felixgeelhaar/enkidu/internal/prompt"
	"github.com/felixgeelhaar/enkidu/internal/provider"
	"github.com/felixgeelhaar/enkidu/internal/runtime"
	"github.com/felixgeelhaar/enkidu/internal/semantic"
	"github.com/felixgeelhaar/enkidu/internal/store"
	"github.com/felixgeelhaar/enkidu/internal/tools"
	"github.com/felixgeelhaar/enkidu/internal/vault"
	"github.com/felixgeelhaar/enkidu/internal/webfetch"
)

// flagKeys maps config keys to the flags that may override them.
var flagKeys = map[string]string{
	"provider":      "provider",
	"model":         "model",
	"prompts.path":  "prompts",
	"server.listen": "listen",
}

// env is the store-level wiring every command needs.
type env struct {
	cfg    *config.Config
	obs    *observe.Observer
	layout guard.Layout
	guard  *guard.Guard
	store  *store.SQLiteStore
	creds  *credential.Manager
	index  *index.Cache
}

// app adds providers and the runtime on top of env.
type app struct {
	*env
	completer provider.Completer
	embedder  provider.Embedder
	semantic  *semantic.Retriever
	web       *webfetch.Fetcher
	registry  *tools.Registry
	rt        *runtime.Runtime
}

func (g *globalFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := make(map[string]*pflag.Flag, len(flagKeys))
	for key, name := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			flags[key] = f
		}
	}
	return config.Load(config.Options{DataDir: g.dataDir, Flags: flags})
}

func (g *globalFlags) observer(out io.Writer) *observe.Observer {
	if g.json {
		return observe.NewJSON(out, g.verbose)
	}
	return observe.New(out, g.verbose)
}

// openEnv loads the configuration and opens the store.
func (g *globalFlags) openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	obs := g.observer(cmd.ErrOrStderr())

	layout := guard.NewLayout(cfg.DataDir)
	s, err := store.NewSQLiteStore(layout.DatabasePath())
	if err != nil {
		obs.Close()
		return nil, err
	}
	creds, err := credential.NewManager()
	if err != nil {
		s.Close()
		obs.Close()
		return nil, err
	}

	return &env{
		cfg:    cfg,
		obs:    obs,
		layout: layout,
		guard:  guard.New(guard.ForDataDir(cfg.DataDir, guard.Policy{MaxIterations: cfg.Agent.MaxIterations})),
		store:  s,
		creds:  creds,
		index:  index.NewCache(s, layout, obs),
	}, nil
}

func (e *env) Close() {
	e.store.Close()
	e.obs.Close()
}

// tools builds a registry without retrieval or web backends, for commands
// that only write records.
func (e *env) tools() *tools.Registry {
	return tools.New(tools.Deps{
		Store:   e.store,
		Guard:   e.guard,
		Layout:  e.layout,
		Index:   e.index,
		Observe: e.obs,
	})
}

// dreamPass builds the maintenance pass with the configured pass timeout.
func (a *app) dreamPass() *dream.Pass {
	p := dream.New(a.rt)
	p.Timeout = a.cfg.Timeouts.Dream
	return p
}

func (e *env) vault() *vault.Vault {
	return vault.New(e.store, e.layout, e.guard, e.obs)
}

// openApp wires providers, tools and the runtime. Embeddings are optional:
// when no embedder can be built, retrieval uses the token index alone.
func (g *globalFlags) openApp(cmd *cobra.Command) (*app, error) {
	e, err := g.openEnv(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{env: e}

	a.completer, err = newCompleter(e)
	if err != nil {
		e.Close()
		return nil, err
	}
	a.embedder, err = newEmbedder(e)
	if err != nil {
		e.obs.Log().Warn().Err(err).Str("provider", e.cfg.EmbeddingProvider()).Msg("embeddings unavailable")
	}
	if a.embedder != nil {
		a.semantic = semantic.New(a.embedder, e.store, e.index, e.obs)
	}

	a.web = webfetch.New(Version)
	if e.cfg.Web.MaxChars > 0 {
		a.web.MaxChars = e.cfg.Web.MaxChars
	}
	if e.cfg.Timeouts.Web > 0 {
		a.web.Timeout = e.cfg.Timeouts.Web
	}

	pack, err := prompt.Load(e.cfg.Prompts.Path)
	if err != nil {
		e.Close()
		return nil, err
	}
	res := prompt.Validate(*pack)
	for _, w := range res.Warnings {
		e.obs.Log().Warn().Str("prompts", e.cfg.Prompts.Path).Msg(w)
	}
	if !res.Valid {
		e.Close()
		return nil, fmt.Errorf("invalid prompt pack: %s", strings.Join(res.Errors, "; "))
	}

	a.registry = tools.New(tools.Deps{
		Store:    e.store,
		Guard:    e.guard,
		Layout:   e.layout,
		Index:    e.index,
		Semantic: a.semantic,
		Web:      a.web,
		Observe:  e.obs,
	})
	a.rt = runtime.New(runtime.Deps{
		Store:     e.store,
		Guard:     e.guard,
		Completer: a.completer,
		Registry:  a.registry,
		Index:     e.index,
		Semantic:  a.semantic,
		Web:       a.web,
		Prompts:   pack,
		Observe:   e.obs,
	}, runtime.Config{
		MaxIterations: e.cfg.Agent.MaxIterations,
		HistoryLimit:  e.cfg.Agent.HistoryLimit,
	})
	return a, nil
}

// readInput joins args, or reads stdin when there are none.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return string(data), nil
}
