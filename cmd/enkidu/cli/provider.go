package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/felixgeelhaar/enkidu/internal/provider"
)

// secret reads a configuration value, decrypting sealed credentials.
func (e *env) secret(key string) string {
	v, err := e.creds.Get(e.store, key)
	if err != nil {
		e.obs.Log().Warn().Err(err).Str("key", key).Msg("failed to read credential")
		return ""
	}
	return v
}

// newCompleter builds the configured completion provider, bounded by the
// completion timeout.
func newCompleter(e *env) (provider.Completer, error) {
	model := e.cfg.Model
	var (
		c   provider.Completer
		err error
	)
	switch e.cfg.Provider {
	case "openai":
		c, err = provider.NewOpenAIProvider(e.secret("openai.api_key"), e.secret("openai.base_url"), model)
	case "ollama":
		c, err = provider.NewOllamaProvider(model)
	case "gemini":
		c, err = provider.NewGeminiProvider(e.secret("gemini.api_key"), model)
	case "anthropic":
		c, err = provider.NewAnthropicProvider(e.secret("anthropic.api_key"), e.secret("anthropic.base_url"), model)
	case "cli":
		c, err = detectCLIProvider(e)
	case "stub":
		c = provider.NewStubProvider()
	default:
		return nil, fmt.Errorf("unknown provider %q", e.cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s provider: %w", e.cfg.Provider, err)
	}
	return provider.WithTimeout(c, e.cfg.Timeouts.Completion), nil
}

// newEmbedder builds the embedding backend. Providers without embeddings
// (anthropic, cli) return nil.
func newEmbedder(e *env) (provider.Embedder, error) {
	model := e.cfg.Embedding.Model
	var (
		emb provider.Embedder
		err error
	)
	switch e.cfg.EmbeddingProvider() {
	case "openai":
		var p *provider.OpenAIProvider
		if p, err = provider.NewOpenAIProvider(e.secret("openai.api_key"), e.secret("openai.base_url"), ""); err == nil {
			emb = p.WithEmbeddingModel(model)
		}
	case "ollama":
		var p *provider.OllamaProvider
		if p, err = provider.NewOllamaProvider(""); err == nil {
			emb = p.WithEmbeddingModel(model)
		}
	case "gemini":
		var p *provider.GeminiProvider
		if p, err = provider.NewGeminiProvider(e.secret("gemini.api_key"), ""); err == nil {
			emb = p.WithEmbeddingModel(model)
		}
	case "stub":
		emb = provider.NewStubProvider()
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return provider.EmbedWithTimeout(emb, e.cfg.Timeouts.Embedding), nil
}

// detectCLIProvider uses provider.cli.path when set, else the first known
// agent binary on PATH.
func detectCLIProvider(e *env) (provider.Completer, error) {
	if path, _ := e.store.GetConfig("provider.cli.path"); path != "" {
		var args []string
		if raw, _ := e.store.GetConfig("provider.cli.args"); raw != "" {
			args = strings.Fields(raw)
		}
		return provider.NewCLIProvider(path, args)
	}

	candidates := []string{"claude", "codex", "gemini", "llm"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return provider.NewCLIProvider(path, nil)
		}
	}
	return nil, fmt.Errorf("no local CLI agents detected (tried %s)", strings.Join(candidates, ", "))
}
