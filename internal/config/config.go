// Package config resolves runtime settings from flags, ENKIDU_* environment
// variables, config.yaml in the data directory and built-in defaults, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "ENKIDU"
	FileName  = "config"
)

type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Provider  string          `mapstructure:"provider"`
	Model     string          `mapstructure:"model"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Web       WebConfig       `mapstructure:"web"`
	Server    ServerConfig    `mapstructure:"server"`
	Prompts   PromptsConfig   `mapstructure:"prompts"`
}

// EmbeddingConfig selects the embedding backend. An empty provider reuses
// the completion provider.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

type AgentConfig struct {
	MaxIterations int `mapstructure:"max_iterations"`
	HistoryLimit  int `mapstructure:"history_limit"`
}

type TimeoutConfig struct {
	Completion time.Duration `mapstructure:"completion"`
	Embedding  time.Duration `mapstructure:"embedding"`
	Web        time.Duration `mapstructure:"web"`
	Dream      time.Duration `mapstructure:"dream"`
}

type WebConfig struct {
	MaxChars int `mapstructure:"max_chars"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type PromptsConfig struct {
	Path string `mapstructure:"path"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DataDir:  DefaultDataDir(),
		Provider: "ollama",
		Agent: AgentConfig{
			MaxIterations: 6,
			HistoryLimit:  20,
		},
		Timeouts: TimeoutConfig{
			Completion: 2 * time.Minute,
			Embedding:  30 * time.Second,
			Web:        20 * time.Second,
			Dream:      10 * time.Minute,
		},
		Web:    WebConfig{MaxChars: 20000},
		Server: ServerConfig{Listen: "127.0.0.1:7777"},
	}
}

// DefaultDataDir is ~/.enkidu, or ./.enkidu when there is no home directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".enkidu"
	}
	return filepath.Join(home, ".enkidu")
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("provider", d.Provider)
	v.SetDefault("model", d.Model)
	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("agent.max_iterations", d.Agent.MaxIterations)
	v.SetDefault("agent.history_limit", d.Agent.HistoryLimit)
	v.SetDefault("timeouts.completion", d.Timeouts.Completion)
	v.SetDefault("timeouts.embedding", d.Timeouts.Embedding)
	v.SetDefault("timeouts.web", d.Timeouts.Web)
	v.SetDefault("timeouts.dream", d.Timeouts.Dream)
	v.SetDefault("web.max_chars", d.Web.MaxChars)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("prompts.path", d.Prompts.Path)
}

// Options controls Load. Flags maps viper keys to parsed flags; only flags
// set on the command line take part.
type Options struct {
	DataDir string
	Flags   map[string]*pflag.Flag
}

// Load resolves the configuration. The data directory is settled first
// (flag, then ENKIDU_DATA_DIR, then the default) because config.yaml lives
// inside it.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, f := range opts.Flags {
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = v.GetString("data_dir")
	}
	v.Set("data_dir", dataDir)

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir is empty")
	}
	switch c.Provider {
	case "ollama", "openai", "gemini", "anthropic", "cli", "stub":
	default:
		problems = append(problems, fmt.Sprintf("unknown provider %q", c.Provider))
	}
	if c.Timeouts.Completion < 0 || c.Timeouts.Embedding < 0 || c.Timeouts.Web < 0 || c.Timeouts.Dream < 0 {
		problems = append(problems, "timeouts must not be negative")
	}
	if c.Web.MaxChars < 0 {
		problems = append(problems, "web.max_chars must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EmbeddingProvider is the backend used for embeddings.
func (c Config) EmbeddingProvider() string {
	if c.Embedding.Provider != "" {
		return c.Embedding.Provider
	}
	return c.Provider
}
