// Package config loads the TOML configuration shared by the completion
// client and the reference server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ricochet1k/inlinecomplete/internal/completion"
	"github.com/ricochet1k/inlinecomplete/internal/transport"
)

const fileName = "config.toml"

type Config struct {
	Client     ClientConfig     `toml:"client"`
	Completion CompletionConfig `toml:"completion"`
	Server     ServerConfig     `toml:"server"`
}

// ClientConfig configures the transport client.
type ClientConfig struct {
	BaseURL              string        `toml:"base_url"`
	Token                string        `toml:"token"`
	AppendToken          bool          `toml:"append_token"`
	ReconnectDelay       time.Duration `toml:"reconnect_delay"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `toml:"handshake_timeout"`
}

type CompletionConfig struct {
	TriggerKind string        `toml:"trigger_kind"`
	Enabled     bool          `toml:"enabled"`
	Debounce    time.Duration `toml:"debounce"`
}

// ServerConfig configures the reference completion server.
type ServerConfig struct {
	Listen          string        `toml:"listen"`
	Token           string        `toml:"token"`
	Backend         string        `toml:"backend"`
	Model           string        `toml:"model"`
	BaseURL         string        `toml:"base_url"`
	MaxTokens       int           `toml:"max_tokens"`
	CacheTTL        time.Duration `toml:"cache_ttl"`
	StaticFragments []string      `toml:"static_fragments"`
	OpenAIAPIKey    string        `toml:"openai_api_key"`
	GeminiAPIKey    string        `toml:"gemini_api_key"`
}

// Backends the server can run.
const (
	BackendStatic = "static"
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

func Default() *Config {
	client := transport.DefaultConfig()
	return &Config{
		Client: ClientConfig{
			BaseURL:              "ws://127.0.0.1:8787",
			AppendToken:          true,
			ReconnectDelay:       client.ReconnectDelay,
			MaxReconnectAttempts: client.MaxReconnectAttempts,
			HandshakeTimeout:     client.HandshakeTimeout,
		},
		Completion: CompletionConfig{
			TriggerKind: string(completion.TriggerAny),
			Enabled:     true,
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8787",
			Backend:         BackendStatic,
			MaxTokens:       256,
			CacheTTL:        5 * time.Minute,
			StaticFragments: []string{"pass"},
		},
	}
}

// Dir returns the configuration directory.
// Resolution order: $INLINECOMPLETE_CONFIG_DIR > $XDG_CONFIG_HOME/inlinecomplete > ~/.config/inlinecomplete
func Dir() string {
	if dir := os.Getenv("INLINECOMPLETE_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "inlinecomplete")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "inlinecomplete-config")
	}
	return filepath.Join(home, ".config", "inlinecomplete")
}

// Path returns the default configuration file path.
func Path() string {
	return filepath.Join(Dir(), fileName)
}

// Load reads path over the defaults and applies environment overrides. An
// empty path means Path(). A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}

	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("load config %s: %w", path, err)
	default:
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("INLINECOMPLETE_URL"); url != "" {
		c.Client.BaseURL = url
	}
	if token := os.Getenv("INLINECOMPLETE_TOKEN"); token != "" {
		c.Client.Token = token
		c.Server.Token = token
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Server.OpenAIAPIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Server.GeminiAPIKey = key
	}
}

func (c *Config) Validate() error {
	if _, err := completion.ParseTriggerPolicy(c.Completion.TriggerKind); err != nil {
		return fmt.Errorf("completion.trigger_kind: %w", err)
	}
	switch c.Server.Backend {
	case BackendStatic, BackendOpenAI, BackendGemini:
	default:
		return fmt.Errorf("server.backend: unknown backend %q", c.Server.Backend)
	}
	if c.Client.ReconnectDelay < 0 || c.Client.HandshakeTimeout < 0 || c.Completion.Debounce < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// Transport builds the transport client configuration.
func (c *Config) Transport() (transport.Config, error) {
	url, err := transport.CompletionURL(c.Client.BaseURL, c.Client.Token, c.Client.AppendToken)
	if err != nil {
		return transport.Config{}, err
	}
	var header http.Header
	if c.Client.Token != "" && !c.Client.AppendToken {
		header = http.Header{"Authorization": []string{"token " + c.Client.Token}}
	}
	return transport.Config{
		URL:                  url,
		Header:               header,
		ReconnectDelay:       c.Client.ReconnectDelay,
		MaxReconnectAttempts: c.Client.MaxReconnectAttempts,
		HandshakeTimeout:     c.Client.HandshakeTimeout,
	}, nil
}

// Settings builds the completion provider settings.
func (c *Config) Settings() completion.Settings {
	return completion.Settings{
		TriggerKind: completion.TriggerPolicy(c.Completion.TriggerKind),
		Enabled:     c.Completion.Enabled,
		Debounce:    c.Completion.Debounce,
	}
}
