// Package config loads the server configuration from a TOML file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Pratyay/agent-studio/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTSTUDIO_"

// Config is the server configuration.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Logging   LoggingConfig   `toml:"logging"`
	Loader    LoaderConfig    `toml:"loader"`
	Remote    RemoteConfig    `toml:"remote"`
	Manifests ManifestsConfig `toml:"manifests"`
	Callbacks CallbacksConfig `toml:"callbacks"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Tools     ToolsConfig     `toml:"tools"`
	LLM       LLMConfig       `toml:"llm"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Backend    string `toml:"backend"` // memory, nats, sqlite
	NATSURL    string `toml:"nats_url"`
	Bucket     string `toml:"bucket"`
	SQLitePath string `toml:"sqlite_path"`
	BufferSize int    `toml:"buffer_size"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console, json
}

// LoaderConfig configures the module loader hosts.
type LoaderConfig struct {
	Hosts       []string      `toml:"hosts"` // builtin, exec
	InitTimeout time.Duration `toml:"init_timeout"`
	GracePeriod time.Duration `toml:"grace_period"`
}

// RemoteConfig configures remote agent connections.
type RemoteConfig struct {
	Timeout       time.Duration `toml:"timeout"`
	ReconnectCron string        `toml:"reconnect_cron"`
	Agents        []string      `toml:"agents"` // URLs added at boot
	ClientName    string        `toml:"client_name"`
}

// ManifestsConfig configures the manifest watcher. An empty Dir disables it.
type ManifestsConfig struct {
	Dir      string        `toml:"dir"`
	Debounce time.Duration `toml:"debounce"`
}

// CallbacksConfig configures the built-in callbacks.
type CallbacksConfig struct {
	RateLimit  int           `toml:"rate_limit"`
	RateWindow time.Duration `toml:"rate_window"`
	PolicyFile string        `toml:"policy_file"`
	Seed       bool          `toml:"seed"`
}

// TelemetryConfig configures OTLP export. An empty Endpoint disables it.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"`
	Protocol string `toml:"protocol"` // grpc, http
	Insecure bool   `toml:"insecure"`
	Debug    bool   `toml:"debug"`
}

// ToolsConfig configures the MCP tool server registry.
type ToolsConfig struct {
	Servers         []ToolServer  `toml:"servers"`
	RefreshInterval time.Duration `toml:"refresh_interval"`
}

// ToolServer is a tool server registered at boot.
type ToolServer struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Endpoint    string `toml:"endpoint"`
}

// LLMConfig points at the API key credentials for llm units.
type LLMConfig struct {
	CredentialsFile string `toml:"credentials_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:    "memory",
			NATSURL:    "nats://127.0.0.1:4222",
			Bucket:     "agent-studio",
			SQLitePath: "agentstudio.db",
			BufferSize: 256,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Loader: LoaderConfig{
			Hosts:       []string{"builtin", "exec"},
			InitTimeout: 10 * time.Second,
			GracePeriod: 3 * time.Second,
		},
		Remote: RemoteConfig{
			Timeout:       60 * time.Second,
			ReconnectCron: "@every 5m",
			ClientName:    "agent-studio",
		},
		Manifests: ManifestsConfig{Debounce: 500 * time.Millisecond},
		Callbacks: CallbacksConfig{
			RateLimit:  10,
			RateWindow: 60 * time.Second,
			Seed:       true,
		},
		Telemetry: TelemetryConfig{Protocol: "grpc"},
		Tools:     ToolsConfig{RefreshInterval: 5 * time.Minute},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decoding config", errors.WithMetadata("path", path))
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, errors.InvalidInput("unknown config keys", errors.WithMetadata("keys", strings.Join(keys, ",")))
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from AGENTSTUDIO_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("STORE_BACKEND", &c.Store.Backend)
	str("NATS_URL", &c.Store.NATSURL)
	str("SQLITE_PATH", &c.Store.SQLitePath)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("MANIFEST_DIR", &c.Manifests.Dir)
	str("OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	str("CREDENTIALS_FILE", &c.LLM.CredentialsFile)

	if v, ok := lookup(EnvPrefix + "REMOTE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.InvalidInput("invalid "+EnvPrefix+"REMOTE_TIMEOUT", errors.WithMetadata("value", v))
		}
		c.Remote.Timeout = d
	}
	if v, ok := lookup(EnvPrefix + "RATE_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.InvalidInput("invalid "+EnvPrefix+"RATE_LIMIT", errors.WithMetadata("value", v))
		}
		c.Callbacks.RateLimit = n
	}
	if v, ok := lookup(EnvPrefix + "REMOTE_AGENTS"); ok && v != "" {
		c.Remote.Agents = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "nats":
		if c.Store.NATSURL == "" {
			return errors.InvalidInput("store.nats_url is required for the nats backend")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.InvalidInput("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return errors.InvalidInput("store.backend must be memory, nats or sqlite", errors.WithMetadata("backend", c.Store.Backend))
	}
	if c.Store.BufferSize < 0 {
		return errors.InvalidInput("store.buffer_size must not be negative")
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return errors.InvalidInput("logging.format must be console or json", errors.WithMetadata("format", c.Logging.Format))
	}

	for _, h := range c.Loader.Hosts {
		if h != "builtin" && h != "exec" {
			return errors.InvalidInput("unknown loader host", errors.WithMetadata("host", h))
		}
	}

	if c.Remote.Timeout <= 0 {
		return errors.InvalidInput("remote.timeout must be positive")
	}
	if c.Manifests.Debounce < 0 {
		return errors.InvalidInput("manifests.debounce must not be negative")
	}
	if c.Callbacks.RateLimit < 0 || c.Callbacks.RateWindow < 0 {
		return errors.InvalidInput("callbacks rate limit settings must not be negative")
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return errors.InvalidInput("telemetry.protocol must be grpc or http", errors.WithMetadata("protocol", c.Telemetry.Protocol))
	}

	for _, s := range c.Tools.Servers {
		if s.Name == "" || s.Endpoint == "" {
			return errors.InvalidInput("tools.servers entries need name and endpoint")
		}
	}
	return nil
}

// HostEnabled reports whether the loader host for scheme is enabled.
func (c *Config) HostEnabled(scheme string) bool {
	for _, h := range c.Loader.Hosts {
		if h == scheme {
			return true
		}
	}
	return false
}
