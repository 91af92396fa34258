package please

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	defaults "github.com/please-sh/please/default"
)

// Config represents the user's please configuration.
type Config struct {
	Version int          `toml:"version"`
	Hub     HubConfig    `toml:"hub"`
	Engine  EngineConfig `toml:"engine"`
	Client  ClientConfig `toml:"client"`
}

// HubConfig holds settings for the hub process.
type HubConfig struct {
	Socket           string   `toml:"socket"`
	SocketMode       string   `toml:"socket_mode"`
	MaxSessions      int      `toml:"max_sessions"`
	EngineSlots      int      `toml:"engine_slots"`
	StallTimeout     Duration `toml:"stall_timeout"`
	CancelGrace      Duration `toml:"cancel_grace"`
	ShutdownGrace    Duration `toml:"shutdown_grace"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	MaxFrameBytes    int      `toml:"max_frame_bytes"`
}

// EngineConfig holds settings for the inference engine behind the hub.
type EngineConfig struct {
	// Kind selects the engine: "openai" or "echo".
	Kind        string   `toml:"kind"`
	BaseURL     string   `toml:"base_url"`
	APIKey      string   `toml:"api_key"`
	Model       string   `toml:"model"`
	MaxTokens   int      `toml:"max_tokens"`
	Temperature float64  `toml:"temperature"`
	Stop        []string `toml:"stop"`
	// RelevantCommands is how many history commands the prompt keeps,
	// ranked by similarity to the request.
	RelevantCommands int `toml:"relevant_commands"`
}

// ClientConfig holds settings for the invoking side.
type ClientConfig struct {
	Autostart       bool     `toml:"autostart"`
	ConnectTimeout  Duration `toml:"connect_timeout"`
	HistoryCommands int      `toml:"history_commands"`
}

// Duration is a time.Duration written as a string ("2s", "500ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ConfigDir returns the config directory path.
// Resolution order: $PLEASE_CONFIG_DIR > $XDG_CONFIG_HOME/please > ~/.config/please
func ConfigDir() string {
	if dir := os.Getenv("PLEASE_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "please")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "please-config")
	}
	return filepath.Join(home, ".config", "please")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// PromptPath returns the custom system prompt path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// DefaultConfig returns the default configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.Decode(defaults.DefaultConfigTOML, &cfg); err != nil {
		panic("please: invalid embedded default_config.toml: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from ConfigPath, or returns defaults if the file
// does not exist.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile decodes the file at path over the defaults. Keys absent from
// the file keep their default values.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	// Non-positive limits are treated as unset.
	def := DefaultConfig()
	if cfg.Hub.MaxSessions <= 0 {
		cfg.Hub.MaxSessions = def.Hub.MaxSessions
	}
	if cfg.Hub.EngineSlots <= 0 {
		cfg.Hub.EngineSlots = def.Hub.EngineSlots
	}
	if cfg.Hub.MaxFrameBytes <= 0 {
		cfg.Hub.MaxFrameBytes = def.Hub.MaxFrameBytes
	}
	for _, d := range []struct{ v, def *Duration }{
		{&cfg.Hub.StallTimeout, &def.Hub.StallTimeout},
		{&cfg.Hub.CancelGrace, &def.Hub.CancelGrace},
		{&cfg.Hub.ShutdownGrace, &def.Hub.ShutdownGrace},
		{&cfg.Hub.HandshakeTimeout, &def.Hub.HandshakeTimeout},
		{&cfg.Client.ConnectTimeout, &def.Client.ConnectTimeout},
	} {
		if d.v.Duration <= 0 {
			*d.v = *d.def
		}
	}
	if cfg.Engine.Kind == "" {
		cfg.Engine.Kind = def.Engine.Kind
	}
	if cfg.Hub.SocketMode == "" {
		cfg.Hub.SocketMode = def.Hub.SocketMode
	}

	return cfg, nil
}

// sunPathMax is the smallest sun_path limit among supported platforms (macOS).
const sunPathMax = 104

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	if _, err := ParseSocketMode(cfg.Hub.SocketMode); err != nil {
		warnings = append(warnings, err.Error())
	}
	if cfg.Hub.EngineSlots > cfg.Hub.MaxSessions {
		warnings = append(warnings, fmt.Sprintf("engine_slots (%d) exceeds max_sessions (%d); extra slots are never used", cfg.Hub.EngineSlots, cfg.Hub.MaxSessions))
	}
	if cfg.Hub.CancelGrace.Duration > cfg.Hub.ShutdownGrace.Duration {
		warnings = append(warnings, "cancel_grace is longer than shutdown_grace; a forced shutdown may outlast shutdown_grace")
	}
	switch cfg.Engine.Kind {
	case "openai":
		if ResolveEngineBaseURL(cfg) == "" {
			warnings = append(warnings, "engine kind is openai but base_url is empty")
		}
	case "echo":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown engine kind %q", cfg.Engine.Kind))
	}
	if path := ResolveSocketPath(cfg); len(path) >= sunPathMax {
		warnings = append(warnings, fmt.Sprintf("socket path %s is %d bytes; some platforms reject paths of %d bytes or more", path, len(path), sunPathMax))
	}
	return warnings
}

// ParseSocketMode parses an octal permission string such as "0600".
func ParseSocketMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o777 {
		return 0, fmt.Errorf("invalid socket_mode %q: want an octal permission like \"0600\"", s)
	}
	return os.FileMode(v), nil
}

// ResolveSocketMode returns the configured socket mode, falling back to 0600
// when it does not parse.
func ResolveSocketMode(cfg *Config) os.FileMode {
	if cfg != nil {
		if mode, err := ParseSocketMode(cfg.Hub.SocketMode); err == nil {
			return mode
		}
	}
	return 0o600
}

// ResolveSocketPath returns the rendezvous socket path. Both the hub and its
// clients call it, so they agree without any other coordination.
// Priority: $PLEASE_SOCKET env > config value > ConfigDir()/hub.sock.
func ResolveSocketPath(cfg *Config) string {
	if path := os.Getenv("PLEASE_SOCKET"); path != "" {
		return path
	}
	if cfg != nil && cfg.Hub.Socket != "" {
		return expandHome(cfg.Hub.Socket)
	}
	return filepath.Join(ConfigDir(), "hub.sock")
}

// ResolveEngineBaseURL returns the engine API base URL.
// Priority: $PLEASE_ENGINE_BASE_URL env > config value.
func ResolveEngineBaseURL(cfg *Config) string {
	if url := os.Getenv("PLEASE_ENGINE_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Engine.BaseURL
	}
	return ""
}

// ResolveEngineAPIKey returns the engine API key.
// Priority: $PLEASE_ENGINE_API_KEY env > config value.
func ResolveEngineAPIKey(cfg *Config) string {
	if key := os.Getenv("PLEASE_ENGINE_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Engine.APIKey
	}
	return ""
}

// ResolveEngineModel returns the engine model name.
// Priority: $PLEASE_ENGINE_MODEL env > config value.
func ResolveEngineModel(cfg *Config) string {
	if model := os.Getenv("PLEASE_ENGINE_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Engine.Model
	}
	return ""
}

// AutostartEnabled reports whether a client should spawn a hub when none is
// listening. $PLEASE_SPAWN_HUB ("1", "true", "0", "false") overrides config.
func AutostartEnabled(cfg *Config) bool {
	if v := os.Getenv("PLEASE_SPAWN_HUB"); v != "" {
		on, err := strconv.ParseBool(v)
		return err == nil && on
	}
	return cfg != nil && cfg.Client.Autostart
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
