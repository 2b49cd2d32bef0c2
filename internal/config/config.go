package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultServerURL is where agents dial the hub.
// Override at build time with: go build -ldflags "-X github.com/claraverse/tabrelay/internal/config.DefaultServerURL=ws://hub:8765"
var DefaultServerURL = "ws://localhost:8765"

// Config represents the application configuration
type Config struct {
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Agent   AgentConfig   `yaml:"agent" mapstructure:"agent"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // text or json
}

// ServerConfig holds settings for `tabrelay serve`.
type ServerConfig struct {
	HubListen      string        `yaml:"hub_listen" mapstructure:"hub_listen"`
	HTTPListen     string        `yaml:"http_listen" mapstructure:"http_listen"`
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`
	Debug          bool          `yaml:"debug" mapstructure:"debug"`
	// Ingress rate limit per session for /ws-message, events per second.
	IngressRate  float64 `yaml:"ingress_rate" mapstructure:"ingress_rate"`
	IngressBurst int     `yaml:"ingress_burst" mapstructure:"ingress_burst"`
}

// AgentConfig holds settings for `tabrelay agent`.
type AgentConfig struct {
	ServerURL      string        `yaml:"server_url" mapstructure:"server_url"`
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`
	UnsafeMode     bool          `yaml:"unsafe_mode" mapstructure:"unsafe_mode"`
	FakeBrowser    bool          `yaml:"fake_browser" mapstructure:"fake_browser"`
	DevToolsURL    string        `yaml:"devtools_url,omitempty" mapstructure:"devtools_url"`
	Headless       bool          `yaml:"headless" mapstructure:"headless"`
	ChromePath     string        `yaml:"chrome_path,omitempty" mapstructure:"chrome_path"`
	MetricsListen  string        `yaml:"metrics_listen,omitempty" mapstructure:"metrics_listen"`
}

// HistoryConfig selects the command history sink.
type HistoryConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"` // none, sqlite, mysql, redis, mongo
	DSN       string `yaml:"dsn,omitempty" mapstructure:"dsn"`
	Database  string `yaml:"database,omitempty" mapstructure:"database"` // mongo only
	QueueSize int    `yaml:"queue_size" mapstructure:"queue_size"`
}

var (
	configPath string
	configDir  string
)

func init() {
	if dir := os.Getenv("TABRELAY_HOME"); dir != "" {
		SetDir(dir)
		return
	}
	// When running under sudo, os.UserHomeDir() returns /root.
	// Check SUDO_USER to resolve the real user's home directory.
	var home string
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			home = u.HomeDir
		}
	}
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
	}
	SetDir(filepath.Join(home, ".tabrelay"))
}

// SetDir points the config directory somewhere else.
func SetDir(dir string) {
	configDir = dir
	configPath = filepath.Join(dir, "config.yaml")
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	return configPath
}

// GetConfigDir returns the config directory
func GetConfigDir() string {
	return configDir
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			HubListen:      ":8765",
			HTTPListen:     ":3000",
			CommandTimeout: 5 * time.Second,
			IngressRate:    20,
			IngressBurst:   40,
		},
		Agent: AgentConfig{
			ServerURL:      DefaultServerURL,
			CommandTimeout: 30 * time.Second,
			Headless:       true,
		},
		History: HistoryConfig{Driver: "none", QueueSize: 256},
	}
}

// Load loads the configuration from file, creating it with defaults on
// first use. A .env file in the working directory is honoured.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("ignoring unreadable .env", "error", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(Default()); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return decode(v)
}

// Save saves the configuration to file
func Save(cfg *Config) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Watch calls onChange with the reloaded config whenever the file changes.
// Reloads that fail to parse are logged and skipped.
func Watch(onChange func(*Config)) error {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("config reload failed", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("server.hub_listen", d.Server.HubListen)
	v.SetDefault("server.http_listen", d.Server.HTTPListen)
	v.SetDefault("server.command_timeout", d.Server.CommandTimeout)
	v.SetDefault("server.debug", d.Server.Debug)
	v.SetDefault("server.ingress_rate", d.Server.IngressRate)
	v.SetDefault("server.ingress_burst", d.Server.IngressBurst)
	v.SetDefault("agent.server_url", d.Agent.ServerURL)
	v.SetDefault("agent.command_timeout", d.Agent.CommandTimeout)
	v.SetDefault("agent.unsafe_mode", d.Agent.UnsafeMode)
	v.SetDefault("agent.fake_browser", d.Agent.FakeBrowser)
	v.SetDefault("agent.devtools_url", d.Agent.DevToolsURL)
	v.SetDefault("agent.headless", d.Agent.Headless)
	v.SetDefault("agent.chrome_path", d.Agent.ChromePath)
	v.SetDefault("agent.metrics_listen", d.Agent.MetricsListen)
	v.SetDefault("history.driver", d.History.Driver)
	v.SetDefault("history.dsn", d.History.DSN)
	v.SetDefault("history.database", d.History.Database)
	v.SetDefault("history.queue_size", d.History.QueueSize)

	v.SetEnvPrefix("TABRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by existing extension deployments.
	v.BindEnv("agent.server_url", "TABRELAY_AGENT_SERVER_URL", "BROWSER_MCP_DAEMON_URL")
	v.BindEnv("server.debug", "TABRELAY_SERVER_DEBUG", "BROWSER_MCP_ENABLE_DEBUG")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadInstanceID returns the persisted endpoint instance id, generating and
// saving one on first use.
func LoadInstanceID() (string, error) {
	path := filepath.Join(configDir, "instance_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read instance id: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to save instance id: %w", err)
	}
	return id, nil
}
