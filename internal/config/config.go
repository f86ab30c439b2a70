// Package config provides configuration types, defaults, and the MCP
// server registry for fleet.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ServerEntry describes one spawnable MCP server: the id clients name in
// spawn commands and the command line that starts a worker for it.
type ServerEntry struct {
	ID      string   `mapstructure:"id" yaml:"id" json:"id"`
	Name    string   `mapstructure:"name" yaml:"name" json:"name"`
	Command string   `mapstructure:"command" yaml:"command" json:"command"`
	Args    []string `mapstructure:"args" yaml:"args,omitempty" json:"args,omitempty"`
}

// ServerConfig holds the WebSocket listener settings.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	Path              string        `mapstructure:"path"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// WorkerConfig holds child-process lifecycle settings.
type WorkerConfig struct {
	// KillTimeout is how long a worker gets between SIGTERM and SIGKILL.
	KillTimeout time.Duration `mapstructure:"kill_timeout"`

	// ShutdownTimeout bounds the graceful-shutdown wait for all workers.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ClientConfig holds control-client settings.
type ClientConfig struct {
	// LogBuffer is the per-worker ring buffer capacity on the client side.
	LogBuffer int `mapstructure:"log_buffer"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether task spans are recorded. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp". Default: "file".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: ~/.config/fleet/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for fleet.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Client  ClientConfig  `mapstructure:"client"`
	Servers []ServerEntry `mapstructure:"servers"`
	Tracing TracingConfig `mapstructure:"tracing"`
	LogPath string        `mapstructure:"log_path"`
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/fleet/traces/traces.jsonl or empty string if the home
// dir is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fleet", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:              3001,
			Path:              "/fleet",
			HeartbeatInterval: 30 * time.Second,
		},
		Worker: WorkerConfig{
			KillTimeout:     5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			LogBuffer: 500,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors. Empty values fall back to
// defaults and are not an error.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535, got %d", c.Server.Port)
	}
	if c.Server.HeartbeatInterval < 0 {
		return fmt.Errorf("server.heartbeat_interval must not be negative, got %v", c.Server.HeartbeatInterval)
	}
	if c.Worker.KillTimeout < 0 {
		return fmt.Errorf("worker.kill_timeout must not be negative, got %v", c.Worker.KillTimeout)
	}
	if c.Worker.ShutdownTimeout < 0 {
		return fmt.Errorf("worker.shutdown_timeout must not be negative, got %v", c.Worker.ShutdownTimeout)
	}
	if c.Client.LogBuffer < 0 {
		return fmt.Errorf("client.log_buffer must not be negative, got %d", c.Client.LogBuffer)
	}
	if err := ValidateServers(c.Servers); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// ValidateServers checks the server registry entries for errors.
// Returns nil if the list is empty (spawn commands must then carry an
// explicit command).
func ValidateServers(servers []ServerEntry) error {
	seen := make(map[string]struct{}, len(servers))
	for i, s := range servers {
		if s.ID == "" {
			return fmt.Errorf("servers[%d]: id is required", i)
		}
		if s.Command == "" {
			return fmt.Errorf("servers[%d] (%s): command is required", i, s.ID)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// FindServer returns the entry with the given id, if present.
func FindServer(servers []ServerEntry, id string) (ServerEntry, bool) {
	for _, s := range servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerEntry{}, false
}
