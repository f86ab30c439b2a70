package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpfleet/fleet/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Supervisor for MCP worker processes",
	Long: `Fleet spawns MCP servers as child processes, load balances tool calls
across them over JSON-RPC stdio, and mirrors worker and task state to
control clients over WebSocket.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/fleet/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("server.path", defaults.Server.Path)
	viper.SetDefault("server.heartbeat_interval", defaults.Server.HeartbeatInterval)
	viper.SetDefault("worker.kill_timeout", defaults.Worker.KillTimeout)
	viper.SetDefault("worker.shutdown_timeout", defaults.Worker.ShutdownTimeout)
	viper.SetDefault("client.log_buffer", defaults.Client.LogBuffer)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .fleet/config.yaml (current directory)
		// 2. ~/.config/fleet/config.yaml (user config)
		if _, err := os.Stat(".fleet/config.yaml"); err == nil {
			viper.SetConfigFile(".fleet/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "fleet"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .fleet/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".fleet/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// configFilePath returns the loaded config file, or the default location
// when none was loaded. Hot reload and servers:add write through it.
func configFilePath() string {
	if p := viper.ConfigFileUsed(); p != "" {
		return p
	}
	return ".fleet/config.yaml"
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
