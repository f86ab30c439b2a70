package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpfleet/fleet/internal/config"
)

var serversListCmd = &cobra.Command{
	Use:   "servers:list",
	Short: "List configured MCP servers",
	Long: `List the configured MCP servers as JSON.

Each entry shows the id clients use in spawn commands and the command
line the supervisor runs for it.

Examples:
  # List all servers
  fleet servers:list

  # Parse specific fields with jq
  fleet servers:list | jq '.[].id'`,
	RunE: func(_ *cobra.Command, _ []string) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.Servers)
	},
}

var serverName string

var serversAddCmd = &cobra.Command{
	Use:   "servers:add <id> <command> [args...]",
	Short: "Add an MCP server to the config",
	Long: `Add a server entry to the config file. A running supervisor picks the
new entry up through the config watcher without a restart.

Examples:
  fleet servers:add everything npx -- -y @modelcontextprotocol/server-everything
  fleet servers:add fs npx --name "Filesystem" -- -y @modelcontextprotocol/server-filesystem /tmp`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		entry := config.ServerEntry{
			ID:      args[0],
			Name:    serverName,
			Command: args[1],
			Args:    args[2:],
		}
		if entry.Name == "" {
			entry.Name = entry.ID
		}

		updated := append(append([]config.ServerEntry(nil), cfg.Servers...), entry)
		if err := config.ValidateServers(updated); err != nil {
			return err
		}

		path := configFilePath()
		if err := config.SaveServers(path, updated); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}

		fmt.Printf("Added server %q to %s\n", entry.ID, path)
		return nil
	},
}

func init() {
	serversAddCmd.Flags().StringVarP(&serverName, "name", "n", "", "Display name for the server (defaults to the id)")
	rootCmd.AddCommand(serversListCmd)
	rootCmd.AddCommand(serversAddCmd)
}
