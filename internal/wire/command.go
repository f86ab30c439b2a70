package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType identifies the kind of client command.
type CommandType string

const (
	CmdSpawn           CommandType = "spawn"
	CmdKill            CommandType = "kill"
	CmdSubmit          CommandType = "submit"
	CmdCancel          CommandType = "cancel"
	CmdSubscribeLogs   CommandType = "subscribe:logs"
	CmdUnsubscribeLogs CommandType = "unsubscribe:logs"
)

// Known returns true for command types this schema defines. Unknown types
// still parse; the supervisor decides how to answer them.
func (t CommandType) Known() bool {
	switch t {
	case CmdSpawn, CmdKill, CmdSubmit, CmdCancel, CmdSubscribeLogs, CmdUnsubscribeLogs:
		return true
	default:
		return false
	}
}

// Command is a client request to the supervisor. Only the fields relevant
// to the Type are populated.
type Command struct {
	Type CommandType `json:"type"`
	// ServerID identifies the MCP server to spawn.
	ServerID string `json:"serverId,omitempty"`
	// ServerName overrides the human-readable name for spawn.
	ServerName string `json:"serverName,omitempty"`
	// Command and Args override registry resolution for spawn.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	// WorkerID targets kill and the log subscription commands.
	WorkerID string `json:"workerId,omitempty"`
	// Tool and Params describe a submit.
	Tool   string         `json:"tool,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	// TaskID targets cancel.
	TaskID string `json:"taskId,omitempty"`
}

// ErrEmptyCommand is returned when a message parses but carries no type tag.
var ErrEmptyCommand = errors.New("wire: command has no type")

// ParseCommand decodes one client message. Messages that are not valid JSON
// or carry no type tag are rejected; an unrecognized type tag is NOT an
// error here so the supervisor can answer it.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("wire: parsing command: %w", err)
	}
	if cmd.Type == "" {
		return Command{}, ErrEmptyCommand
	}
	return cmd, nil
}
