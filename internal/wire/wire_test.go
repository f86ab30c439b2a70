package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Command
		wantErr bool
	}{
		{
			name:  "spawn with explicit command",
			input: `{"type":"spawn","serverId":"S","command":"/bin/echo-srv","args":["--fast"]}`,
			want: Command{
				Type:     CmdSpawn,
				ServerID: "S",
				Command:  "/bin/echo-srv",
				Args:     []string{"--fast"},
			},
		},
		{
			name:  "submit",
			input: `{"type":"submit","tool":"ping","params":{"n":1}}`,
			want: Command{
				Type:   CmdSubmit,
				Tool:   "ping",
				Params: map[string]any{"n": float64(1)},
			},
		},
		{
			name:  "cancel",
			input: `{"type":"cancel","taskId":"task-3"}`,
			want:  Command{Type: CmdCancel, TaskID: "task-3"},
		},
		{
			name:  "subscribe logs",
			input: `{"type":"subscribe:logs","workerId":"worker-1"}`,
			want:  Command{Type: CmdSubscribeLogs, WorkerID: "worker-1"},
		},
		{
			name:  "unknown type passes through",
			input: `{"type":"restart","workerId":"worker-1"}`,
			want:  Command{Type: "restart", WorkerID: "worker-1"},
		},
		{
			name:    "missing type",
			input:   `{"workerId":"worker-1"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `spawn please`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCommandType_Known(t *testing.T) {
	for _, ct := range []CommandType{CmdSpawn, CmdKill, CmdSubmit, CmdCancel, CmdSubscribeLogs, CmdUnsubscribeLogs} {
		require.True(t, ct.Known(), "%s should be known", ct)
	}
	require.False(t, CommandType("restart").Known())
	require.False(t, CommandType("").Known())
}

func TestDetectLevel(t *testing.T) {
	tests := []struct {
		line string
		want LogLevel
	}{
		{"ERROR: boom", LogError},
		{"fatal: cannot allocate", LogError},
		{"WARN disk nearly full", LogWarn},
		{"debug: entering loop", LogDebug},
		{"listening on :3001", LogInfo},
		{"", LogInfo},
		// error keyword wins over warn
		{"warning: previous error ignored", LogError},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, DetectLevel(tt.line), "line %q", tt.line)
	}
}

func TestEvent_MarshalShape(t *testing.T) {
	ev := NewTaskFailed("task-7", "Task cancelled")
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	require.Equal(t, "task:failed", m["type"])
	require.Equal(t, "task-7", m["taskId"])
	require.Equal(t, "Task cancelled", m["error"])
}

func TestEvent_CompletedCarriesNullResult(t *testing.T) {
	data, err := json.Marshal(NewTaskCompleted("task-1", nil))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	_, present := m["result"]
	require.True(t, present, "result field must survive even when null")
}

func TestParseEvent_RoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	worker := Worker{
		ID:             "worker-1",
		ServerID:       "S",
		ServerName:     "Echo",
		Status:         WorkerStarting,
		SpawnedAt:      now,
		LastActivityAt: now,
	}

	data, err := json.Marshal(NewWorkerStarted(worker))
	require.NoError(t, err)

	parsed, err := ParseEvent(data)
	require.NoError(t, err)

	started, ok := parsed.(*WorkerStartedEvent)
	require.True(t, ok, "expected *WorkerStartedEvent, got %T", parsed)
	require.Equal(t, EvWorkerStarted, started.Kind())
	require.Equal(t, worker, started.Worker)
}

func TestParseEvent_Unknown(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"worker:rebooted"}`))
	require.Error(t, err)
}
