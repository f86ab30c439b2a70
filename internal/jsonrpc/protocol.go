// Package jsonrpc implements the supervisor's side of the JSON-RPC 2.0
// tool-call contract spoken with worker children over stdio.
//
// The supervisor writes one tools/call request per line to the child's
// stdin and reads newline-delimited reply objects from its stdout. A reply
// is either a progress report, a terminal result, or free text that fell
// out of the protocol entirely.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC 2.0 version string.
const Version = "2.0"

// MethodToolsCall is the only method the supervisor issues.
const MethodToolsCall = "tools/call"

// Request represents a JSON-RPC 2.0 tool-call request. The ID carries the
// task id so the child's reply can be correlated.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Params  ToolCallParams `json:"params"`
}

// ToolCallParams contains the parameters for a tools/call request.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// NewToolCall builds a tools/call request for the given task.
func NewToolCall(taskID, tool string, args map[string]any) Request {
	return Request{
		JSONRPC: Version,
		ID:      taskID,
		Method:  MethodToolsCall,
		Params:  ToolCallParams{Name: tool, Arguments: args},
	}
}

// Encode marshals the request as a single newline-terminated line, ready to
// write to the child's stdin.
func (r Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: encoding request: %w", err)
	}
	return append(data, '\n'), nil
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ReplyKind classifies one decoded child stdout line.
type ReplyKind int

const (
	// ReplyProgress carries a numeric progress field; the call continues.
	ReplyProgress ReplyKind = iota
	// ReplyResult is a terminal success.
	ReplyResult
	// ReplyError is a terminal failure.
	ReplyError
)

// Reply is one decoded child stdout object.
type Reply struct {
	Kind ReplyKind
	// TaskID is the echoed request id, empty if the child omitted it.
	TaskID string
	// Progress is set for ReplyProgress, clamped to [0,100].
	Progress int
	// Result is set for ReplyResult.
	Result any
	// ErrMessage is set for ReplyError.
	ErrMessage string
	// TokensUsed carries usage.total_tokens when the child reports it.
	TokensUsed int
}

// ParseReply decodes one stdout line from a child. A line that is not a
// JSON object is an error; the caller surfaces it as an info log instead.
//
// Classification order: a numeric `progress` field wins; then an `error`
// object with a message; then a `result` value; a bare object with none of
// those is treated as a successful result in its entirety.
func ParseReply(line []byte) (Reply, error) {
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		return Reply{}, fmt.Errorf("jsonrpc: parsing reply: %w", err)
	}
	if obj == nil {
		return Reply{}, fmt.Errorf("jsonrpc: reply is not an object")
	}

	reply := Reply{
		TaskID:     echoedID(obj),
		TokensUsed: totalTokens(obj),
	}

	if p, ok := obj["progress"].(float64); ok {
		reply.Kind = ReplyProgress
		reply.Progress = clampProgress(p)
		return reply, nil
	}

	if errObj, ok := obj["error"].(map[string]any); ok {
		reply.Kind = ReplyError
		if msg, ok := errObj["message"].(string); ok {
			reply.ErrMessage = msg
		} else {
			reply.ErrMessage = "unknown error"
		}
		return reply, nil
	}

	reply.Kind = ReplyResult
	if result, ok := obj["result"]; ok {
		reply.Result = result
	} else {
		reply.Result = obj
	}
	return reply, nil
}

func echoedID(obj map[string]any) string {
	switch id := obj["id"].(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%v", id)
	default:
		return ""
	}
}

func totalTokens(obj map[string]any) int {
	usage, ok := obj["usage"].(map[string]any)
	if !ok {
		return 0
	}
	total, ok := usage["total_tokens"].(float64)
	if !ok {
		return 0
	}
	return int(total)
}

func clampProgress(p float64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return int(p)
	}
}
