package a2a

import (
	"context"
	"encoding/json"
)

// Client is the part of the A2A protocol the reasoner needs: send a stage
// prompt, poll or cancel the resulting task, and read the agent card.
type Client interface {
	// SendMessage posts message/send. With Configuration.Blocking the agent
	// answers once the task is terminal or interrupted.
	SendMessage(ctx context.Context, endpoint string, req SendMessageRequest) (*Task, error)
	GetTask(ctx context.Context, endpoint string, req GetTaskRequest) (*Task, error)
	CancelTask(ctx context.Context, endpoint string, req CancelTaskRequest) (*Task, error)

	// DiscoverAgent fetches /.well-known/agent-card.json under baseURL.
	DiscoverAgent(ctx context.Context, baseURL string) (*AgentCard, error)
}

const (
	MethodSendMessage = "message/send"
	MethodGetTask     = "tasks/get"
	MethodCancelTask  = "tasks/cancel"
)

// JSONRPCVersion goes in every envelope.
const JSONRPCVersion = "2.0"

// Error codes an agent may answer with.
const (
	ErrCodeInvalidParams = -32602
	ErrCodeInternal      = -32603
	ErrCodeTaskNotFound  = -32001
)

// JSONRPCRequest is the request envelope.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is the response envelope. Exactly one of Result and
// Error is set.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
