// Package a2a is a client for the Agent-to-Agent JSON-RPC protocol. The
// reasoner package uses it to hand stage prompts to a remote analysis agent.
package a2a

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskState is where an agent task is in its lifecycle.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateRejected      TaskState = "rejected"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateAuthRequired  TaskState = "auth-required"
)

// IsTerminal reports whether the agent will not touch the task again.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected:
		return true
	}
	return false
}

// IsInterrupted reports whether the agent stopped to wait on the caller.
func (s TaskState) IsInterrupted() bool {
	return s == TaskStateInputRequired || s == TaskStateAuthRequired
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Task is what message/send and tasks/get return.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Text joins the parts of every artifact with newlines. Data parts are
// included as raw JSON.
func (t *Task) Text() string {
	var out []string
	for _, a := range t.Artifacts {
		for _, p := range a.Parts {
			if p.Text != "" {
				out = append(out, p.Text)
			} else if len(p.Data) > 0 {
				out = append(out, string(p.Data))
			}
		}
	}
	return strings.Join(out, "\n")
}

type TaskStatus struct {
	State TaskState `json:"state"`

	// Message explains failed and interrupted states.
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

type Message struct {
	MessageID string `json:"messageId"`
	TaskID    string `json:"taskId,omitempty"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
}

// Part holds either Text or Data.
type Part struct {
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	MediaType string          `json:"mediaType,omitempty"`
}

func TextPart(text string) Part {
	return Part{Text: text, MediaType: "text/plain"}
}

// JSONPart wraps an already encoded JSON document.
func JSONPart(raw json.RawMessage) Part {
	return Part{Data: raw, MediaType: "application/json"}
}

type Artifact struct {
	ArtifactID string `json:"artifactId,omitempty"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// AgentCard is the subset of the agent manifest that Check logs.
type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description,omitempty"`
	Version            string       `json:"version"`
	DefaultOutputModes []string     `json:"defaultOutputModes,omitempty"`
	Skills             []AgentSkill `json:"skills,omitempty"`
}

type AgentSkill struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

type SendMessageRequest struct {
	Message       Message            `json:"message"`
	Configuration *SendMessageConfig `json:"configuration,omitempty"`
}

type SendMessageConfig struct {
	AcceptedOutputModes []string `json:"acceptedOutputModes,omitempty"`
	Blocking            bool     `json:"blocking"`
}

type GetTaskRequest struct {
	ID string `json:"id"`
}

type CancelTaskRequest struct {
	ID string `json:"id"`
}
