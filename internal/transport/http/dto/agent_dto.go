package dto

import (
	"time"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/core/services"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// AgentLookupResponse answers whether an agent is served by this proxy.
// Status is 0 when it is and -1 otherwise.
type AgentLookupResponse struct {
	Status  int            `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    *AgentResponse `json:"data,omitempty"`
}

type AgentResponse struct {
	ID         string `json:"id"`
	Version    int    `json:"version"`
	RemoteAddr string `json:"remote_addr"`
}

func NewAgentResponse(c ports.AgentConnection) AgentResponse {
	return AgentResponse{ID: c.ID(), Version: c.Version(), RemoteAddr: c.RemoteAddr()}
}

type RefreshAgentsRequest struct {
	Agents []string `json:"agents"`
}

type RefreshAgentsResponse struct {
	Failed map[string]string `json:"failed"`
}

type TaskResponse struct {
	ID           string    `json:"id"`
	RegisteredAt time.Time `json:"registered_at"`
	MaxRunningMs int64     `json:"max_running_ms"`
	AgeMs        int64     `json:"age_ms"`
}

func NewTaskResponse(t services.TaskInfo) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		RegisteredAt: t.RegisteredAt,
		MaxRunningMs: t.MaxRunning.Milliseconds(),
		AgeMs:        t.Age.Milliseconds(),
	}
}
