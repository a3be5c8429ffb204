package handlers

import (
	"net"

	"github.com/gofiber/fiber/v2"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/core/services"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/internal/transport/http/dto"
)

// AgentRefresher pushes a metadata refresh to connected agents.
type AgentRefresher interface {
	RefreshAgents(ids []string) map[string]error
}

type AgentHandler struct {
	agents    *services.AgentConnectionStore
	refresher AgentRefresher
	logger    *logger.Logger
}

func NewAgentHandler(agents *services.AgentConnectionStore, refresher AgentRefresher, logger *logger.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, refresher: refresher, logger: logger}
}

// GetAgent tells the UI tier whether the agent at ?ip= is connected to
// this proxy.
func (h *AgentHandler) GetAgent(c *fiber.Ctx) error {
	ip := c.Query("ip")
	if ip == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "ip is required"})
	}
	conn, ok := h.find(ip)
	if !ok {
		h.logger.Debugw("agent_lookup_miss", "ip", ip)
		return c.JSON(dto.AgentLookupResponse{Status: -1, Message: "agent not connected"})
	}
	agent := dto.NewAgentResponse(conn)
	return c.JSON(dto.AgentLookupResponse{Status: 0, Data: &agent})
}

func (h *AgentHandler) find(ip string) (ports.AgentConnection, bool) {
	if conn, ok := h.agents.Get(ip); ok {
		return conn, true
	}
	for _, conn := range h.agents.All() {
		host, _, err := net.SplitHostPort(conn.RemoteAddr())
		if err != nil {
			host = conn.RemoteAddr()
		}
		if host == ip {
			return conn, true
		}
	}
	return nil, false
}

func (h *AgentHandler) ListAgents(c *fiber.Ctx) error {
	conns := h.agents.All()
	out := make([]dto.AgentResponse, 0, len(conns))
	for _, conn := range conns {
		out = append(out, dto.NewAgentResponse(conn))
	}
	return c.JSON(out)
}

func (h *AgentHandler) RefreshAgents(c *fiber.Ctx) error {
	var req dto.RefreshAgentsRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			h.logger.Warnw("refresh_agents_body_parse_failed", "error", err)
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
		}
	}
	failed := h.refresher.RefreshAgents(req.Agents)
	resp := dto.RefreshAgentsResponse{Failed: make(map[string]string, len(failed))}
	for id, err := range failed {
		resp.Failed[id] = err.Error()
	}
	h.logger.Infow("refresh_agents", "requested", len(req.Agents), "failed", len(failed))
	return c.JSON(resp)
}
