package services

import (
	"fmt"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/internal/protocol"
)

// AgentMessageProcessor handles one group of agent message codes.
type AgentMessageProcessor interface {
	Name() string
	Codes() []int32
	Process(conn ports.AgentConnection, d *protocol.Datagram)
}

// MessageRouter dispatches agent datagrams by code. The table is built
// once and never mutated, so Route takes no locks.
type MessageRouter struct {
	processors map[int32]AgentMessageProcessor
	logger     *logger.Logger
}

func NewMessageRouter(log *logger.Logger, processors ...AgentMessageProcessor) (*MessageRouter, error) {
	table := make(map[int32]AgentMessageProcessor)
	for _, p := range processors {
		for _, code := range p.Codes() {
			if owner, dup := table[code]; dup {
				return nil, &ConfigurationError{Code: code, Processors: []string{owner.Name(), p.Name()}}
			}
			table[code] = p
			log.Infow("router_code_bound", "code", code, "processor", p.Name())
		}
	}
	return &MessageRouter{processors: table, logger: log}, nil
}

// Route runs the processor owning d's code on the calling goroutine, which
// is the connection's read loop; that keeps per-connection ordering.
// Unknown codes are released and dropped without a reply.
func (r *MessageRouter) Route(conn ports.AgentConnection, d *protocol.Datagram) {
	p, ok := r.processors[d.Code()]
	if !ok {
		d.Release()
		r.logger.Warnw("router_unknown_code", "code", d.Code(), "agent_id", conn.ID(), "remote", conn.RemoteAddr())
		return
	}
	p.Process(conn, d)
}

func (r *MessageRouter) Codes() []int32 {
	out := make([]int32, 0, len(r.processors))
	for c := range r.processors {
		out = append(out, c)
	}
	return out
}

func (r *MessageRouter) String() string {
	return fmt.Sprintf("MessageRouter{%d codes}", len(r.processors))
}
