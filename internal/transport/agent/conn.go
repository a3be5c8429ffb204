package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/diaglink/proxy/internal/core/services"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/internal/protocol"
)

// agentConn is one agent websocket. Reads happen on the read pump, which
// is the connection's event loop; writes are queued for the write pump.
type agentConn struct {
	id      string
	remote  string
	version atomic.Int32

	ws   *websocket.Conn
	cfg  Config
	send chan []byte

	active    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	logger    *logger.Logger
}

func newAgentConn(id, remote string, version int, ws *websocket.Conn, cfg Config, log *logger.Logger) *agentConn {
	c := &agentConn{
		id:     id,
		remote: remote,
		ws:     ws,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendQueueSize),
		done:   make(chan struct{}),
		logger: log,
	}
	c.version.Store(int32(version))
	c.active.Store(true)
	return c
}

func (c *agentConn) ID() string         { return c.id }
func (c *agentConn) RemoteAddr() string { return c.remote }
func (c *agentConn) IsActive() bool     { return c.active.Load() }
func (c *agentConn) Version() int       { return int(c.version.Load()) }
func (c *agentConn) SetVersion(v int)   { c.version.Store(int32(v)) }

// Close stops the write pump, which closes the socket and in turn ends
// the read pump.
func (c *agentConn) Close() error {
	c.closeOnce.Do(func() {
		c.active.Store(false)
		close(c.done)
	})
	return nil
}

func (c *agentConn) Write(d *protocol.Datagram) error {
	if !c.IsActive() {
		return services.ErrConnectionClosed
	}
	b, err := protocol.Encode(d)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return services.ErrConnectionClosed
	default:
		c.logger.Warnw("agent_send_queue_full", "agent_id", c.id, "code", d.Code())
		return services.ErrConnectionBackedUp
	}
}

func (c *agentConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.ws.Close()
	}()

	for {
		select {
		case b := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				c.logger.Warnw("agent_write_failed", "agent_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warnw("agent_ping_failed", "agent_id", c.id, "error", err)
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}
