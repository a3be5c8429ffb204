package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/core/services"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/internal/protocol"
	"github.com/diaglink/proxy/internal/transport/http/middleware"
)

const (
	HeaderAgentID      = "X-Agent-ID"
	HeaderAgentVersion = "X-Agent-Version"
	HeaderAgentToken   = "X-Agent-Token"
)

type Config struct {
	Address        string
	Path           string
	Token          string
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendQueueSize  int
}

func (c *Config) setDefaults() {
	if c.Path == "" {
		c.Path = "/agent"
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 8 << 20
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// Router dispatches one inbound datagram.
type Router interface {
	Route(conn ports.AgentConnection, d *protocol.Datagram)
}

// Server accepts agent websockets and feeds their datagrams to a Router.
type Server struct {
	cfg      Config
	store    *services.AgentConnectionStore
	router   Router
	logger   *logger.Logger
	upgrader websocket.Upgrader
	http     *http.Server

	mu           sync.Mutex
	conns        map[*agentConn]struct{}
	onDisconnect []func(ports.AgentConnection)
	pumps        sync.WaitGroup
}

func NewServer(cfg Config, store *services.AgentConnectionStore, router Router, log *logger.Logger) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:    cfg,
		store:  store,
		router: router,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			// Agents are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*agentConn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.ServeWS)
	s.http = &http.Server{Addr: cfg.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// OnDisconnect registers fn to run after an agent that was the current
// holder of its identity goes away.
func (s *Server) OnDisconnect(fn func(ports.AgentConnection)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) ListenAndServe() error {
	s.logger.Infow("agent_server_listening", "address", s.cfg.Address, "path", s.cfg.Path)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" && !middleware.TokenMatches(s.cfg.Token, r.Header.Get(HeaderAgentToken), r.Header.Get("Authorization")) {
		s.logger.Warnw("agent_unauthorized", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := r.Header.Get(HeaderAgentID)
	if id == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		id = host
	}
	version, _ := strconv.Atoi(r.Header.Get(HeaderAgentVersion))

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("agent_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newAgentConn(id, r.RemoteAddr, version, ws, s.cfg, s.logger)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	if _, replaced := s.store.Put(id, conn); replaced {
		s.logger.Warnw("agent_identity_collision", "agent_id", id, "remote", r.RemoteAddr)
	}
	s.logger.Infow("agent_connected", "agent_id", id, "remote", r.RemoteAddr, "version", version)

	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		conn.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		s.readPump(conn)
	}()
}

func (s *Server) readPump(c *agentConn) {
	defer s.disconnected(c)

	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		mt, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnw("agent_read_failed", "agent_id", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if mt != websocket.BinaryMessage {
			s.logger.Warnw("agent_unexpected_message_type", "agent_id", c.id, "type", mt)
			continue
		}
		d, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warnw("agent_bad_frame", "agent_id", c.id, "error", err)
			continue
		}
		s.route(c, d)
	}
}

// route keeps a panicking processor from taking the connection down.
func (s *Server) route(c *agentConn, d *protocol.Datagram) {
	defer func() {
		if p := recover(); p != nil {
			d.Release()
			s.logger.Errorw("agent_route_panic", "agent_id", c.id, "code", d.Code(), "panic", p)
		}
	}()
	s.router.Route(c, d)
}

func (s *Server) disconnected(c *agentConn) {
	c.Close()
	current := s.store.RemoveIf(c.id, c)

	s.mu.Lock()
	delete(s.conns, c)
	hooks := append([]func(ports.AgentConnection){}, s.onDisconnect...)
	s.mu.Unlock()

	s.logger.Infow("agent_disconnected", "agent_id", c.id, "remote", c.remote)
	if !current {
		return
	}
	for _, fn := range hooks {
		fn(c)
	}
}

// Shutdown stops accepting agents, closes every live agent connection and
// waits for their pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	conns := make([]*agentConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Infow("agent_server_stopped", "closed", len(conns))
	return err
}
