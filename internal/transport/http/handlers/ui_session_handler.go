package handlers

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/core/services"
	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

// RequestDecoder opens UI envelopes.
type RequestDecoder interface {
	Decrypt(envelope []byte) (*domain.RequestData, error)
}

// SessionHandler receives decoded requests and UI channel lifecycle events.
type SessionHandler interface {
	Handle(ui ports.UIConnection, req *domain.RequestData)
	PauseConnection(ui ports.UIConnection)
	ResumeConnection(ui ports.UIConnection)
	UIClosed(ui ports.UIConnection)
}

type UISessionConfig struct {
	SendQueueSize int
	HighWatermark int
	LowWatermark  int
	WriteWait     time.Duration
}

type UISessionHandler struct {
	cfg      UISessionConfig
	codec    RequestDecoder
	sessions SessionHandler
	store    *services.UIConnectionStore
	logger   *logger.Logger
}

func NewUISessionHandler(cfg UISessionConfig, codec RequestDecoder, sessions SessionHandler, store *services.UIConnectionStore, logger *logger.Logger) *UISessionHandler {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 1024
	}
	if cfg.HighWatermark <= 0 || cfg.HighWatermark > cfg.SendQueueSize {
		cfg.HighWatermark = cfg.SendQueueSize * 3 / 4
	}
	if cfg.LowWatermark < 0 || cfg.LowWatermark >= cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark / 3
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &UISessionHandler{cfg: cfg, codec: codec, sessions: sessions, store: store, logger: logger}
}

// Handle serves one UI websocket. Each text or binary message is one
// envelope; an envelope that fails to decode gets a wrong-frame reply and
// the channel stays open.
func (h *UISessionHandler) Handle(c *websocket.Conn) {
	conn := newUIConn(c, h.cfg)
	conn.onHigh = func() { h.sessions.PauseConnection(conn) }
	conn.onLow = func() { h.sessions.ResumeConnection(conn) }

	if _, replaced := h.store.Put(conn.ID(), conn); replaced {
		h.logger.Warnw("ui_identity_collision", "ui", conn.ID())
	}
	h.logger.Infow("ui_connected", "ui", conn.ID())

	// The websocket must not be touched after Handle returns, so wait for
	// the writer before leaving.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writeLoop(h.logger)
	}()
	defer func() {
		conn.Close()
		<-writerDone
		h.store.RemoveIf(conn.ID(), conn)
		h.sessions.UIClosed(conn)
		h.logger.Infow("ui_disconnected", "ui", conn.ID())
	}()

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warnw("ui_read_failed", "ui", conn.ID(), "error", err)
			}
			return
		}
		req, err := h.codec.Decrypt(msg)
		if err != nil {
			var de *services.DecodeError
			if errors.As(err, &de) {
				h.logger.Warnw("ui_wrong_frame", "ui", conn.ID(), "stage", de.Stage, "error", err)
			}
			if err := conn.Send(domain.WrongFrameResponse()); err != nil {
				return
			}
			continue
		}
		h.sessions.Handle(conn, req)
	}
}

// uiConn queues JSON responses for one UI websocket and signals when the
// queue crosses its watermarks so producers can be paused.
type uiConn struct {
	ws   *websocket.Conn
	id   string
	cfg  UISessionConfig
	send chan []byte

	active    atomic.Bool
	throttled atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	onHigh func()
	onLow  func()
}

func newUIConn(ws *websocket.Conn, cfg UISessionConfig) *uiConn {
	c := &uiConn{
		ws:   ws,
		id:   ws.RemoteAddr().String(),
		cfg:  cfg,
		send: make(chan []byte, cfg.SendQueueSize),
		done: make(chan struct{}),
	}
	c.active.Store(true)
	return c
}

func (c *uiConn) ID() string { return c.id }

func (c *uiConn) IsActive() bool { return c.active.Load() }

func (c *uiConn) Close() error {
	c.closeOnce.Do(func() {
		c.active.Store(false)
		close(c.done)
	})
	return nil
}

func (c *uiConn) Send(resp *domain.UIResponse) error {
	if !c.IsActive() {
		return services.ErrConnectionClosed
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
	case <-c.done:
		return services.ErrConnectionClosed
	default:
		return services.ErrConnectionBackedUp
	}
	if len(c.send) >= c.cfg.HighWatermark && c.throttled.CompareAndSwap(false, true) && c.onHigh != nil {
		c.onHigh()
	}
	return nil
}

func (c *uiConn) writeLoop(log *logger.Logger) {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Warnw("ui_write_failed", "ui", c.id, "error", err)
				c.Close()
				c.ws.Close()
				return
			}
			if len(c.send) <= c.cfg.LowWatermark && c.throttled.CompareAndSwap(true, false) && c.onLow != nil {
				c.onLow()
			}
		}
	}
}
