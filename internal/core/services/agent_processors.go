package services

import (
	"context"
	"sync"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/internal/protocol"
)

// ResponseProcessor passes task output from the agent to its session.
type ResponseProcessor struct {
	sessions *SessionManager
}

func NewResponseProcessor(sessions *SessionManager) *ResponseProcessor {
	return &ResponseProcessor{sessions: sessions}
}

func (p *ResponseProcessor) Name() string   { return "response" }
func (p *ResponseProcessor) Codes() []int32 { return []int32{protocol.CodeResponse} }

func (p *ResponseProcessor) Process(_ ports.AgentConnection, d *protocol.Datagram) {
	p.sessions.Deliver(d.Header.ID, d)
}

// TaskAckProcessor handles the agent's acknowledgement of a submitted task.
type TaskAckProcessor struct {
	sessions *SessionManager
}

func NewTaskAckProcessor(sessions *SessionManager) *TaskAckProcessor {
	return &TaskAckProcessor{sessions: sessions}
}

func (p *TaskAckProcessor) Name() string   { return "task_ack" }
func (p *TaskAckProcessor) Codes() []int32 { return []int32{protocol.CodeTaskAck} }

func (p *TaskAckProcessor) Process(_ ports.AgentConnection, d *protocol.Datagram) {
	defer d.Release()
	p.sessions.Ack(d.Header.ID)
}

// HeartbeatProcessor answers agent heartbeats, records the protocol
// version an agent reports, and closes agents that announce they are
// going offline.
type HeartbeatProcessor struct {
	logger *logger.Logger
}

func NewHeartbeatProcessor(log *logger.Logger) *HeartbeatProcessor {
	return &HeartbeatProcessor{logger: log}
}

func (p *HeartbeatProcessor) Name() string { return "heartbeat" }
func (p *HeartbeatProcessor) Codes() []int32 {
	return []int32{protocol.CodeHeartbeat, protocol.CodeHeartbeatVersioned, protocol.CodeAgentOffline}
}

func (p *HeartbeatProcessor) Process(conn ports.AgentConnection, d *protocol.Datagram) {
	defer d.Release()
	switch d.Code() {
	case protocol.CodeAgentOffline:
		p.logger.Infow("agent_offline_notice", "agent_id", conn.ID())
		conn.Close()
		return
	case protocol.CodeHeartbeatVersioned:
		if v := int(d.Header.Version); v != conn.Version() {
			conn.SetVersion(v)
			p.logger.Infow("agent_version_updated", "agent_id", conn.ID(), "version", v)
		}
	}
	reply := protocol.NewRequest(protocol.CodeHeartbeat, d.Header.ID, nil)
	if err := conn.Write(reply); err != nil {
		p.logger.Warnw("heartbeat_reply_failed", "agent_id", conn.ID(), "error", err)
	}
}

// ProfilerFileProcessor stores profiler files streamed by an agent. Disk
// I/O runs on one writer goroutine per agent, so the agent's read loop
// never waits on it and frames from one agent keep their order.
type ProfilerFileProcessor struct {
	files  *ProfilerFileService
	logger *logger.Logger

	mu      sync.Mutex
	writers map[string]*fileWriter
	wg      sync.WaitGroup
}

type fileWriter struct {
	agentID string
	inbox   mailbox
	gone    chan struct{}
}

func NewProfilerFileProcessor(files *ProfilerFileService, log *logger.Logger) *ProfilerFileProcessor {
	return &ProfilerFileProcessor{files: files, logger: log, writers: make(map[string]*fileWriter)}
}

func (p *ProfilerFileProcessor) Name() string { return "profiler_file" }
func (p *ProfilerFileProcessor) Codes() []int32 {
	return []int32{
		protocol.CodeProfilerFileStart,
		protocol.CodeProfilerFileChunk,
		protocol.CodeProfilerFileEnd,
		protocol.CodeProfilerFileError,
	}
}

// Process queues d for the agent's writer and returns at once.
func (p *ProfilerFileProcessor) Process(conn ports.AgentConnection, d *protocol.Datagram) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.writers[conn.ID()]
	if !ok {
		w = &fileWriter{
			agentID: conn.ID(),
			inbox:   mailbox{ready: make(chan struct{}, 1)},
			gone:    make(chan struct{}),
		}
		p.writers[conn.ID()] = w
		p.wg.Add(1)
		go p.write(w)
	}
	w.inbox.push(d)
}

func (p *ProfilerFileProcessor) write(w *fileWriter) {
	defer p.wg.Done()
	for {
		for _, d := range w.inbox.drain() {
			p.store(w.agentID, d)
		}
		select {
		case <-w.inbox.ready:
		case <-w.gone:
			w.inbox.discard()
			p.files.AbortAgent(w.agentID)
			return
		}
	}
}

func (p *ProfilerFileProcessor) store(agentID string, d *protocol.Datagram) {
	defer d.Release()
	taskID, name := d.Header.ID, d.Property(protocol.PropFileName)

	var err error
	switch d.Code() {
	case protocol.CodeProfilerFileStart:
		err = p.files.Start(agentID, taskID, name)
	case protocol.CodeProfilerFileChunk:
		err = p.files.Write(agentID, taskID, name, d.Body)
	case protocol.CodeProfilerFileEnd:
		_, err = p.files.End(agentID, taskID, name)
	case protocol.CodeProfilerFileError:
		p.files.Abort(agentID, taskID, name, d.Property(protocol.PropMessage))
	}
	if err != nil {
		p.logger.Warnw("profiler_file_failed", "agent_id", agentID, "task_id", taskID, "file", name, "code", d.Code(), "error", err)
	}
}

// AgentGone stops the agent's writer, dropping queued frames and any
// transfer left unfinished.
func (p *ProfilerFileProcessor) AgentGone(agentID string) {
	p.mu.Lock()
	w, ok := p.writers[agentID]
	delete(p.writers, agentID)
	p.mu.Unlock()
	if ok {
		close(w.gone)
		return
	}
	p.files.AbortAgent(agentID)
}

// Shutdown stops every writer and waits for them or for ctx.
func (p *ProfilerFileProcessor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	writers := p.writers
	p.writers = make(map[string]*fileWriter)
	p.mu.Unlock()
	for _, w := range writers {
		close(w.gone)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
