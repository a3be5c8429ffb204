package services

import (
	"context"
	"sync"
	"time"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/protocol"
)

// AgentCommandTask is one diagnostic command sent to one agent on behalf
// of one UI channel.
type AgentCommandTask struct {
	id         string
	agentID    string
	ui         ports.UIConnection
	req        *domain.RequestData
	code       domain.CommandCode
	maxRunning time.Duration
	agents     *AgentConnectionStore

	inbox    mailbox
	gone     chan struct{}
	goneOnce sync.Once
}

func newAgentCommandTask(id, agentID string, ui ports.UIConnection, req *domain.RequestData, maxRunning time.Duration, agents *AgentConnectionStore) *AgentCommandTask {
	return &AgentCommandTask{
		id:         id,
		agentID:    agentID,
		ui:         ui,
		req:        req,
		code:       req.Code(),
		maxRunning: maxRunning,
		agents:     agents,
		inbox:      mailbox{ready: make(chan struct{}, 1)},
		gone:       make(chan struct{}),
	}
}

func (t *AgentCommandTask) ID() string                { return t.id }
func (t *AgentCommandTask) AgentID() string           { return t.agentID }
func (t *AgentCommandTask) MaxRunning() time.Duration { return t.maxRunning }
func (t *AgentCommandTask) Command() domain.CommandCode {
	return t.code
}

func (t *AgentCommandTask) CreateJob() ports.Job {
	return &agentCommandJob{task: t}
}

// deliver queues an agent response for the job. It never blocks, so the
// agent's read loop is never held up by a slow or paused UI.
func (t *AgentCommandTask) deliver(d *protocol.Datagram) {
	t.inbox.push(d)
}

func (t *AgentCommandTask) agentGone() {
	t.goneOnce.Do(func() { close(t.gone) })
}

// send writes a datagram for this task to its agent, if still connected.
func (t *AgentCommandTask) send(code domain.CommandCode, body []byte) error {
	conn, ok := t.agents.Get(t.agentID)
	if !ok {
		return ErrAgentNotConnected
	}
	d := protocol.NewRequest(int32(code), t.id, body)
	d.SetProperty("user", t.req.User)
	d.SetProperty("app", t.req.App)
	return conn.Write(d)
}

type agentCommandJob struct {
	task *AgentCommandTask
	gate pauseGate
}

func (j *agentCommandJob) ID() string { return j.task.id }

// Run sends the command and relays responses to the UI until the agent
// marks the last one, the job is stopped, or the agent goes away.
func (j *agentCommandJob) Run(ctx context.Context) (int, error) {
	t := j.task
	if err := t.send(t.code, []byte(t.req.Command)); err != nil {
		return -1, err
	}
	if j.gate.start() {
		_ = t.send(domain.CmdPause, nil)
	}

	for {
		batch := t.inbox.drain()
		for i, d := range batch {
			if err := j.gate.wait(ctx); err != nil {
				releaseAll(batch[i:])
				return j.stopped(ctx)
			}
			status, end, err := j.relay(d)
			if err != nil || end {
				releaseAll(batch[i+1:])
				t.inbox.discard()
				return status, err
			}
		}

		select {
		case <-ctx.Done():
			return j.stopped(ctx)
		case <-t.gone:
			return -1, ErrAgentDisconnected
		case <-t.inbox.ready:
		}
	}
}

func (j *agentCommandJob) relay(d *protocol.Datagram) (int, bool, error) {
	t := j.task
	defer d.Release()
	status := d.Status(0)
	resp := &domain.UIResponse{
		Type:    domain.UIResponseData,
		ID:      t.id,
		Host:    t.agentID,
		Command: int(t.code),
		Status:  status,
		Data:    d.Body,
	}
	if err := t.ui.Send(resp); err != nil {
		return -1, true, err
	}
	return status, d.IsEnd(), nil
}

// stopped tells the agent to abandon the command. The agent may already
// be gone, which is fine.
func (j *agentCommandJob) stopped(ctx context.Context) (int, error) {
	_ = j.task.send(domain.CmdCancel, nil)
	j.task.inbox.discard()
	return -1, ctx.Err()
}

// Pause holds relaying and asks the agent to stop producing. Before the
// command has gone out only the gate is closed; Run tells the agent.
func (j *agentCommandJob) Pause() {
	if changed, live := j.gate.pause(); changed && live {
		_ = j.task.send(domain.CmdPause, nil)
	}
}

func (j *agentCommandJob) Resume() {
	if changed, live := j.gate.resume(); changed && live {
		_ = j.task.send(domain.CmdResume, nil)
	}
}

// mailbox is an unbounded FIFO with a wake-up channel of capacity one.
type mailbox struct {
	mu    sync.Mutex
	items []*protocol.Datagram
	ready chan struct{}
}

func (m *mailbox) push(d *protocol.Datagram) {
	m.mu.Lock()
	m.items = append(m.items, d)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []*protocol.Datagram {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) discard() {
	releaseAll(m.drain())
}

func releaseAll(ds []*protocol.Datagram) {
	for _, d := range ds {
		d.Release()
	}
}

// pauseGate blocks waiters while paused. pause and resume report whether
// they changed state, so redundant calls are harmless, and whether the
// command is live on the agent yet.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	live   bool
	ch     chan struct{}
}

// start marks the command live and reports whether it is paused.
func (g *pauseGate) start() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live = true
	return g.paused
}

func (g *pauseGate) pause() (changed, live bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false, g.live
	}
	g.paused = true
	g.ch = make(chan struct{})
	return true, g.live
}

func (g *pauseGate) resume() (changed, live bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false, g.live
	}
	g.paused = false
	close(g.ch)
	return true, g.live
}

func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
