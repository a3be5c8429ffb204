package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/internal/protocol"
	"github.com/diaglink/proxy/pkg/utils/crypto"
	"github.com/diaglink/proxy/pkg/utils/keygen"
)

const defaultMaxRunning = 10 * time.Minute

type SessionManagerConfig struct {
	// TokenSecret signs UI JWTs. Token checks are off when empty.
	TokenSecret string
	// MaxRunningFor returns the time budget for a command name.
	MaxRunningFor func(name string) time.Duration
}

// SessionManager turns decoded UI requests into registered agent tasks
// and feeds agent replies back to the UI channel that asked.
type SessionManager struct {
	cfg      SessionManagerConfig
	agents   *AgentConnectionStore
	registry *TaskRegistry
	jobs     ports.JobStore
	timeline *TaskTimeline
	logger   *logger.Logger

	tasks sync.Map // task id -> *AgentCommandTask
}

func NewSessionManager(
	cfg SessionManagerConfig,
	agents *AgentConnectionStore,
	registry *TaskRegistry,
	jobs ports.JobStore,
	timeline *TaskTimeline,
	log *logger.Logger,
) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		agents:   agents,
		registry: registry,
		jobs:     jobs,
		timeline: timeline,
		logger:   log,
	}
}

// Handle acts on one decoded UI request. Failures are reported on ui and
// never close it.
func (m *SessionManager) Handle(ui ports.UIConnection, req *domain.RequestData) {
	if m.cfg.TokenSecret != "" {
		if err := crypto.VerifyToken(m.cfg.TokenSecret, req.User, req.App, req.Token); err != nil {
			m.logger.Warnw("session_unauthorized", "ui", ui.ID(), "user", req.User, "app", req.App, "error", err)
			m.reply(ui, domain.ErrorResponse(req.ID, "", ErrUnauthorized.Error()))
			return
		}
	}

	code := req.Code()
	if code.IsControl() {
		m.control(ui, code, req.Command)
		return
	}
	if len(req.Hosts) == 0 {
		m.reply(ui, domain.ErrorResponse(req.ID, "", "no target host"))
		return
	}

	reqID := req.ID
	if reqID == "" {
		reqID = keygen.GenerateUUID()
	}
	for _, host := range req.Hosts {
		m.submit(ui, req, fmt.Sprintf("%s@%s", reqID, host), host)
	}
}

func (m *SessionManager) submit(ui ports.UIConnection, req *domain.RequestData, id, host string) {
	code := req.Code()
	event := domain.TaskEvent{TaskID: id, Command: code.Name(), AgentID: host, App: req.App, User: req.User}

	if _, ok := m.agents.Get(host); !ok {
		m.logger.Warnw("session_agent_not_connected", "task_id", id, "agent_id", host)
		m.reply(ui, domain.ErrorResponse(id, host, ErrAgentNotConnected.Error()))
		m.record(event, domain.TaskEventRejected, -1, ErrAgentNotConnected.Error())
		return
	}

	maxRunning := defaultMaxRunning
	if m.cfg.MaxRunningFor != nil {
		if d := m.cfg.MaxRunningFor(code.Name()); d > 0 {
			maxRunning = d
		}
	}

	task := newAgentCommandTask(id, host, ui, req, maxRunning, m.agents)
	if _, dup := m.tasks.LoadOrStore(id, task); dup {
		m.logger.Infow("session_duplicate_request", "task_id", id)
		return
	}

	rt := NewRunningTask(m.jobs, task)
	if !m.registry.Register(rt) {
		m.tasks.CompareAndDelete(id, task)
		if m.registry.Closed() {
			m.reply(ui, domain.ErrorResponse(id, host, ErrRegistryClosed.Error()))
			m.record(event, domain.TaskEventRejected, -1, ErrRegistryClosed.Error())
		}
		return
	}

	m.reply(ui, &domain.UIResponse{Type: domain.UIResponseAccepted, ID: id, Host: host, Command: int(code)})
	m.record(event, domain.TaskEventRegistered, 0, "")

	completion := rt.Execute()
	go m.await(task, event, completion)
}

// await settles a task once its job has returned. A task that was
// cancelled or reclaimed is already gone from the registry and gets no
// terminal reply; the UI learns of it from the missing result.
func (m *SessionManager) await(task *AgentCommandTask, event domain.TaskEvent, c *Completion) {
	<-c.Done()
	m.tasks.CompareAndDelete(task.id, task)
	owned := m.registry.Finish(task.id)
	code, err := c.Result()

	switch {
	case errors.Is(err, ErrTaskCanceled):
		m.record(event, domain.TaskEventCancelled, code, "")
	case err != nil:
		m.logger.Warnw("session_task_failed", "task_id", task.id, "agent_id", task.agentID, "error", err)
		m.record(event, domain.TaskEventFailed, code, err.Error())
		if owned {
			m.reply(task.ui, domain.ErrorResponse(task.id, task.agentID, err.Error()))
		}
	default:
		m.logger.Infow("session_task_finished", "task_id", task.id, "agent_id", task.agentID, "code", code)
		m.record(event, domain.TaskEventFinished, code, "")
		if owned {
			m.reply(task.ui, &domain.UIResponse{
				Type:    domain.UIResponseFinished,
				ID:      task.id,
				Host:    task.agentID,
				Command: int(task.code),
				Status:  code,
			})
		}
	}
}

func (m *SessionManager) control(ui ports.UIConnection, code domain.CommandCode, id string) {
	task, ok := m.lookup(id)
	if !ok {
		m.reply(ui, domain.ErrorResponse(id, "", ErrTaskUnknown.Error()))
		return
	}
	switch code {
	case domain.CmdCancel:
		if m.registry.Cancel(id) {
			m.reply(ui, &domain.UIResponse{Type: domain.UIResponseCancelled, ID: id, Host: task.agentID})
		}
	case domain.CmdPause:
		m.registry.Pause(id)
	case domain.CmdResume:
		m.registry.Resume(id)
	}
	m.logger.Infow("session_control", "task_id", id, "command", code.Name(), "ui", ui.ID())
}

func (m *SessionManager) lookup(id string) (*AgentCommandTask, bool) {
	v, ok := m.tasks.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*AgentCommandTask), true
}

// Deliver hands an agent response to the task it belongs to.
func (m *SessionManager) Deliver(id string, d *protocol.Datagram) {
	task, ok := m.lookup(id)
	if !ok {
		m.logger.Debugw("session_orphan_response", "task_id", id, "code", d.Code())
		d.Release()
		return
	}
	task.deliver(d)
}

// Ack tells the UI the agent accepted the task.
func (m *SessionManager) Ack(id string) {
	task, ok := m.lookup(id)
	if !ok {
		return
	}
	m.reply(task.ui, &domain.UIResponse{Type: domain.UIResponseAcked, ID: id, Host: task.agentID, Command: int(task.code)})
}

// AgentGone fails every task bound to agentID.
func (m *SessionManager) AgentGone(agentID string) {
	n := 0
	m.each(func(t *AgentCommandTask) {
		if t.agentID == agentID {
			t.agentGone()
			n++
		}
	})
	if n > 0 {
		m.logger.Warnw("session_agent_gone", "agent_id", agentID, "tasks", n)
	}
}

// PauseConnection pauses every task whose results go to ui.
func (m *SessionManager) PauseConnection(ui ports.UIConnection) {
	m.forUI(ui, m.registry.Pause)
	m.logger.Debugw("session_ui_paused", "ui", ui.ID())
}

func (m *SessionManager) ResumeConnection(ui ports.UIConnection) {
	m.forUI(ui, m.registry.Resume)
	m.logger.Debugw("session_ui_resumed", "ui", ui.ID())
}

// UIClosed cancels every task owned by a UI channel that went away.
func (m *SessionManager) UIClosed(ui ports.UIConnection) {
	m.forUI(ui, func(id string) { m.registry.Cancel(id) })
}

// ProfilerFileStored tells the owning UI that a profiler file is ready.
func (m *SessionManager) ProfilerFileStored(taskID, name string) {
	task, ok := m.lookup(taskID)
	if !ok {
		return
	}
	m.reply(task.ui, &domain.UIResponse{
		Type:    domain.UIResponseProfilerFile,
		ID:      taskID,
		Host:    task.agentID,
		Message: name,
	})
}

// RefreshAgents asks agents to reload their metadata. With no ids every
// connected agent is asked. It returns the agents the request failed for.
func (m *SessionManager) RefreshAgents(ids []string) map[string]error {
	var conns []ports.AgentConnection
	failed := make(map[string]error)
	if len(ids) == 0 {
		conns = m.agents.All()
	} else {
		for _, id := range ids {
			if c, ok := m.agents.Get(id); ok {
				conns = append(conns, c)
			} else {
				failed[id] = ErrAgentNotConnected
			}
		}
	}
	for _, c := range conns {
		d := protocol.NewRequest(int32(domain.CmdRefreshTip), keygen.GenerateUUID(), nil)
		if err := c.Write(d); err != nil {
			failed[c.ID()] = err
			continue
		}
		m.logger.Infow("agent_refresh_sent", "agent_id", c.ID())
	}
	return failed
}

// Tasks returns the ids of the tasks the manager is tracking.
func (m *SessionManager) Tasks() []string {
	var ids []string
	m.each(func(t *AgentCommandTask) { ids = append(ids, t.id) })
	return ids
}

func (m *SessionManager) forUI(ui ports.UIConnection, fn func(id string)) {
	uiID := ui.ID()
	m.each(func(t *AgentCommandTask) {
		if t.ui.ID() == uiID {
			fn(t.id)
		}
	})
}

func (m *SessionManager) each(fn func(*AgentCommandTask)) {
	m.tasks.Range(func(_, v any) bool {
		fn(v.(*AgentCommandTask))
		return true
	})
}

func (m *SessionManager) reply(ui ports.UIConnection, resp *domain.UIResponse) {
	if err := ui.Send(resp); err != nil {
		m.logger.Warnw("session_reply_failed", "ui", ui.ID(), "type", resp.Type, "error", err)
	}
}

func (m *SessionManager) record(ev domain.TaskEvent, typ domain.TaskEventType, code int, msg string) {
	ev.Type = typ
	ev.Code = code
	ev.Message = msg
	m.timeline.Record(ev)
}
