package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/protocol"
)

type fakeAgentConn struct {
	id       string
	version  atomic.Int32
	closed   atomic.Bool
	writeErr error

	mu      sync.Mutex
	written []*protocol.Datagram
}

func newFakeAgent(id string) *fakeAgentConn { return &fakeAgentConn{id: id} }

func (c *fakeAgentConn) ID() string         { return c.id }
func (c *fakeAgentConn) IsActive() bool     { return !c.closed.Load() }
func (c *fakeAgentConn) Close() error       { c.closed.Store(true); return nil }
func (c *fakeAgentConn) Version() int       { return int(c.version.Load()) }
func (c *fakeAgentConn) SetVersion(v int)   { c.version.Store(int32(v)) }
func (c *fakeAgentConn) RemoteAddr() string { return "10.0.0.1:40000" }

func (c *fakeAgentConn) Write(d *protocol.Datagram) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, d)
	return nil
}

func (c *fakeAgentConn) codes() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int32, 0, len(c.written))
	for _, d := range c.written {
		out = append(out, d.Code())
	}
	return out
}

func (c *fakeAgentConn) last() *protocol.Datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return nil
	}
	return c.written[len(c.written)-1]
}

type fakeUIConn struct {
	id     string
	closed atomic.Bool
	// onSend runs after a response is recorded, outside the lock.
	onSend func(resp *domain.UIResponse)

	mu   sync.Mutex
	sent []*domain.UIResponse
}

func newFakeUI(id string) *fakeUIConn { return &fakeUIConn{id: id} }

func (c *fakeUIConn) ID() string     { return c.id }
func (c *fakeUIConn) IsActive() bool { return !c.closed.Load() }
func (c *fakeUIConn) Close() error   { c.closed.Store(true); return nil }

func (c *fakeUIConn) Send(resp *domain.UIResponse) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.mu.Lock()
	c.sent = append(c.sent, resp)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(resp)
	}
	return nil
}

func (c *fakeUIConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, r := range c.sent {
		out = append(out, r.Type)
	}
	return out
}

func (c *fakeUIConn) find(typ string) *domain.UIResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.sent {
		if r.Type == typ {
			return r
		}
	}
	return nil
}

func (c *fakeUIConn) has(typ string) bool { return c.find(typ) != nil }

// fakeRunningTask records the lifecycle calls a registry makes.
type fakeRunningTask struct {
	id         string
	maxRunning time.Duration

	cancelErr   error
	cancelPanic bool
	cancelDelay time.Duration

	cancels atomic.Int32
	pauses  atomic.Int32
	resumes atomic.Int32
}

func newFakeTask(id string, maxRunning time.Duration) *fakeRunningTask {
	return &fakeRunningTask{id: id, maxRunning: maxRunning}
}

func (t *fakeRunningTask) ID() string                { return t.id }
func (t *fakeRunningTask) MaxRunning() time.Duration { return t.maxRunning }
func (t *fakeRunningTask) Execute() *Completion      { return NewCompletion() }

func (t *fakeRunningTask) Cancel() error {
	t.cancels.Add(1)
	if t.cancelDelay > 0 {
		time.Sleep(t.cancelDelay)
	}
	if t.cancelPanic {
		panic("job store exploded")
	}
	return t.cancelErr
}

func (t *fakeRunningTask) Pause() error  { t.pauses.Add(1); return nil }
func (t *fakeRunningTask) Resume() error { t.resumes.Add(1); return nil }

type memEventRepo struct {
	mu     sync.Mutex
	events []domain.TaskEvent
	pruned atomic.Int32
}

func (r *memEventRepo) Create(_ context.Context, ev *domain.TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

func (r *memEventRepo) GetByTask(_ context.Context, taskID string) ([]domain.TaskEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TaskEvent
	for _, ev := range r.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *memEventRepo) GetAll(_ context.Context, limit int) ([]domain.TaskEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.events) {
		limit = len(r.events)
	}
	out := make([]domain.TaskEvent, limit)
	copy(out, r.events[len(r.events)-limit:])
	return out, nil
}

func (r *memEventRepo) CleanupOld(context.Context, time.Duration) (int64, error) {
	r.pruned.Add(1)
	return 0, nil
}

func (r *memEventRepo) types(taskID string) []domain.TaskEventType {
	evs, _ := r.GetByTask(context.Background(), taskID)
	out := make([]domain.TaskEventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
