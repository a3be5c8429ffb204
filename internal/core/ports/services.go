package ports

import (
	"context"
	"time"

	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/protocol"
)

// Connection is one live channel held by a connection store.
type Connection interface {
	ID() string
	IsActive() bool
	Close() error
}

// AgentConnection is the proxy's channel to one agent.
type AgentConnection interface {
	Connection
	Version() int
	SetVersion(v int)
	RemoteAddr() string
	Write(d *protocol.Datagram) error
}

// UIConnection is the proxy's channel to one UI client.
type UIConnection interface {
	Connection
	Send(resp *domain.UIResponse) error
}

// Job is an executable diagnostic unit run by a JobStore.
type Job interface {
	ID() string
	Run(ctx context.Context) (int, error)
}

// PausableJob is a Job that can be held and released while running.
type PausableJob interface {
	Job
	Pause()
	Resume()
}

// Completer is the producer side of a task's completion signal.
type Completer interface {
	Complete(code int)
	Fail(err error)
	Cancel()
}

// JobStore executes jobs and is the authority on their run state.
type JobStore interface {
	Submit(job Job, done Completer) error
	Stop(id string) error
	Pause(id string) error
	Resume(id string) error
}

// Task is one diagnostic command's unit of work.
type Task interface {
	ID() string
	MaxRunning() time.Duration
	CreateJob() Job
}

// Archiver ships finished profiler files off the proxy.
type Archiver interface {
	Archive(ctx context.Context, localPath, remoteName string) error
}
