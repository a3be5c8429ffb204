package services

import "sync"

// Completion is a single-use promise for a task's terminal status code.
// The first of Complete, Fail or Cancel wins; later calls are ignored.
type Completion struct {
	once sync.Once
	done chan struct{}
	code int
	err  error
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) settle(code int, err error) {
	c.once.Do(func() {
		c.code = code
		c.err = err
		close(c.done)
	})
}

func (c *Completion) Complete(code int) { c.settle(code, nil) }

func (c *Completion) Fail(err error) { c.settle(-1, err) }

func (c *Completion) Cancel() { c.settle(-1, ErrTaskCanceled) }

func (c *Completion) Done() <-chan struct{} { return c.done }

// Result blocks until the completion settles. A cancelled task reports
// ErrTaskCanceled.
func (c *Completion) Result() (int, error) {
	<-c.done
	return c.code, c.err
}

// Settled reports whether Result would return without blocking.
func (c *Completion) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
