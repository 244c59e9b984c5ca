package process

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task receives every chunk the supervised process writes to stdout while
// the task holds the session. It must eventually call sess.Done or
// sess.Fail, or the session ends when the process stops.
type Task func(sess *Session, chunk []byte)

// RunOption configures a single submission.
type RunOption func(*runOptions)

type runOptions struct {
	keepAlive bool
	onStart   func(*Session)
	label     string
}

// WithKeepAlive leaves the process running after this task finishes even
// if nothing else is queued. The idle timer still applies.
func WithKeepAlive() RunOption {
	return func(o *runOptions) { o.keepAlive = true }
}

// WithOnStart registers fn to run once the process is up and the task
// holds the session, before any output is delivered to it.
func WithOnStart(fn func(*Session)) RunOption {
	return func(o *runOptions) { o.onStart = fn }
}

// WithLabel names the task in logs and reports.
func WithLabel(label string) RunOption {
	return func(o *runOptions) { o.label = label }
}

// Pending is the future returned by Submit.
type Pending struct {
	id          string
	task        Task
	opts        runOptions
	ctx         context.Context
	sess        *Session
	stopWatch   func() bool
	submittedAt time.Time

	// Guarded by Supervisor.mu.
	startedAt  time.Time
	finishedAt time.Time
	bytes      int64
	attached   bool
	deferred   bool
	canceled   bool
	cause      error
	resolved   bool

	done chan struct{}
	err  error
}

func newPending(ctx context.Context, task Task, opts []RunOption) *Pending {
	p := &Pending{
		id:          uuid.NewString(),
		task:        task,
		ctx:         ctx,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&p.opts)
	}
	return p
}

// ID returns the task's unique identifier.
func (p *Pending) ID() string {
	return p.id
}

// Label returns the label set with WithLabel.
func (p *Pending) Label() string {
	return p.opts.label
}

// Done is closed once the task has been resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the task's result. Only valid after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the task has been resolved and returns its result.
func (p *Pending) Wait() error {
	<-p.done
	return p.err
}

// Session is a task's handle on the supervised process while it holds
// the output listener.
type Session struct {
	s *Supervisor
	p *Pending
}

// ID returns the owning task's identifier.
func (sess *Session) ID() string {
	return sess.p.id
}

// Context returns the context the task was submitted with.
func (sess *Session) Context() context.Context {
	return sess.p.ctx
}

// Done resolves the task successfully and releases the session.
// Calls after the first are ignored.
func (sess *Session) Done() {
	sess.s.finish(sess.p, nil)
}

// Fail resolves the task with err and releases the session.
// Fail(nil) is equivalent to Done.
func (sess *Session) Fail(err error) {
	sess.s.finish(sess.p, err)
}

// commandQueue is the FIFO of tasks waiting for the session.
// Guarded by Supervisor.mu.
type commandQueue struct {
	items []*Pending
}

func (q *commandQueue) push(p *Pending) {
	q.items = append(q.items, p)
}

func (q *commandQueue) pop() *Pending {
	if len(q.items) == 0 {
		return nil
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p
}

func (q *commandQueue) remove(p *Pending) bool {
	for i, item := range q.items {
		if item == p {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *commandQueue) drain() []*Pending {
	items := q.items
	q.items = nil
	return items
}

func (q *commandQueue) len() int {
	return len(q.items)
}
