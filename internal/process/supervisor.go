package process

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/registry-supervisor/internal/buffer"
)

// State represents the lifecycle state of the supervised process.
type State string

const (
	StateStopped     State = "stopped"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateToolMissing State = "tool_missing"
)

// Default tuning values.
const (
	DefaultIdleTimeout     = 30 * time.Second
	DefaultGracefulTimeout = 10 * time.Second
	DefaultRetainBytes     = 64 * 1024
	DefaultToolTimeout     = 10 * time.Second
)

// Config holds configuration for the supervised process.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the executable to run, resolved through PATH.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// The process always inherits the parent environment.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// VersionArgs are passed to Binary for the one-time tool check.
	VersionArgs []string

	// InstallHint is the command shown to the user when the tool is missing.
	InstallHint string

	// ToolTimeout bounds the tool check.
	ToolTimeout time.Duration

	// IdleTimeout stops the process after this long without output or task
	// activity. Negative disables the idle stop.
	IdleTimeout time.Duration

	// GracefulTimeout is how long to wait after StopSignal before SIGKILL.
	GracefulTimeout time.Duration

	// StopSignal is sent to the process group to request shutdown.
	StopSignal syscall.Signal

	// RetainBytes caps how much output each buffer keeps once delivered.
	RetainBytes int

	// BufferInitial and BufferGrowQuantum size the output buffers.
	// Zero keeps the buffer package defaults.
	BufferInitial     int
	BufferGrowQuantum int

	// OnStateChange is called, in order, after every state transition.
	OnStateChange func(from, to State)

	// OnTaskDone is called, in order, after every task is resolved.
	OnTaskDone func(TaskReport)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:            name,
		Binary:          binary,
		Args:            args,
		VersionArgs:     []string{"--version"},
		ToolTimeout:     DefaultToolTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		GracefulTimeout: DefaultGracefulTimeout,
		StopSignal:      syscall.SIGINT,
		RetainBytes:     DefaultRetainBytes,
	}
}

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ToolNotice describes a missing supervised binary.
type ToolNotice struct {
	Name   string
	Binary string
	Hint   string
	Err    error
}

// Notifier surfaces user-facing notices.
type Notifier interface {
	// ToolMissing is called once when the tool check fails.
	ToolMissing(ctx context.Context, n ToolNotice)

	// Warn reports an advisory failure that did not abort the caller.
	Warn(ctx context.Context, msg string, err error)
}

type noopNotifier struct{}

func (noopNotifier) ToolMissing(context.Context, ToolNotice) {}
func (noopNotifier) Warn(context.Context, string, error)     {}

// Outcome classifies how a task was resolved.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeFailed      Outcome = "failed"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeNotServiced Outcome = "not_serviced"
	OutcomeToolMissing Outcome = "tool_missing"
	OutcomeClosed      Outcome = "closed"
)

// TaskReport summarises a resolved task.
type TaskReport struct {
	ID          string        `json:"id"`
	Label       string        `json:"label,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	Bytes       int64         `json:"bytes"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	FinishedAt  time.Time     `json:"finished_at"`
	Wait        time.Duration `json:"wait"`
	Duration    time.Duration `json:"duration"`

	Err error `json:"-"`
}

func outcomeOf(err error) Outcome {
	var tm *ToolMissingError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotServiced):
		return OutcomeNotServiced
	case errors.As(err, &tm):
		return OutcomeToolMissing
	case errors.Is(err, ErrClosed):
		return OutcomeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}

// stopReason records why a stop was requested.
type stopReason int

const (
	reasonNone stopReason = iota
	reasonIdle
	reasonExplicit
	reasonCancel
	reasonDrained
)

func (r stopReason) String() string {
	switch r {
	case reasonIdle:
		return "idle"
	case reasonExplicit:
		return "explicit"
	case reasonCancel:
		return "cancel"
	case reasonDrained:
		return "drained"
	default:
		return "exited"
	}
}

// Supervisor owns at most one running instance of the configured binary
// and serializes tasks against it.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Tasks and OnStart callbacks run without the supervisor lock held and
//     may call Session methods or Submit.
type Supervisor struct {
	config   Config
	logger   Logger
	notifier Notifier
	hooks    hookQueue

	mu          sync.Mutex
	state       State
	proc        *supervisedProcess
	active      *Pending
	queue       commandQueue
	toolChecked bool
	toolErr     *ToolMissingError
	closed      bool

	// stopPending is an explicit Stop that arrived while starting.
	// startDone is closed when the supervisor leaves StateStarting.
	stopPending bool
	startDone   chan struct{}

	idleTimer *time.Timer
	idleGen   uint64

	starts    int
	completed int
	failed    int
	lastError error
}

// NewSupervisor creates a supervisor with the given configuration.
// The process is not started until the first task is submitted.
func NewSupervisor(cfg Config) *Supervisor {
	// Apply defaults for zero values
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}
	if cfg.VersionArgs == nil {
		cfg.VersionArgs = []string{"--version"}
	}
	if cfg.ToolTimeout == 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = DefaultGracefulTimeout
	}
	if cfg.StopSignal == 0 {
		cfg.StopSignal = syscall.SIGINT
	}
	if cfg.RetainBytes == 0 {
		cfg.RetainBytes = DefaultRetainBytes
	}

	return &Supervisor{
		config:   cfg,
		logger:   noopLogger{},
		notifier: noopNotifier{},
		state:    StateStopped,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// SetNotifier sets the receiver of user-facing notices.
func (s *Supervisor) SetNotifier(n Notifier) {
	s.notifier = n
}

// Name returns the configured process name.
func (s *Supervisor) Name() string {
	return s.config.Name
}

// Submit queues task and returns immediately. The returned future
// resolves when the task calls Done or Fail, when the process stops, or
// when ctx is cancelled.
func (s *Supervisor) Submit(ctx context.Context, task Task, opts ...RunOption) *Pending {
	p := newPending(ctx, task, opts)
	p.sess = &Session{s: s, p: p}
	p.stopWatch = context.AfterFunc(ctx, func() {
		s.cancel(p, context.Cause(ctx))
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		s.resolveLocked(p, ErrClosed)
	case s.state == StateToolMissing:
		s.resolveLocked(p, s.toolErr)
	case ctx.Err() != nil:
		s.resolveLocked(p, context.Cause(ctx))
	case s.active == nil && (s.state == StateStopped || s.state == StateRunning):
		s.active = p
		go s.activate(p)
	default:
		s.queue.push(p)
		s.logger.Debug("task queued",
			"name", s.config.Name,
			"task", p.id,
			"label", p.opts.label,
			"position", s.queue.len(),
		)
	}
	return p
}

// Run submits task and waits for it to be resolved.
func (s *Supervisor) Run(ctx context.Context, task Task, opts ...RunOption) error {
	return s.Submit(ctx, task, opts...).Wait()
}

// cancel handles cancellation of a task's context.
func (s *Supervisor) cancel(p *Pending, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.resolved {
		return
	}
	if s.queue.remove(p) {
		s.logger.Debug("queued task cancelled", "name", s.config.Name, "task", p.id)
		s.resolveLocked(p, cause)
		return
	}
	if s.active != p {
		return
	}

	s.logger.Info("active task cancelled, stopping process", "name", s.config.Name, "task", p.id)
	p.canceled = true
	p.cause = cause
	// Starting and not-yet-started tasks notice the flag in ensureRunning.
	if s.state == StateRunning && p.attached {
		s.beginStopLocked(reasonCancel)
	}
}

// finish resolves the active task and hands the session to the next one.
func (s *Supervisor) finish(p *Pending, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.resolved || s.active != p {
		return
	}
	s.active = nil
	if p.attached && s.proc != nil {
		s.proc.stdout.Detach()
	}
	s.resolveLocked(p, err)

	if s.state == StateRunning {
		s.armIdleLocked()
	}
	s.advanceLocked(p.opts.keepAlive)
}

// advanceLocked activates the next queued task, or stops a running process
// once the queue has drained. Caller must hold s.mu.
func (s *Supervisor) advanceLocked(keepAlive bool) {
	if s.active != nil {
		return
	}
	switch s.state {
	case StateStopped, StateRunning:
	default:
		// A stopping process hands the queue over in handleExit.
		return
	}

	if next := s.queue.pop(); next != nil {
		s.active = next
		go s.activate(next)
		return
	}
	if s.state == StateRunning && !keepAlive {
		s.beginStopLocked(reasonDrained)
	}
}

// resolveLocked completes p exactly once. Caller must hold s.mu.
func (s *Supervisor) resolveLocked(p *Pending, err error) {
	if p.resolved {
		return
	}
	p.resolved = true
	p.err = err
	p.finishedAt = time.Now()
	if p.stopWatch != nil {
		p.stopWatch()
	}
	close(p.done)

	if err != nil {
		s.failed++
		s.lastError = err
	} else {
		s.completed++
	}

	s.logger.Debug("task resolved",
		"name", s.config.Name,
		"task", p.id,
		"label", p.opts.label,
		"bytes", p.bytes,
		"error", err,
	)

	if s.config.OnTaskDone != nil {
		report := p.report()
		fn := s.config.OnTaskDone
		s.hooks.push(func() { fn(report) })
	}
}

func (p *Pending) report() TaskReport {
	r := TaskReport{
		ID:          p.id,
		Label:       p.opts.label,
		Outcome:     outcomeOf(p.err),
		Bytes:       p.bytes,
		SubmittedAt: p.submittedAt,
		StartedAt:   p.startedAt,
		FinishedAt:  p.finishedAt,
		Err:         p.err,
	}
	if p.err != nil {
		r.Error = p.err.Error()
	}
	if !p.startedAt.IsZero() {
		r.Wait = p.startedAt.Sub(p.submittedAt)
		r.Duration = p.finishedAt.Sub(p.startedAt)
	} else {
		r.Wait = p.finishedAt.Sub(p.submittedAt)
	}
	return r
}

// setStateLocked records a transition. Caller must hold s.mu.
func (s *Supervisor) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug("state change", "name", s.config.Name, "from", from, "to", to)

	switch {
	case to == StateStarting:
		s.startDone = make(chan struct{})
	case from == StateStarting:
		close(s.startDone)
		if to != StateRunning {
			s.stopPending = false
		}
	}

	if fn := s.config.OnStateChange; fn != nil {
		s.hooks.push(func() { fn(from, to) })
	}
}

// armIdleLocked (re)starts the idle timer. Caller must hold s.mu.
func (s *Supervisor) armIdleLocked() {
	s.disarmIdleLocked()
	if s.config.IdleTimeout < 0 {
		return
	}
	gen := s.idleGen
	s.idleTimer = time.AfterFunc(s.config.IdleTimeout, func() {
		s.idleExpired(gen)
	})
}

// disarmIdleLocked stops the idle timer and invalidates pending fires.
// Caller must hold s.mu.
func (s *Supervisor) disarmIdleLocked() {
	s.idleGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Supervisor) idleExpired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.idleGen || s.state != StateRunning {
		return
	}
	s.logger.Debug("idle timeout reached, stopping process",
		"name", s.config.Name,
		"timeout", s.config.IdleTimeout,
	)
	s.beginStopLocked(reasonIdle)
}

// Stop stops the running process and waits for it to exit. The active
// task, if any, is resolved without error. Queued tasks restart the
// process on their turn.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == StateStarting {
		// ensureRunning applies the stop as soon as the process is up.
		s.stopPending = true
		started := s.startDone
		s.mu.Unlock()
		<-started
		s.mu.Lock()
	}
	proc := s.proc
	if proc == nil {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateRunning {
		s.beginStopLocked(reasonExplicit)
	}
	s.mu.Unlock()

	<-proc.exited
	return nil
}

// Close rejects all queued tasks with ErrClosed, stops the process and
// waits for the active task and pending hooks to finish. Later Submit
// calls fail with ErrClosed.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, p := range s.queue.drain() {
		s.resolveLocked(p, ErrClosed)
	}
	s.mu.Unlock()

	err := s.Stop()

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		<-active.done
	}

	s.hooks.flush()
	return err
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning returns true if the process is currently running.
func (s *Supervisor) IsRunning() bool {
	return s.State() == StateRunning
}

// PID returns the process ID, or 0 if not running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return s.proc.pid
	}
	return 0
}

// QueueLen returns the number of tasks waiting behind the active one.
func (s *Supervisor) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// CombinedOutput returns the retained stdout and stderr of the current
// process, interleaved in arrival order.
func (s *Supervisor) CombinedOutput() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return s.proc.combined.Bytes()
}

// Stats returns statistics about the supervised process.
type Stats struct {
	Name        string        `json:"name"`
	State       State         `json:"state"`
	PID         int           `json:"pid,omitempty"`
	Uptime      time.Duration `json:"uptime,omitempty"`
	Starts      int           `json:"starts"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Queued      int           `json:"queued"`
	ActiveTask  string        `json:"active_task,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	BufferBytes int           `json:"buffer_bytes"`
}

// Stats returns current statistics for the supervisor.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Name:      s.config.Name,
		State:     s.state,
		Starts:    s.starts,
		Completed: s.completed,
		Failed:    s.failed,
		Queued:    s.queue.len(),
	}
	if s.proc != nil {
		stats.PID = s.proc.pid
		stats.Uptime = time.Since(s.proc.startedAt)
		stats.BufferBytes = s.proc.combined.Size()
	}
	if s.active != nil {
		stats.ActiveTask = s.active.id
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}

func (s *Supervisor) newBuffer() *buffer.Buffer {
	return buffer.New(
		buffer.WithInitialCapacity(s.config.BufferInitial),
		buffer.WithGrowQuantum(s.config.BufferGrowQuantum),
	)
}
