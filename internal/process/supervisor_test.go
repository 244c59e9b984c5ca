package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// tickerScript prints a numbered line every 20ms until signalled.
const tickerScript = `i=0; while :; do i=$((i+1)); echo "line $i"; sleep 0.02; done`

func shConfig(script string) Config {
	cfg := DefaultConfig("test", "/bin/sh", []string{"-c", script})
	cfg.VersionArgs = []string{"-c", "echo 1.0.0"}
	cfg.GracefulTimeout = 2 * time.Second
	return cfg
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	s := NewSupervisor(cfg)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitResult(t *testing.T, p *Pending) error {
	t.Helper()
	select {
	case <-p.Done():
		return p.Err()
	case <-time.After(10 * time.Second):
		t.Fatalf("task %s not resolved", p.ID())
		return nil
	}
}

type transitionLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *transitionLog) record(from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, string(from)+"->"+string(to))
}

func (l *transitionLog) count(transition string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.seen {
		if s == transition {
			n++
		}
	}
	return n
}

func (l *transitionLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	missing []ToolNotice
	warns   []string
}

func (n *recordingNotifier) ToolMissing(_ context.Context, notice ToolNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missing = append(n.missing, notice)
}

func (n *recordingNotifier) Warn(_ context.Context, msg string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warns = append(n.warns, msg)
}

func TestNewSupervisor_Defaults(t *testing.T) {
	s := NewSupervisor(Config{Binary: "verdaccio"})

	if s.config.Name != "verdaccio" {
		t.Errorf("Name = %q, want %q", s.config.Name, "verdaccio")
	}
	if s.config.IdleTimeout != 30*time.Second {
		t.Errorf("IdleTimeout = %v, want %v", s.config.IdleTimeout, 30*time.Second)
	}
	if s.config.GracefulTimeout != 10*time.Second {
		t.Errorf("GracefulTimeout = %v, want %v", s.config.GracefulTimeout, 10*time.Second)
	}
	if s.config.StopSignal != syscall.SIGINT {
		t.Errorf("StopSignal = %v, want SIGINT", s.config.StopSignal)
	}
	if len(s.config.VersionArgs) != 1 || s.config.VersionArgs[0] != "--version" {
		t.Errorf("VersionArgs = %v, want [--version]", s.config.VersionArgs)
	}
	if s.State() != StateStopped {
		t.Errorf("initial State() = %q, want %q", s.State(), StateStopped)
	}
	if s.PID() != 0 {
		t.Errorf("PID() = %d, want 0", s.PID())
	}
}

func TestSupervisor_Version(t *testing.T) {
	s := NewSupervisor(shConfig("true"))

	got, err := s.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error: %v", err)
	}
	if got != "1.0.0" {
		t.Errorf("Version() = %q, want %q", got, "1.0.0")
	}
	if s.State() != StateStopped {
		t.Errorf("State() after Version() = %q, want %q", s.State(), StateStopped)
	}
}

func TestSupervisor_FIFOScenario(t *testing.T) {
	var log transitionLog
	cfg := shConfig(tickerScript)
	cfg.OnStateChange = log.record
	s := newTestSupervisor(t, cfg)

	var mu sync.Mutex
	var order []string
	task := func(name string) Task {
		return func(sess *Session, _ []byte) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			sess.Done()
		}
	}

	ctx := context.Background()
	a := s.Submit(ctx, task("A"), WithLabel("A"))
	b := s.Submit(ctx, task("B"), WithLabel("B"))
	c := s.Submit(ctx, task("C"), WithLabel("C"))

	for _, p := range []*Pending{a, b, c} {
		if err := waitResult(t, p); err != nil {
			t.Errorf("task %s error: %v", p.Label(), err)
		}
	}

	mu.Lock()
	got := strings.Join(order, ",")
	mu.Unlock()
	if got != "A,B,C" {
		t.Errorf("service order = %s, want A,B,C", got)
	}

	if starts := s.Stats().Starts; starts != 1 {
		t.Errorf("Starts = %d, want 1", starts)
	}

	// Nothing left in the queue and no keep-alive: the process is stopped.
	waitFor(t, 5*time.Second, "stopped state", func() bool { return s.State() == StateStopped })
	s.hooks.flush()

	seen := log.list()
	if len(seen) < 2 || seen[0] != "stopped->starting" || seen[1] != "starting->running" {
		t.Errorf("transitions = %v, want stopped->starting, starting->running first", seen)
	}
}

func TestSupervisor_SingleActiveListener(t *testing.T) {
	s := newTestSupervisor(t, shConfig(tickerScript))

	const tasks = 5
	var mu sync.Mutex
	owner := map[string]int{}
	duplicates := 0

	pending := make([]*Pending, 0, tasks)
	for i := 0; i < tasks; i++ {
		chunks := 0
		pending = append(pending, s.Submit(context.Background(), func(sess *Session, chunk []byte) {
			mu.Lock()
			sc := bufio.NewScanner(bytes.NewReader(chunk))
			for sc.Scan() {
				line := sc.Text()
				if _, ok := owner[line]; ok {
					duplicates++
				}
				owner[line] = i
			}
			mu.Unlock()

			chunks++
			if chunks == 3 {
				sess.Done()
			}
		}))
	}

	for _, p := range pending {
		if err := waitResult(t, p); err != nil {
			t.Errorf("task error: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if duplicates != 0 {
		t.Errorf("%d lines delivered to more than one task", duplicates)
	}
	if len(owner) < tasks*3 {
		t.Errorf("delivered %d lines, want at least %d", len(owner), tasks*3)
	}
}

func TestSupervisor_IdleShutdownAndRestart(t *testing.T) {
	var log transitionLog
	cfg := shConfig("echo ready; sleep 30")
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.OnStateChange = log.record
	s := newTestSupervisor(t, cfg)

	start := func() {
		t.Helper()
		err := s.Run(context.Background(), nil,
			WithKeepAlive(),
			WithOnStart(func(sess *Session) { sess.Done() }),
		)
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	}

	start()
	if s.State() != StateRunning {
		t.Fatalf("State() after keep-alive run = %q, want %q", s.State(), StateRunning)
	}

	waitFor(t, 5*time.Second, "idle stop", func() bool { return s.State() == StateStopped })

	start()
	if starts := s.Stats().Starts; starts != 2 {
		t.Errorf("Starts = %d, want 2", starts)
	}

	s.hooks.flush()
	if n := log.count("stopped->starting"); n != 2 {
		t.Errorf("stopped->starting transitions = %d, want 2", n)
	}
}

func TestSupervisor_AbnormalExitRejectsActive(t *testing.T) {
	s := newTestSupervisor(t, shConfig("echo started; echo boom >&2; exit 3"))

	err := s.Run(context.Background(), func(*Session, []byte) {})

	var supErr *SupervisorError
	if !errors.As(err, &supErr) {
		t.Fatalf("Run() error = %v, want *SupervisorError", err)
	}
	if supErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", supErr.ExitCode)
	}
	if !strings.Contains(supErr.Stderr, "boom") {
		t.Errorf("Stderr = %q, want it to contain %q", supErr.Stderr, "boom")
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %q, want %q", s.State(), StateStopped)
	}
}

func TestSupervisor_ExitWhileChildHoldsOutput(t *testing.T) {
	cfg := shConfig("sleep 5 & echo started; exit 3")
	cfg.IdleTimeout = -1
	s := newTestSupervisor(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	begin := time.Now()
	err := s.Run(ctx, func(*Session, []byte) {})

	var supErr *SupervisorError
	if !errors.As(err, &supErr) {
		t.Fatalf("Run() error = %v, want *SupervisorError", err)
	}
	if supErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", supErr.ExitCode)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("exit noticed after %v, want well before the child finishes", elapsed)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %q, want %q", s.State(), StateStopped)
	}
}

func TestSupervisor_CleanExitResolvesActive(t *testing.T) {
	s := newTestSupervisor(t, shConfig("echo done"))

	if err := s.Run(context.Background(), func(*Session, []byte) {}); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestSupervisor_FailurePassesThrough(t *testing.T) {
	s := newTestSupervisor(t, shConfig(tickerScript))
	want := errors.New("bad output")

	err := s.Run(context.Background(), func(sess *Session, _ []byte) {
		sess.Fail(want)
	})
	if !errors.Is(err, want) {
		t.Errorf("Run() error = %v, want %v", err, want)
	}
}

func TestSupervisor_CancelActive(t *testing.T) {
	s := newTestSupervisor(t, shConfig(tickerScript))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := s.Submit(ctx, func(*Session, []byte) { cancel() })
	err := waitResult(t, p)

	var supErr *SupervisorError
	if !errors.As(err, &supErr) {
		t.Fatalf("error = %v, want *SupervisorError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want it to wrap context.Canceled", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %q, want %q", s.State(), StateStopped)
	}
}

func TestSupervisor_CancelQueued(t *testing.T) {
	s := newTestSupervisor(t, shConfig(tickerScript))

	started := make(chan *Session, 1)
	a := s.Submit(context.Background(), nil, WithOnStart(func(sess *Session) { started <- sess }))

	var sess *Session
	select {
	case sess = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task A never started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := s.Submit(ctx, func(sess *Session, _ []byte) { sess.Done() })
	if s.QueueLen() != 1 {
		t.Fatalf("QueueLen() = %d, want 1", s.QueueLen())
	}
	cancel()

	if err := waitResult(t, b); !errors.Is(err, context.Canceled) {
		t.Errorf("queued task error = %v, want context.Canceled", err)
	}
	if s.QueueLen() != 0 {
		t.Errorf("QueueLen() after cancel = %d, want 0", s.QueueLen())
	}

	sess.Done()
	if err := waitResult(t, a); err != nil {
		t.Errorf("task A error: %v", err)
	}
}

func TestSupervisor_ToolMissing(t *testing.T) {
	var log transitionLog
	cfg := shConfig(tickerScript)
	// A slow failing tool check leaves room to queue tasks behind it.
	cfg.VersionArgs = []string{"-c", "sleep 0.3; exit 1"}
	cfg.InstallHint = "npm install --global verdaccio"
	cfg.OnStateChange = log.record
	s := newTestSupervisor(t, cfg)
	notifier := &recordingNotifier{}
	s.SetNotifier(notifier)

	ctx := context.Background()
	first := s.Submit(ctx, nil)
	queued := []*Pending{s.Submit(ctx, nil), s.Submit(ctx, nil)}

	var tm *ToolMissingError
	if err := waitResult(t, first); !errors.As(err, &tm) {
		t.Fatalf("first task error = %v, want *ToolMissingError", err)
	}
	for i, p := range queued {
		err := waitResult(t, p)
		if !errors.Is(err, ErrNotServiced) {
			t.Errorf("queued task %d error = %v, want ErrNotServiced", i, err)
		}
		if !errors.As(err, &tm) {
			t.Errorf("queued task %d error = %v, want *ToolMissingError in chain", i, err)
		}
	}

	if s.State() != StateToolMissing {
		t.Fatalf("State() = %q, want %q", s.State(), StateToolMissing)
	}

	// Fast path: resolved before Submit returns, nothing spawned.
	late := s.Submit(ctx, nil)
	select {
	case <-late.Done():
	default:
		t.Fatal("Submit() in tool_missing state did not resolve immediately")
	}
	if !errors.As(late.Err(), &tm) {
		t.Errorf("late task error = %v, want *ToolMissingError", late.Err())
	}

	stats := s.Stats()
	if stats.Starts != 0 || s.PID() != 0 {
		t.Errorf("Starts = %d, PID = %d, want no process", stats.Starts, s.PID())
	}

	s.hooks.flush()
	if n := log.count("stopped->starting"); n != 1 {
		t.Errorf("stopped->starting transitions = %d, want 1", n)
	}
	if n := log.count("starting->tool_missing"); n != 1 {
		t.Errorf("starting->tool_missing transitions = %d, want 1", n)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.missing) != 1 {
		t.Fatalf("ToolMissing notices = %d, want 1", len(notifier.missing))
	}
	if notifier.missing[0].Hint != cfg.InstallHint {
		t.Errorf("notice Hint = %q, want %q", notifier.missing[0].Hint, cfg.InstallHint)
	}
}

func TestSupervisor_ToolMissing_NoBinary(t *testing.T) {
	s := newTestSupervisor(t, Config{Binary: "/nonexistent/regsup-test-binary"})

	err := s.Run(context.Background(), nil)
	var tm *ToolMissingError
	if !errors.As(err, &tm) {
		t.Fatalf("Run() error = %v, want *ToolMissingError", err)
	}
	if tm.Binary != "/nonexistent/regsup-test-binary" {
		t.Errorf("Binary = %q, want %q", tm.Binary, "/nonexistent/regsup-test-binary")
	}
}

func TestSupervisor_SpawnFailureContinuesQueue(t *testing.T) {
	cfg := shConfig(tickerScript)
	cfg.WorkDir = "/nonexistent/regsup-workdir"
	s := newTestSupervisor(t, cfg)

	ctx := context.Background()
	a := s.Submit(ctx, nil)
	b := s.Submit(ctx, nil)

	for _, p := range []*Pending{a, b} {
		var supErr *SupervisorError
		if err := waitResult(t, p); !errors.As(err, &supErr) {
			t.Errorf("error = %v, want *SupervisorError", err)
		} else if supErr.ExitCode != -1 {
			t.Errorf("ExitCode = %d, want -1", supErr.ExitCode)
		}
	}

	if s.State() != StateStopped {
		t.Errorf("State() = %q, want %q", s.State(), StateStopped)
	}
}

func TestSupervisor_StopResolvesActive(t *testing.T) {
	s := newTestSupervisor(t, shConfig(tickerScript))

	started := make(chan struct{})
	p := s.Submit(context.Background(), nil, WithOnStart(func(*Session) { close(started) }))
	<-started

	if !s.IsRunning() || s.PID() == 0 {
		t.Fatal("process not running after start")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := waitResult(t, p); err != nil {
		t.Errorf("active task error after Stop() = %v, want nil", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %q, want %q", s.State(), StateStopped)
	}
}

func TestSupervisor_StopWhileStarting(t *testing.T) {
	cfg := shConfig(tickerScript)
	cfg.VersionArgs = []string{"-c", "sleep 0.3; echo 1.0.0"}
	s := newTestSupervisor(t, cfg)

	p := s.Submit(context.Background(), nil)
	waitFor(t, 2*time.Second, "starting state", func() bool { return s.State() == StateStarting })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() after Stop() = %q, want %q", s.State(), StateStopped)
	}
	if err := waitResult(t, p); err != nil {
		t.Errorf("active task error after Stop() = %v, want nil", err)
	}
	if s.IsRunning() {
		t.Error("process running after Stop() during start")
	}
}

func TestSupervisor_Close(t *testing.T) {
	s := NewSupervisor(shConfig(tickerScript))

	started := make(chan struct{})
	a := s.Submit(context.Background(), nil, WithOnStart(func(*Session) { close(started) }))
	<-started
	b := s.Submit(context.Background(), nil)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := waitResult(t, b); !errors.Is(err, ErrClosed) {
		t.Errorf("queued task error = %v, want ErrClosed", err)
	}
	if err := waitResult(t, a); err != nil {
		t.Errorf("active task error = %v, want nil", err)
	}

	late := s.Submit(context.Background(), nil)
	if err := waitResult(t, late); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close() error = %v, want ErrClosed", err)
	}
}

func TestSupervisor_TaskReport(t *testing.T) {
	reports := make(chan TaskReport, 1)
	cfg := shConfig(tickerScript)
	cfg.OnTaskDone = func(r TaskReport) { reports <- r }
	s := newTestSupervisor(t, cfg)

	p := s.Submit(context.Background(), func(sess *Session, _ []byte) { sess.Done() }, WithLabel("smoke"))
	if err := waitResult(t, p); err != nil {
		t.Fatalf("task error: %v", err)
	}

	select {
	case r := <-reports:
		if r.ID != p.ID() {
			t.Errorf("ID = %q, want %q", r.ID, p.ID())
		}
		if r.Label != "smoke" {
			t.Errorf("Label = %q, want %q", r.Label, "smoke")
		}
		if r.Outcome != OutcomeOK {
			t.Errorf("Outcome = %q, want %q", r.Outcome, OutcomeOK)
		}
		if r.Bytes == 0 {
			t.Error("Bytes = 0, want delivered output counted")
		}
		if r.StartedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
			t.Errorf("StartedAt = %v, FinishedAt = %v", r.StartedAt, r.FinishedAt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnTaskDone not called")
	}
}

func TestOutcomeOf(t *testing.T) {
	tm := &ToolMissingError{Binary: "verdaccio", Err: errors.New("not found")}

	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"not serviced", errors.Join(ErrNotServiced, tm), OutcomeNotServiced},
		{"tool missing", tm, OutcomeToolMissing},
		{"closed", ErrClosed, OutcomeClosed},
		{"canceled", &SupervisorError{Name: "x", Err: context.Canceled}, OutcomeCanceled},
		{"deadline", context.DeadlineExceeded, OutcomeCanceled},
		{"exit", &SupervisorError{Name: "x", ExitCode: 2, Err: errors.New("exit status 2")}, OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outcomeOf(tt.err); got != tt.want {
				t.Errorf("outcomeOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestSupervisorError_Message(t *testing.T) {
	tests := []struct {
		err  *SupervisorError
		want string
	}{
		{&SupervisorError{Name: "v", ExitCode: 3, Err: errors.New("exit status 3")}, "process: v exited with code 3: exit status 3"},
		{&SupervisorError{Name: "v", ExitCode: -1, Signal: "killed", Err: errors.New("signal: killed")}, "process: v terminated by signal killed: signal: killed"},
		{&SupervisorError{Name: "v", ExitCode: -1, Err: context.Canceled}, "process: v: context canceled"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
