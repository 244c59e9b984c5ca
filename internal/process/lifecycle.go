package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/registry-supervisor/internal/buffer"
)

// outputBufferSize is the buffer size for reading subprocess stdout/stderr.
const outputBufferSize = 4096

// stderrTailBytes is how much stderr a SupervisorError carries.
const stderrTailBytes = 512

// exitDrainTimeout bounds how long output is read after the process exits.
const exitDrainTimeout = 200 * time.Millisecond

var (
	// errDeferred means the task waits for the current process to exit.
	errDeferred = errors.New("activation deferred")

	// errSkip means the task was resolved before it could start.
	errSkip = errors.New("activation skipped")
)

// supervisedProcess is one running instance of the configured binary.
type supervisedProcess struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	stdout   *buffer.Buffer
	stderr   *buffer.Buffer
	combined *buffer.Buffer

	// exited is closed by handleExit.
	exited chan struct{}

	// reason is guarded by Supervisor.mu.
	reason stopReason
}

// activate gives p the session: it makes sure the process is running,
// attaches p's listener and runs its OnStart callback.
func (s *Supervisor) activate(p *Pending) {
	err := s.ensureRunning(p)
	switch {
	case err == nil:
	case errors.Is(err, errDeferred), errors.Is(err, errSkip):
		return
	default:
		var tm *ToolMissingError
		if errors.As(err, &tm) {
			s.toolMissing(p, tm)
			return
		}
		s.finish(p, err)
		return
	}

	s.mu.Lock()
	live := s.active == p && !p.resolved && !p.canceled
	s.mu.Unlock()

	if live && p.opts.onStart != nil {
		p.opts.onStart(p.sess)
	}
}

// ensureRunning starts the process if needed and attaches p's listener.
func (s *Supervisor) ensureRunning(p *Pending) error {
	s.mu.Lock()
	if p.resolved || s.active != p {
		s.mu.Unlock()
		return errSkip
	}
	if p.canceled {
		s.mu.Unlock()
		return &SupervisorError{Name: s.config.Name, ExitCode: -1, Err: p.cause}
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	switch s.state {
	case StateRunning:
		err := s.attachLocked(p)
		s.mu.Unlock()
		return err
	case StateStopped:
	default:
		// handleExit re-activates p once the process is gone.
		p.deferred = true
		s.mu.Unlock()
		return errDeferred
	}

	s.setStateLocked(StateStarting)
	checked := s.toolChecked
	s.mu.Unlock()

	if !checked {
		if tm := s.checkTool(p.ctx); tm != nil {
			return tm
		}
		s.mu.Lock()
		s.toolChecked = true
		s.mu.Unlock()
	}

	cmd, stdout, stderr, err := s.spawn()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.setStateLocked(StateStopped)
		s.logger.Error("failed to start process",
			"name", s.config.Name,
			"binary", s.config.Binary,
			"error", err,
		)
		return &SupervisorError{Name: s.config.Name, ExitCode: -1, Err: err}
	}

	proc := &supervisedProcess{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		stdout:    s.newBuffer(),
		stderr:    s.newBuffer(),
		combined:  s.newBuffer(),
		exited:    make(chan struct{}),
	}
	s.proc = proc
	s.starts++
	s.setStateLocked(StateRunning)

	s.logger.Info("process started",
		"name", s.config.Name,
		"pid", proc.pid,
		"task", p.id,
	)

	// The listener goes on before the pumps so no startup output is lost.
	attachErr := s.attachLocked(p)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.captureOutput(proc, "stdout", stdout, proc.stdout, &pumps)
	go s.captureOutput(proc, "stderr", stderr, proc.stderr, &pumps)
	go s.monitor(proc, &pumps, stdout, stderr)

	s.armIdleLocked()

	switch {
	case p.canceled:
		s.beginStopLocked(reasonCancel)
	case s.closed, s.stopPending:
		s.beginStopLocked(reasonExplicit)
	}
	s.stopPending = false
	return attachErr
}

// attachLocked hands the stdout listener to p. Caller must hold s.mu and
// s.proc must be set.
func (s *Supervisor) attachLocked(p *Pending) error {
	if err := s.proc.stdout.Attach(func(chunk []byte) {
		s.deliver(p, chunk)
	}); err != nil {
		return fmt.Errorf("attaching listener for %s: %w", s.config.Name, err)
	}
	p.attached = true
	p.startedAt = time.Now()
	s.armIdleLocked()

	s.logger.Debug("task started",
		"name", s.config.Name,
		"task", p.id,
		"label", p.opts.label,
		"queued_for", p.startedAt.Sub(p.submittedAt),
	)
	return nil
}

// deliver passes a stdout chunk to p's task while p holds the session.
func (s *Supervisor) deliver(p *Pending, chunk []byte) {
	s.mu.Lock()
	if s.active != p || p.resolved {
		s.mu.Unlock()
		return
	}
	s.armIdleLocked()
	p.bytes += int64(len(chunk))
	s.mu.Unlock()

	if p.task != nil {
		p.task(p.sess, chunk)
	}
}

// toolMissing moves the supervisor into its terminal state and releases
// every waiting task.
func (s *Supervisor) toolMissing(p *Pending, tm *ToolMissingError) {
	s.mu.Lock()
	s.toolErr = tm
	s.toolChecked = true
	s.setStateLocked(StateToolMissing)
	if s.active == p {
		s.active = nil
	}
	s.resolveLocked(p, tm)
	dropped := s.queue.drain()
	for _, q := range dropped {
		s.resolveLocked(q, fmt.Errorf("%w: %w", ErrNotServiced, tm))
	}
	s.mu.Unlock()

	s.logger.Error("supervised tool not available",
		"name", s.config.Name,
		"binary", s.config.Binary,
		"hint", s.config.InstallHint,
		"dropped_tasks", len(dropped),
		"error", tm.Err,
	)

	s.notifier.ToolMissing(context.WithoutCancel(p.ctx), ToolNotice{
		Name:   s.config.Name,
		Binary: s.config.Binary,
		Hint:   s.config.InstallHint,
		Err:    tm.Err,
	})
}

// checkTool verifies the binary can be executed.
func (s *Supervisor) checkTool(ctx context.Context) *ToolMissingError {
	version, err := s.Version(context.WithoutCancel(ctx))
	if err != nil {
		return &ToolMissingError{
			Binary: s.config.Binary,
			Hint:   s.config.InstallHint,
			Err:    err,
		}
	}
	s.logger.Info("tool check passed",
		"name", s.config.Name,
		"binary", s.config.Binary,
		"version", version,
	)
	return nil
}

// Version runs the binary with VersionArgs and returns its trimmed output.
// It does not touch the supervised process.
func (s *Supervisor) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ToolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.config.Binary, s.config.VersionArgs...) //nolint:gosec // Binary comes from validated config
	if s.config.Env != nil {
		cmd.Env = append(os.Environ(), s.config.Env...)
	}
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("running %s %s: %w",
			s.config.Binary, strings.Join(s.config.VersionArgs, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// spawn starts the binary in its own process group. The returned
// readers are the parent's ends of the output pipes.
func (s *Supervisor) spawn() (*exec.Cmd, *os.File, *os.File, error) {
	s.logger.Info("starting process",
		"name", s.config.Name,
		"binary", s.config.Binary,
		"args", s.config.Args,
	)

	// Not tied to a task context: the process outlives the task that started it.
	cmd := exec.Command(s.config.Binary, s.config.Args...) //nolint:gosec // Binary comes from validated config

	// Create a new process group so we can signal all children on shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if s.config.Env != nil {
		cmd.Env = append(os.Environ(), s.config.Env...)
	}
	if s.config.WorkDir != "" {
		cmd.Dir = s.config.WorkDir
	}

	// Plain os.Pipe pairs rather than StdoutPipe: Wait then returns as
	// soon as the process exits, even while a child it left behind still
	// holds the write ends.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	// The child has its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, nil, nil, fmt.Errorf("starting %s: %w", s.config.Name, startErr)
	}
	return cmd, stdoutR, stderrR, nil
}

// captureOutput copies one stream into its own buffer and the combined
// buffer, keeping at most RetainBytes in each.
func (s *Supervisor) captureOutput(proc *supervisedProcess, stream string, r io.Reader, dst *buffer.Buffer, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, outputBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.logger.Debug("process output",
				"name", s.config.Name,
				"stream", stream,
				"output", string(buf[:n]),
			)
			dst.Write(buf[:n])
			proc.combined.Write(buf[:n])
			if s.config.RetainBytes > 0 {
				dst.Trim(s.config.RetainBytes)
				proc.combined.Trim(s.config.RetainBytes)
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("output stream closed",
					"name", s.config.Name,
					"stream", stream,
					"error", err,
				)
			}
			return
		}
	}
}

// monitor reaps the process, lets the output pumps drain and hands the
// result to handleExit. Pipes still held open by leftover children are
// closed after exitDrainTimeout so the exit is never hidden behind them.
func (s *Supervisor) monitor(proc *supervisedProcess, pumps *sync.WaitGroup, pipes ...io.Closer) {
	err := proc.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		close(drained)
	}()

	timer := time.NewTimer(exitDrainTimeout)
	select {
	case <-drained:
		timer.Stop()
	case <-timer.C:
		s.logger.Warn("output still open after process exit, closing pipes",
			"name", s.config.Name,
			"pid", proc.pid,
		)
		for _, p := range pipes {
			p.Close()
		}
		<-drained
	}
	for _, p := range pipes {
		p.Close()
	}

	s.handleExit(proc, err)
}

// handleExit completes the stopping -> stopped transition and resolves
// the task that held the session.
func (s *Supervisor) handleExit(proc *supervisedProcess, waitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != proc {
		return
	}

	code, signal := exitStatus(waitErr)
	requested := proc.reason != reasonNone

	s.proc = nil
	s.disarmIdleLocked()
	s.setStateLocked(StateStopped)
	close(proc.exited)

	if requested {
		s.logger.Info("process stopped",
			"name", s.config.Name,
			"pid", proc.pid,
			"reason", proc.reason,
		)
	} else {
		s.logger.Warn("process exited",
			"name", s.config.Name,
			"pid", proc.pid,
			"exit_code", code,
			"signal", signal,
		)
	}

	if p := s.active; p != nil {
		switch {
		case p.attached:
			var err error
			switch {
			case p.canceled:
				err = &SupervisorError{Name: s.config.Name, ExitCode: code, Signal: signal, Err: p.cause}
			case !requested && waitErr != nil:
				err = &SupervisorError{
					Name:     s.config.Name,
					ExitCode: code,
					Signal:   signal,
					Stderr:   tail(proc.stderr.Bytes(), stderrTailBytes),
					Err:      waitErr,
				}
			}
			proc.stdout.Detach()
			s.active = nil
			s.resolveLocked(p, err)
		case p.deferred:
			p.deferred = false
			go s.activate(p)
		}
		// Otherwise p's activate has not run yet and will spawn afresh.
	}

	if s.active == nil {
		if next := s.queue.pop(); next != nil {
			s.active = next
			go s.activate(next)
		}
	}
}

// beginStopLocked moves a running process to stopping and signals it.
// Caller must hold s.mu.
func (s *Supervisor) beginStopLocked(reason stopReason) {
	if s.proc == nil || s.state != StateRunning {
		return
	}
	s.proc.reason = reason
	s.setStateLocked(StateStopping)
	s.disarmIdleLocked()
	go s.terminate(s.proc, reason)
}

// terminate sends StopSignal to the process group, then SIGKILL if the
// process has not exited within GracefulTimeout.
func (s *Supervisor) terminate(proc *supervisedProcess, reason stopReason) {
	pid := proc.pid
	s.logger.Debug("stopping process",
		"name", s.config.Name,
		"pid", pid,
		"reason", reason,
		"signal", s.config.StopSignal,
	)

	// Use negative PID to signal the process group (created via Setpgid)
	if err := syscall.Kill(-pid, s.config.StopSignal); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			s.logger.Warn("failed to signal process group", "name", s.config.Name, "error", err)
		}
	}

	timer := time.NewTimer(s.config.GracefulTimeout)
	defer timer.Stop()

	select {
	case <-proc.exited:
		return
	case <-timer.C:
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", s.config.Name,
			"timeout", s.config.GracefulTimeout,
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			s.logger.Error("failed to kill process group", "name", s.config.Name, "error", err)
		}
	}
}

// exitStatus extracts the exit code and terminating signal from an
// exec.Cmd.Wait error.
func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, ws.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
