package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default package-manager invocation limits.
const (
	DefaultNPMTimeout   = 60 * time.Second
	DefaultNPMMaxOutput = 1 << 20
)

// CommandError reports a package-manager command that ran but failed.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("registry: %s exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Result holds the output of a package-manager command.
type Result struct {
	RunID     string
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Truncated bool
}

// NPM runs package-manager commands as separate, bounded processes.
type NPM struct {
	// Binary is the package-manager executable, resolved through PATH.
	Binary string

	// Env are additional environment variables (key=value format).
	Env []string

	Timeout   time.Duration
	MaxOutput int // bytes per stream
}

// NewNPM returns an NPM runner with default limits.
func NewNPM(binary string) *NPM {
	if binary == "" {
		binary = "npm"
	}
	return &NPM{
		Binary:    binary,
		Timeout:   DefaultNPMTimeout,
		MaxOutput: DefaultNPMMaxOutput,
	}
}

// Run executes the package manager with args. A non-zero exit is returned
// as *CommandError alongside the Result.
func (n *NPM) Run(ctx context.Context, args ...string) (*Result, error) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultNPMTimeout
	}
	maxOutput := n.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultNPMMaxOutput
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, n.Binary, args...) //nolint:gosec // Binary comes from validated config
	if n.Env != nil {
		cmd.Env = append(os.Environ(), n.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{buf: &stdout, limit: maxOutput}
	cmd.Stderr = &limitWriter{buf: &stderr, limit: maxOutput}

	runErr := cmd.Run()

	res := &Result{
		RunID:     uuid.NewString(),
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.Len() >= maxOutput || stderr.Len() >= maxOutput,
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Binary not found or other exec error.
			return nil, fmt.Errorf("executing %s: %w", n.Binary, runErr)
		}
		res.ExitCode = exitErr.ExitCode()
		return res, &CommandError{
			Args:     append([]string{n.Binary}, args...),
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(string(res.Stderr)),
		}
	}
	return res, nil
}

// Whoami returns the user logged in to the registry at address.
func (n *NPM) Whoami(ctx context.Context, address string) (string, error) {
	res, err := n.Run(ctx, "whoami", registryFlag(address))
	if err != nil {
		return "", err
	}
	user := strings.TrimSpace(string(res.Stdout))
	if user == "" {
		return "", errors.New("registry: empty identity from whoami")
	}
	return user, nil
}

// ViewVersions returns the raw output of `view <pkg> versions`.
func (n *NPM) ViewVersions(ctx context.Context, pkg, address string) (string, error) {
	res, err := n.Run(ctx, "view", pkg, "versions", registryFlag(address))
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

// InstallGlobal installs pkg into the global package directory.
func (n *NPM) InstallGlobal(ctx context.Context, pkg string) error {
	_, err := n.Run(ctx, "install", "--global", pkg)
	return err
}

func registryFlag(address string) string {
	return "--registry=" + address
}

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Report all bytes as consumed to avoid short write errors from io.Copy.
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
