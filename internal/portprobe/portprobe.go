// Package portprobe checks whether a local TCP port is free by binding
// and immediately releasing it.
package portprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"syscall"
)

// ProbeError wraps an OS-level failure other than "address in use".
type ProbeError struct {
	Addr string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probing %s: %v", e.Addr, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Prober binds throwaway listeners on Host. An empty Host means all
// interfaces, which is how the registry server itself listens by default.
type Prober struct {
	Host string
}

// IsPortAvailable reports whether port can be bound on all interfaces.
// Port 0 means "no port" and is always available.
func IsPortAvailable(ctx context.Context, port int) (bool, error) {
	return Prober{}.IsPortAvailable(ctx, port)
}

// IsPortAvailable reports whether port can be bound on p.Host.
//
// Returns:
//   - true, nil: the port was bound and released
//   - false, nil: the OS reported the address is in use
//   - false, *ProbeError: any other failure
func (p Prober) IsPortAvailable(ctx context.Context, port int) (bool, error) {
	if port == 0 {
		return true, nil
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(port))

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return false, nil
		}
		return false, &ProbeError{Addr: addr, Err: err}
	}

	if err := ln.Close(); err != nil {
		return false, &ProbeError{Addr: addr, Err: err}
	}
	return true, nil
}

// PortFromAddress extracts the TCP port from a registry address such as
// "http://localhost:4873/", "127.0.0.1:4873" or "[::1]:4873".
func PortFromAddress(address string) (int, error) {
	hostport := address
	if u, err := url.Parse(address); err == nil && u.Host != "" {
		hostport = u.Host
	}

	_, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return 0, fmt.Errorf("parsing address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("parsing address %q: invalid port %q", address, portStr)
	}
	return port, nil
}
