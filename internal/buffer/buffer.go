// Package buffer provides an append-only byte buffer that grows in fixed
// quanta and notifies a single listener with every appended chunk.
//
// The supervisor pipes the registry process's stdout and stderr into
// these buffers. The active task's listener is attached to the stdout
// buffer for the duration of its session, which gives each task an
// exclusive view of the output stream.
package buffer

import (
	"errors"
	"fmt"
	"sync"
)

// Default sizing, matching the registry output buffers.
const (
	// DefaultInitialCapacity is the capacity allocated by New.
	DefaultInitialCapacity = 32

	// DefaultGrowQuantum is the unit in which capacity grows.
	DefaultGrowQuantum = 16
)

// ErrListenerAttached is returned by Attach when the listener slot is taken.
var ErrListenerAttached = errors.New("buffer: listener already attached")

// OutOfRangeError is returned by Consume when asked for more bytes than
// are buffered (or a negative count).
type OutOfRangeError struct {
	Requested int
	Size      int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("buffer: consume %d bytes out of range (size %d)", e.Requested, e.Size)
}

// Listener receives a copy of the bytes appended by a single Write.
type Listener func(chunk []byte)

// Option configures a Buffer.
type Option func(*Buffer)

// WithInitialCapacity sets the starting capacity. Values <= 0 are ignored.
func WithInitialCapacity(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.data = make([]byte, n)
		}
	}
}

// WithGrowQuantum sets the growth unit. Values <= 0 are ignored.
func WithGrowQuantum(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.quantum = n
		}
	}
}

// Buffer is a growable byte buffer with a single-slot change listener.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Listener invocations are serialized across concurrent writers.
//   - Attach and Detach never wait on a running listener, so both may be
//     called from inside one. A notification that was already dispatched
//     when the slot changed still reaches the previous listener.
type Buffer struct {
	// notifyMu serializes listener calls.
	notifyMu sync.Mutex

	mu       sync.Mutex
	data     []byte // len(data) is the capacity
	size     int
	quantum  int
	listener Listener
}

// New creates an empty Buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		data:    make([]byte, DefaultInitialCapacity),
		quantum: DefaultGrowQuantum,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Write appends p and notifies the attached listener with a copy of p.
// It always returns len(p), nil.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	b.grow(len(p))
	copy(b.data[b.size:], p)
	b.size += len(p)
	listener := b.listener
	b.mu.Unlock()

	if listener != nil {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		listener(chunk)
	}

	return len(p), nil
}

// grow ensures room for n more bytes. Caller must hold b.mu.
func (b *Buffer) grow(n int) {
	step := roundUp(n, b.quantum)
	if len(b.data)-b.size >= step {
		return
	}
	next := make([]byte, len(b.data)+step)
	copy(next, b.data[:b.size])
	b.data = next
}

// roundUp returns the smallest multiple of q that is >= n.
func roundUp(n, q int) int {
	return ((n + q - 1) / q) * q
}

// Consume removes and returns the first n buffered bytes.
// The remaining bytes are shifted to the front of the buffer.
func (b *Buffer) Consume(n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < 0 || n > b.size {
		return nil, &OutOfRangeError{Requested: n, Size: b.size}
	}
	return b.consumeLocked(n), nil
}

// ConsumeAll removes and returns every buffered byte.
func (b *Buffer) ConsumeAll() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumeLocked(b.size)
}

func (b *Buffer) consumeLocked(n int) []byte {
	out := make([]byte, n)
	copy(out, b.data[:n])
	copy(b.data, b.data[n:b.size])
	b.size -= n
	return out
}

// Trim discards the oldest bytes so that at most keep bytes remain.
// It returns the number of bytes discarded.
func (b *Buffer) Trim(keep int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	over := b.size - keep
	if over <= 0 {
		return 0
	}
	b.consumeLocked(over)
	return over
}

// Bytes returns a copy of the buffered bytes without consuming them.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.size)
	copy(out, b.data[:b.size])
	return out
}

// Size returns the number of buffered bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the current capacity.
func (b *Buffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Attach installs l as the change listener.
// Returns ErrListenerAttached if another listener holds the slot.
func (b *Buffer) Attach(l Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return ErrListenerAttached
	}
	b.listener = l
	return nil
}

// Detach clears the listener slot. Safe to call when empty.
func (b *Buffer) Detach() {
	b.mu.Lock()
	b.listener = nil
	b.mu.Unlock()
}

// Attached reports whether a listener is installed.
func (b *Buffer) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listener != nil
}
