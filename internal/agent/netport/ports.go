// Package netport allocates free host TCP ports by probing the kernel.
//
// A port is considered free when a listener can actually be bound to it on
// all interfaces. There is no reservation table: the window between
// allocation and the container binding the port is accepted, and the caller
// retries the whole operation if the engine loses the race. Within one
// process, successive allocations do stay distinct: the allocator resumes
// its scan past the last port it handed out, wrapping once, so a batch of
// "auto" bindings never collides with itself.
package netport

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned when no free port exists in the allocator's range.
var ErrExhausted = errors.New("netport: port range exhausted")

const (
	// DefaultFirst is the bottom of the scanned range. Ports below 1024 need
	// elevated privileges and are never handed out.
	DefaultFirst = 1024
	// DefaultLast is the top of the scanned range, exclusive.
	DefaultLast = 65535
)

// Allocator scans [First, Last) for bindable TCP ports. The zero value uses
// the default range. Safe for concurrent use.
type Allocator struct {
	First int
	Last  int

	mu   sync.Mutex
	next int // scan cursor; zero means start at First
}

func (a *Allocator) bounds() (int, int) {
	first, last := a.First, a.Last
	if first == 0 {
		first = DefaultFirst
	}
	if last == 0 {
		last = DefaultLast
	}
	return first, last
}

// One returns a single free port. The scan starts where the previous call
// left off and wraps around once, so consecutive calls return distinct
// ports even though the probe listener is released immediately.
func (a *Allocator) One() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	first, last := a.bounds()
	start := a.next
	if start < first || start >= last {
		start = first
	}
	span := last - first
	for off := 0; off < span; off++ {
		port := start + off
		if port >= last {
			port -= span
		}
		if bindable(port) {
			a.next = port + 1
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Range returns the first window of n consecutive free ports as an
// inclusive [start, end] pair. A port failing the probe restarts the window
// search just past it. Windows always scan from the bottom of the range;
// the One cursor is not consulted since a contiguous block is the goal.
func (a *Allocator) Range(n int) (start, end int, err error) {
	if n <= 0 {
		return 0, 0, fmt.Errorf("netport: range size %d", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	first, last := a.bounds()
	run := 0
	for port := first; port < last; port++ {
		if !bindable(port) {
			run = 0
			continue
		}
		run++
		if run == n {
			return port - n + 1, port, nil
		}
	}
	return 0, 0, fmt.Errorf("no window of %d consecutive free ports: %w", n, ErrExhausted)
}

// bindable probes the port by binding a listener on all interfaces.
func bindable(port int) bool {
	l, err := net.Listen("tcp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
