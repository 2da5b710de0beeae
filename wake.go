package runloop

import (
	"os"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"runloop/pkg/logging"
)

// maxWakeBytes bounds the bytes sitting unread in the socket pair. Wake-ups
// past the bound are coalesced since the reader only needs the edge.
const maxWakeBytes = 128

// wakeChannel interrupts a thread blocked in poll. It carries no payload.
// Once closed its descriptor numbers may belong to someone else, so mu
// keeps signal and drain from touching them after close.
type wakeChannel struct {
	fds     [2]int
	pending atomic.Int32
	mu      sync.RWMutex
	closed  bool
}

func newWakeChannel() (*wakeChannel, error) {
	// Blocking on purpose: a reader that wins the race against the writer's
	// counter bump waits for the byte instead of leaving it behind.
	fds, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socketpair", err)
	}
	return &wakeChannel{fds: fds}, nil
}

func (w *wakeChannel) writeFd() int { return w.fds[0] }

func (w *wakeChannel) readFd() int { return w.fds[1] }

// signal writes one wake byte unless the bound is reached. It reports
// whether a byte was accounted for.
func (w *wakeChannel) signal() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	for {
		n := w.pending.Load()
		if n >= maxWakeBytes {
			return false
		}
		if w.pending.CompareAndSwap(n, n+1) {
			break
		}
	}
	x := [1]byte{0xff}
	for {
		_, err := unix.Write(w.writeFd(), x[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			logging.Debugf("wakeChannel::signal() write failed: %v", err)
		}
		return true
	}
}

// drain consumes the byte of one outstanding signal, if any.
func (w *wakeChannel) drain() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	for {
		n := w.pending.Load()
		if n <= 0 {
			return false
		}
		if w.pending.CompareAndSwap(n, n-1) {
			break
		}
	}
	var x [1]byte
	for {
		_, err := unix.Read(w.readFd(), x[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			logging.Debugf("wakeChannel::drain() read failed: %v", err)
		}
		return true
	}
}

func (w *wakeChannel) outstanding() int {
	return int(w.pending.Load())
}

func (w *wakeChannel) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return multierr.Append(
		os.NewSyscallError("close", unix.Close(w.readFd())),
		os.NewSyscallError("close", unix.Close(w.writeFd())),
	)
}
