package runloop

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestLoop(t *testing.T, opts ...Option) *RunLoop {
	t.Helper()
	rl, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = rl.Close()
	})
	return rl
}

// newPipe returns a non-blocking pipe closed at test cleanup.
func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

func makeReady(t *testing.T, w int) {
	t.Helper()
	_, err := unix.Write(w, []byte{1})
	require.NoError(t, err)
}

func consume(fd int) {
	var buf [64]byte
	_, _ = unix.Read(fd, buf[:])
}

// pumpUntil dispatches on the calling goroutine until cond holds.
func pumpUntil(rl *RunLoop, cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		if !rl.DispatchNextMessage(true) {
			rl.registry.sleepUntilNextEvent(10)
		}
	}
	return true
}

// drainPending dispatches until a pass finds nothing to do.
func drainPending(rl *RunLoop) int {
	n := 0
	for n < 1000 && rl.DispatchNextMessage(true) {
		n++
	}
	return n
}

func recoverErr(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", r)
		}
	}()
	fn()
	return nil
}
