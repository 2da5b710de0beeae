package runloop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	rlerrors "runloop/pkg/errors"
)

func TestRunLoop_NothingPending(t *testing.T) {
	rl := newTestLoop(t)
	assert.False(t, rl.DispatchNextMessage(true))
	assert.Equal(t, []int{rl.wake.readFd()}, rl.RegisteredFds())
}

func TestRunLoop_AsyncExecute(t *testing.T) {
	rl := newTestLoop(t)
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, rl.AsyncExecute(func() { got = append(got, i) }))
	}
	assert.True(t, rl.DispatchNextMessage(true))
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.False(t, rl.DispatchNextMessage(true))
}

func TestRunLoop_PostWakesBlockedDispatch(t *testing.T) {
	rl := newTestLoop(t, WithPollCeiling(0))
	ran := atomic.NewBool(false)
	done := make(chan bool, 1)
	go func() {
		done <- rl.DispatchNextMessage(false)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, rl.PostMessage(MessageFunc(func() { ran.Store(true) })))

	select {
	case ok := <-done:
		assert.True(t, ok)
		assert.True(t, ran.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("DispatchNextMessage did not return after a post")
	}
}

func TestRunLoop_RegisterWakesBlockedDispatch(t *testing.T) {
	rl := newTestLoop(t, WithPollCeiling(0))
	rfd, wfd := newPipe(t)
	makeReady(t, wfd)

	called := atomic.NewBool(false)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for !called.Load() {
			rl.DispatchNextMessage(false)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	rl.RegisterFdCallback(rfd, func(fd int) {
		consume(fd)
		called.Store(true)
	}, EventRead)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("registered fd was never serviced")
	}
}

func TestRunLoop_FdCallbackGetsFd(t *testing.T) {
	rl := newTestLoop(t)
	rfd, wfd := newPipe(t)
	var got []int
	rl.RegisterFdCallback(rfd, func(fd int) {
		got = append(got, fd)
		consume(fd)
	}, EventRead)
	drainPending(rl)

	makeReady(t, wfd)
	assert.True(t, rl.DispatchNextMessage(true))
	assert.Equal(t, []int{rfd}, got)

	rl.DispatchEvent(rfd)
	assert.Equal(t, []int{rfd, rfd}, got)

	rl.UnregisterFdCallback(rfd)
	makeReady(t, wfd)
	drainPending(rl)
	assert.Len(t, got, 2)
}

func TestRunLoop_InterruptRequestsQuit(t *testing.T) {
	quits := 0
	rl := newTestLoop(t, WithQuitHandler(func() { quits++ }))

	rl.interrupt()
	assert.True(t, rl.DispatchNextMessage(true))
	assert.Equal(t, 1, quits)

	drainPending(rl)
	assert.Equal(t, 1, quits)
}

func TestRunLoop_InterruptStopsRun(t *testing.T) {
	rl := newTestLoop(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		rl.interrupt()
	}()

	done := make(chan struct{})
	go func() {
		rl.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after interrupt")
	}
	assert.False(t, rl.IsLooping())
}

func TestRunLoop_RunQuit(t *testing.T) {
	rl := newTestLoop(t)
	count := 0
	require.NoError(t, rl.AsyncExecute(func() {
		count++
		require.NoError(t, rl.AsyncExecute(func() {
			count++
			rl.Quit()
		}))
	}))
	rl.Run()
	assert.Equal(t, 2, count)
}

func TestRunLoop_InstallInterruptHandler(t *testing.T) {
	rl := newTestLoop(t)
	stop := rl.InstallInterruptHandler()
	stop()
	stop()
	assert.False(t, rl.interrupted.Load())
}

func TestRunLoop_Close(t *testing.T) {
	rl, err := New(WithName("closing"))
	require.NoError(t, err)
	assert.Equal(t, "closing", rl.Name())
	require.NoError(t, rl.AsyncExecute(func() {}))

	require.NoError(t, rl.Close())
	require.NoError(t, rl.Close())

	err = rl.PostMessage(MessageFunc(func() {}))
	assert.True(t, errors.Is(err, rlerrors.ErrClosed))
	assert.False(t, rl.DispatchNextMessage(true))
	assert.Empty(t, rl.RegisteredFds())
}

type fdMirror struct {
	rl   *RunLoop
	fds  []int
	hits int
}

func (m *fdMirror) FdCallbacksChanged() {
	m.hits++
	m.fds = m.rl.RegisteredFds()
}

func TestRunLoop_ListenerMirrorsFds(t *testing.T) {
	rl := newTestLoop(t)
	m := &fdMirror{rl: rl}
	rl.AddListener(m)

	rfd, _ := newPipe(t)
	rl.RegisterFdCallback(rfd, consume, EventRead)
	assert.Contains(t, m.fds, rfd)

	rl.UnregisterFdCallback(rfd)
	assert.NotContains(t, m.fds, rfd)
	assert.Equal(t, 2, m.hits)

	rl.RemoveListener(m)
	rl.RegisterFdCallback(rfd, consume, EventRead)
	assert.Equal(t, 2, m.hits)
}

func TestRunLoop_ClosedLoopLeavesReusedFdsAlone(t *testing.T) {
	rl, err := New()
	require.NoError(t, err)
	require.NoError(t, rl.Close())

	fds, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	rl.interrupt()
	rl.Quit()
	rl.queue.post(MessageFunc(func() {}))
	assert.True(t, errors.Is(rl.PostMessage(MessageFunc(func() {})), rlerrors.ErrClosed))
	assert.False(t, rl.wake.signal())

	buf := make([]byte, 8)
	for _, fd := range fds {
		n, err := unix.Read(fd, buf)
		assert.Equal(t, unix.EAGAIN, err, "fd %d got %d bytes", fd, n)
	}
}

func TestRunLoop_QuitBeforeRun(t *testing.T) {
	rl := newTestLoop(t)
	rl.Quit()

	done := make(chan struct{})
	go func() {
		rl.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run ignored a Quit issued before it started")
	}

	// the request was consumed; a second Run needs a new Quit
	ran := false
	require.NoError(t, rl.AsyncExecute(func() {
		ran = true
		rl.Quit()
	}))
	rl.Run()
	assert.True(t, ran)
}
