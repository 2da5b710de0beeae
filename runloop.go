package runloop

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"runloop/pkg/errors"
	"runloop/pkg/logging"
)

// Task is a function executed on the dispatch thread.
type Task func()

// RunLoop ties the descriptor registry, the message queue and the timer
// service to one dispatch thread. Only one goroutine may drive it with
// DispatchNextMessage or Run; every other method is safe from anywhere.
type RunLoop struct {
	name        string
	pollCeiling time.Duration
	onQuit      func()

	registry *fdRegistry
	wake     *wakeChannel
	queue    *messageQueue
	timers   *timerService

	interrupted atomic.Bool
	quit        atomic.Bool
	looping     atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
}

// New creates a RunLoop with its wake channel registered.
func New(opts ...Option) (*RunLoop, error) {
	rl := &RunLoop{
		name:        "main",
		pollCeiling: defaultPollCeiling,
	}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.onQuit == nil {
		rl.onQuit = rl.Quit
	}

	rl.registry = newFdRegistry()
	wake, err := newWakeChannel()
	if err != nil {
		return nil, err
	}
	rl.wake = wake
	rl.queue = newMessageQueue(wake)
	rl.registry.register(wake.readFd(), rl.queue.dispatchAll, EventRead)
	rl.timers = newTimerService(rl)
	logging.Debug("runloop created", zap.String("name", rl.name), zap.Int("wakeFd", wake.readFd()))
	return rl, nil
}

// Name returns the label given with WithName.
func (rl *RunLoop) Name() string {
	return rl.name
}

// PostMessage queues msg for the dispatch thread.
func (rl *RunLoop) PostMessage(msg Message) error {
	if rl.closed.Load() {
		return errors.ErrClosed
	}
	rl.queue.post(msg)
	return nil
}

// AsyncExecute queues task for the dispatch thread.
func (rl *RunLoop) AsyncExecute(task Task) error {
	return rl.PostMessage(MessageFunc(task))
}

// DispatchNextMessage services ready descriptors, including the message
// queue. It blocks until something was dispatched unless
// returnIfNoPendingMessages is set, and reports whether anything ran.
//
// It must never be called from two goroutines at once.
func (rl *RunLoop) DispatchNextMessage(returnIfNoPendingMessages bool) bool {
	for {
		if rl.closed.Load() {
			return false
		}
		if rl.interrupted.CompareAndSwap(true, false) {
			logging.Infof("runloop[%s] keyboard interrupt, requesting quit", rl.name)
			rl.onQuit()
		}
		if rl.registry.dispatchPendingEvents() {
			return true
		}
		if returnIfNoPendingMessages {
			return false
		}
		rl.registry.sleepUntilNextEvent(rl.pollTimeoutMs())
	}
}

func (rl *RunLoop) pollTimeoutMs() int {
	if rl.pollCeiling <= 0 {
		return -1
	}
	return int(rl.pollCeiling / time.Millisecond)
}

// Run dispatches until Quit is called. A Quit issued before Run starts
// makes it return at once; Run consumes the request on the way out.
func (rl *RunLoop) Run() {
	rl.looping.Store(true)
	logging.Info("runloop start looping", zap.String("name", rl.name))
	for !rl.quit.CompareAndSwap(true, false) {
		if !rl.DispatchNextMessage(false) {
			break
		}
	}
	logging.Info("runloop stop looping", zap.String("name", rl.name))
	rl.looping.Store(false)
}

// Quit makes Run return after the current dispatch pass. It is safe from
// any goroutine and is remembered if Run has not started yet.
func (rl *RunLoop) Quit() {
	rl.quit.Store(true)
	if !rl.closed.Load() {
		rl.queue.post(MessageFunc(func() {}))
	}
}

// IsLooping reports whether Run is active.
func (rl *RunLoop) IsLooping() bool {
	return rl.looping.Load()
}

// InstallInterruptHandler turns SIGINT into a quit request issued from the
// dispatch loop. The returned func uninstalls it.
func (rl *RunLoop) InstallInterruptHandler() (stop func()) {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, os.Interrupt)
	go func() {
		for {
			select {
			case <-ch:
				rl.interrupt()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

func (rl *RunLoop) interrupt() {
	rl.interrupted.Store(true)
	rl.wake.signal()
}

// RegisterFdCallback calls cb on the dispatch thread whenever fd satisfies
// mask. Registering the same fd twice panics. The registry never closes fd.
func (rl *RunLoop) RegisterFdCallback(fd int, cb FdCallback, mask EventMask) {
	rl.registry.register(fd, cb, mask)
	// A wait already in progress does not see fd; cut it short.
	if !rl.closed.Load() {
		rl.wake.signal()
	}
}

// UnregisterFdCallback removes fd. Unknown descriptors panic.
func (rl *RunLoop) UnregisterFdCallback(fd int) {
	rl.registry.unregister(fd)
}

// DispatchEvent runs fd's callback directly, for hosts that do their own
// waiting.
func (rl *RunLoop) DispatchEvent(fd int) {
	rl.registry.dispatchEvent(fd)
}

// RegisteredFds returns the registered descriptors in ascending order.
func (rl *RunLoop) RegisteredFds() []int {
	return rl.registry.registeredFds()
}

func (rl *RunLoop) AddListener(l Listener) {
	rl.registry.addListener(l)
}

func (rl *RunLoop) RemoveListener(l Listener) {
	rl.registry.removeListener(l)
}

// Close tears the loop down: timers first, then the message queue. Queued
// messages that never ran are dropped.
func (rl *RunLoop) Close() error {
	var err error
	rl.closeOnce.Do(func() {
		rl.closed.Store(true)
		err = rl.timers.shutdown()
		rl.registry.unregister(rl.wake.readFd())
		if n := rl.queue.len(); n > 0 {
			logging.Warn("runloop closed with undelivered messages", zap.String("name", rl.name), zap.Int("messages", n))
		}
		err = multierr.Append(err, rl.wake.close())
		logging.Debugf("runloop[%s] closed", rl.name)
	})
	return err
}
