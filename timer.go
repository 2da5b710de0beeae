package runloop

import (
	"container/heap"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"runloop/pkg/logging"
)

const minTimerFdDelay = 100 * time.Microsecond

// TimerHandler receives a Timer's periodic callbacks on the dispatch thread.
type TimerHandler interface {
	OnTimer()
}

// TimerFunc adapts a plain function to a TimerHandler.
type TimerFunc func()

func (f TimerFunc) OnTimer() {
	f()
}

// Timer calls its handler repeatedly at a fixed interval until stopped.
// Start and Stop may be called from any goroutine, including from inside
// the handler.
type Timer struct {
	ts      *timerService
	handler TimerHandler
	task    *timerTask // guarded by ts.mu, nil when stopped
}

func NewTimer(rl *RunLoop, h TimerHandler) *Timer {
	return &Timer{ts: rl.timers, handler: h}
}

// Start arms the timer, resetting the phase if it is already running.
// Intervals under a millisecond are rounded up to one.
func (t *Timer) Start(interval time.Duration) {
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	t.ts.start(t, interval)
}

// StartHz is Start(time.Second / hz); a non-positive hz stops the timer.
func (t *Timer) StartHz(hz int) {
	if hz <= 0 {
		t.Stop()
		return
	}
	t.Start(time.Second / time.Duration(hz))
}

// Stop cancels every firing not yet picked by the dispatch thread. Called
// on the dispatch thread, no further callback runs. Called from another
// goroutine it does not wait: a callback the dispatch thread has already
// picked may still start or be running after Stop returns.
func (t *Timer) Stop() {
	t.ts.stop(t)
}

func (t *Timer) IsRunning() bool {
	t.ts.mu.Lock()
	defer t.ts.mu.Unlock()
	return t.task != nil
}

// Interval returns the running interval, or 0 when stopped.
func (t *Timer) Interval() time.Duration {
	t.ts.mu.Lock()
	defer t.ts.mu.Unlock()
	if t.task == nil {
		return 0
	}
	return t.task.interval
}

// CallPendingTimers runs every timer that is due without waiting for the
// timerfd, for hosts that drive the loop themselves. Call it on the
// dispatch thread.
func (rl *RunLoop) CallPendingTimers() {
	rl.timers.firePending()
}

// CallAfterDelay runs fn once on the dispatch thread after d.
func (rl *RunLoop) CallAfterDelay(d time.Duration, fn func()) {
	t := NewTimer(rl, nil)
	t.handler = TimerFunc(func() {
		t.Stop()
		fn()
	})
	t.Start(d)
}

type timerTask struct {
	timer    *Timer
	expire   time.Time
	interval time.Duration
	seq      uint64
	index    int
}

// next returns the following deadline. A timer that has fallen a whole
// interval behind skips the missed ticks instead of bursting.
func (tt *timerTask) next(now time.Time) time.Time {
	n := tt.expire.Add(tt.interval)
	if !n.After(now) {
		n = now.Add(tt.interval)
	}
	return n
}

// timerService multiplexes every Timer of a RunLoop onto one timerfd that
// is registered only while at least one timer is running.
type timerService struct {
	rl         *RunLoop
	mu         sync.Mutex
	refs       int
	timerFd    int
	registered bool
	tasks      timerTaskHeap
	seq        uint64

	// fdMu serializes registry changes for timerFd. It is never held
	// together with mu.
	fdMu sync.Mutex
}

func newTimerService(rl *RunLoop) *timerService {
	return &timerService{rl: rl, timerFd: -1}
}

func (ts *timerService) start(t *Timer, interval time.Duration) {
	if ts.rl.closed.Load() {
		logging.Warnf("timerService::start() runloop[%s] is closed", ts.rl.name)
		return
	}
	ts.mu.Lock()
	if t.task != nil {
		heap.Remove(&ts.tasks, t.task.index)
	} else {
		if ts.timerFd < 0 {
			fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
			if err != nil {
				ts.mu.Unlock()
				logging.Errorf("timerService::start() %v", os.NewSyscallError("timerfd_create", err))
				return
			}
			ts.timerFd = fd
			logging.Debugf("timerService::start() timerfd = %d", fd)
		}
		ts.refs++
	}
	now := time.Now()
	ts.seq++
	task := &timerTask{
		timer:    t,
		expire:   now.Add(interval),
		interval: interval,
		seq:      ts.seq,
	}
	t.task = task
	heap.Push(&ts.tasks, task)
	if ts.tasks.Top() == task {
		ts.arm(now)
	}
	ts.mu.Unlock()

	if err := ts.reconcile(); err != nil {
		logging.Errorf("timerService::start() %v", err)
	}
}

func (ts *timerService) stop(t *Timer) {
	ts.mu.Lock()
	if t.task == nil {
		ts.mu.Unlock()
		return
	}
	heap.Remove(&ts.tasks, t.task.index)
	t.task = nil
	ts.refs--
	if ts.refs == 0 {
		ts.arm(time.Now())
	}
	ts.mu.Unlock()

	if err := ts.reconcile(); err != nil {
		logging.Errorf("timerService::stop() %v", err)
	}
}

// reconcile registers the timerfd while timers run, and unregisters and
// closes it once none do. Registry calls are made with mu released so
// listeners may use timers. A caller that finds another goroutine
// reconciling leaves the work to it; the holder re-checks before leaving.
func (ts *timerService) reconcile() error {
	var err error
	for ts.fdMu.TryLock() {
		for {
			ts.mu.Lock()
			want, fd, registered := ts.refs > 0, ts.timerFd, ts.registered
			if !want && !registered && fd >= 0 {
				ts.timerFd = -1
				err = multierr.Append(err, os.NewSyscallError("close", unix.Close(fd)))
				logging.Debugf("timerService::reconcile() closed timerfd = %d", fd)
			}
			ts.mu.Unlock()

			if want == registered {
				break
			}
			if want {
				ts.rl.RegisterFdCallback(fd, ts.handleRead, EventRead)
			} else {
				ts.rl.UnregisterFdCallback(fd)
			}
			ts.mu.Lock()
			ts.registered = want
			ts.mu.Unlock()
		}
		ts.fdMu.Unlock()
		if ts.settled() {
			break
		}
	}
	return err
}

func (ts *timerService) settled() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.refs > 0 {
		return ts.registered
	}
	return !ts.registered && ts.timerFd < 0
}

// handleRead is the timerfd callback. A dispatch snapshot can outlive the
// timerfd, so fd is checked against the current one before reading.
func (ts *timerService) handleRead(fd int) {
	ts.mu.Lock()
	if fd != ts.timerFd {
		ts.mu.Unlock()
		return
	}
	var exp [8]byte
	if _, err := unix.Read(fd, exp[:]); err != nil && err != unix.EAGAIN && err != unix.EBADF {
		logging.Errorf("timerService::handleRead() %v", err)
	}
	ts.mu.Unlock()

	ts.firePending()
}

// firePending runs every timer that is due, rescheduling it first.
func (ts *timerService) firePending() {
	now := time.Now()
	ts.mu.Lock()
	fired := ts.tasks.popExpired(now)
	for _, task := range fired {
		task.expire = task.next(now)
		ts.seq++
		task.seq = ts.seq
		heap.Push(&ts.tasks, task)
	}
	ts.arm(now)
	ts.mu.Unlock()

	for _, task := range fired {
		if ts.live(task) {
			task.timer.handler.OnTimer()
		}
	}
}

// live reports whether task is still its timer's current arming.
func (ts *timerService) live(task *timerTask) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return task.timer.task == task
}

// arm points the timerfd at the earliest deadline, or disarms it.
func (ts *timerService) arm(now time.Time) {
	if ts.timerFd < 0 {
		return
	}
	var its unix.ItimerSpec
	if ts.tasks.Len() > 0 {
		d := ts.tasks.Top().expire.Sub(now)
		if d < minTimerFdDelay {
			d = minTimerFdDelay
		}
		its.Value = unix.NsecToTimespec(d.Nanoseconds())
	}
	if err := unix.TimerfdSettime(ts.timerFd, 0, &its, nil); err != nil {
		logging.Errorf("timerService::arm() %v", err)
	}
}

func (ts *timerService) running() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.refs
}

func (ts *timerService) shutdown() error {
	ts.mu.Lock()
	for _, task := range ts.tasks.tasks {
		task.timer.task = nil
	}
	ts.tasks.tasks = nil
	ts.refs = 0
	ts.arm(time.Now())
	ts.mu.Unlock()

	return ts.reconcile()
}

// timerTaskHeap orders tasks by deadline, then by arming order.
type timerTaskHeap struct {
	tasks []*timerTask
}

func (h *timerTaskHeap) Len() int {
	return len(h.tasks)
}

func (h *timerTaskHeap) Less(i, j int) bool {
	a, b := h.tasks[i], h.tasks[j]
	if a.expire.Equal(b.expire) {
		return a.seq < b.seq
	}
	return a.expire.Before(b.expire)
}

func (h *timerTaskHeap) Swap(i, j int) {
	h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i]
	h.tasks[i].index = i
	h.tasks[j].index = j
}

func (h *timerTaskHeap) Push(x interface{}) {
	task := x.(*timerTask)
	task.index = len(h.tasks)
	h.tasks = append(h.tasks, task)
}

func (h *timerTaskHeap) Pop() interface{} {
	old := h.tasks
	n := len(old)
	x := old[n-1]
	old[n-1] = nil // avoid memory leak
	x.index = -1
	h.tasks = old[0 : n-1]
	return x
}

func (h *timerTaskHeap) Top() *timerTask {
	return h.tasks[0]
}

// popExpired removes every task due at or before t, earliest first.
func (h *timerTaskHeap) popExpired(t time.Time) []*timerTask {
	var ret []*timerTask
	for h.Len() > 0 && !h.Top().expire.After(t) {
		ret = append(ret, heap.Pop(h).(*timerTask))
	}
	return ret
}
