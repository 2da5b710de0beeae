package runloop

import (
	"os"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"runloop/pkg/errors"
	"runloop/pkg/logging"
	"runloop/pkg/util"
)

// Listener observes changes to the set of registered descriptors. Hosts that
// own the wait primitive mirror the set with it.
type Listener interface {
	FdCallbacksChanged()
}

// fdRegistry maps descriptors to callbacks and services them with poll(2).
// pfds is kept sorted by fd; callbacks are never run with mu held.
type fdRegistry struct {
	mu        sync.Mutex
	pfds      []unix.PollFd
	callbacks map[int]*fdCallback

	listenerMu sync.Mutex
	listeners  []Listener
}

func newFdRegistry() *fdRegistry {
	return &fdRegistry{
		pfds:      make([]unix.PollFd, 0, 8),
		callbacks: make(map[int]*fdCallback),
	}
}

func comparePollFd(p unix.PollFd, fd int) int {
	return int(p.Fd) - fd
}

func (r *fdRegistry) search(fd int) (int, bool) {
	return slices.BinarySearchFunc(r.pfds, fd, comparePollFd)
}

func (r *fdRegistry) sorted() bool {
	return slices.IsSortedFunc(r.pfds, func(a, b unix.PollFd) int {
		return int(a.Fd) - int(b.Fd)
	})
}

func (r *fdRegistry) register(fd int, cb FdCallback, mask EventMask) {
	util.Assert(cb != nil, "nil callback for fd %d", fd)
	r.mu.Lock()
	idx, found := r.search(fd)
	if found {
		r.mu.Unlock()
		util.AssertErr(false, errors.ErrFdRegistered, "fd %d", fd)
		return
	}
	r.pfds = slices.Insert(r.pfds, idx, unix.PollFd{Fd: int32(fd), Events: int16(mask)})
	r.callbacks[fd] = &fdCallback{fd: fd, cb: cb}
	ok := r.sorted()
	r.mu.Unlock()
	util.Assert(ok, "pollfds out of order after registering fd %d", fd)

	logging.Debugf("fdRegistry::register() fd = %d events = %s", fd, mask)
	r.notify()
}

func (r *fdRegistry) unregister(fd int) {
	r.mu.Lock()
	idx, found := r.search(fd)
	if !found {
		r.mu.Unlock()
		util.AssertErr(false, errors.ErrFdNotRegistered, "fd %d", fd)
		return
	}
	r.pfds = slices.Delete(r.pfds, idx, idx+1)
	delete(r.callbacks, fd)
	ok := r.sorted()
	r.mu.Unlock()
	util.Assert(ok, "pollfds out of order after unregistering fd %d", fd)

	logging.Debugf("fdRegistry::unregister() fd = %d", fd)
	r.notify()
}

// dispatchPendingEvents runs the callback of every ready descriptor once, in
// ascending fd order.
func (r *fdRegistry) dispatchPendingEvents() bool {
	ready := r.collectReady(nil)
	for _, c := range ready {
		c.invoke()
	}
	return len(ready) > 0
}

func (r *fdRegistry) collectReady(out []*fdCallback) []*fdCallback {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := pollFds(r.pfds, 0)
	if err != nil {
		if err != unix.EINTR {
			logging.Errorf("error occurs in poll: %v", os.NewSyscallError("ppoll", err))
		}
		return out
	}
	if n == 0 {
		return out
	}
	for i := range r.pfds {
		pfd := &r.pfds[i]
		if pfd.Revents == 0 {
			continue
		}
		if pfd.Revents&unix.POLLNVAL != 0 {
			logging.Warnf("fdRegistry::collectReady() %s, fd closed while registered", revents2String(int(pfd.Fd), pfd.Revents))
		} else {
			logging.Debugf("fdRegistry::collectReady() %s", revents2String(int(pfd.Fd), pfd.Revents))
		}
		pfd.Revents = 0
		if c, ok := r.callbacks[int(pfd.Fd)]; ok {
			out = append(out, c)
		}
	}
	return out
}

// dispatchEvent invokes fd's callback without polling.
func (r *fdRegistry) dispatchEvent(fd int) {
	r.mu.Lock()
	c := r.callbacks[fd]
	r.mu.Unlock()

	if c != nil {
		c.invoke()
	}
}

// sleepUntilNextEvent blocks until a descriptor registered at call time is
// ready or timeoutMs elapses. A negative timeout waits forever.
func (r *fdRegistry) sleepUntilNextEvent(timeoutMs int) bool {
	r.mu.Lock()
	pfds := slices.Clone(r.pfds)
	r.mu.Unlock()

	n, err := pollFds(pfds, timeoutMs)
	if err != nil {
		if err != unix.EINTR {
			logging.Errorf("error occurs in poll: %v", os.NewSyscallError("ppoll", err))
		}
		return false
	}
	if n == 0 {
		logging.Debugf("nothing happened, timeout %d ms", timeoutMs)
	}
	return n > 0
}

func (r *fdRegistry) registeredFds() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	fds := make([]int, len(r.pfds))
	for i := range r.pfds {
		fds[i] = int(r.pfds[i].Fd)
	}
	return fds
}

func (r *fdRegistry) addListener(l Listener) {
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenerMu.Unlock()
}

func (r *fdRegistry) removeListener(l Listener) {
	r.listenerMu.Lock()
	if idx := slices.Index(r.listeners, l); idx >= 0 {
		r.listeners = slices.Delete(r.listeners, idx, idx+1)
	}
	r.listenerMu.Unlock()
}

func (r *fdRegistry) notify() {
	r.listenerMu.Lock()
	ls := slices.Clone(r.listeners)
	r.listenerMu.Unlock()

	for _, l := range ls {
		l.FdCallbacksChanged()
	}
}
