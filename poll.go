package runloop

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var zeroTimeout unix.Timespec

// pollFds waits on fds for up to msec milliseconds, forever if msec is
// negative. revents are written back into fds.
func pollFds(fds []unix.PollFd, msec int) (int, error) {
	if msec == 0 {
		// non-block system call, use RawSyscall6 to avoid getting preempted by runtime
		var fp unsafe.Pointer
		if len(fds) > 0 {
			fp = unsafe.Pointer(&fds[0])
		}
		n, _, errno := unix.RawSyscall6(unix.SYS_PPOLL, uintptr(fp), uintptr(len(fds)), uintptr(unsafe.Pointer(&zeroTimeout)), 0, 0, 0)
		if errno != 0 {
			return 0, errnoErr(errno)
		}
		return int(n), nil
	}
	var ts *unix.Timespec
	if msec > 0 {
		t := unix.NsecToTimespec(int64(msec) * 1e6)
		ts = &t
	}
	return unix.Ppoll(fds, ts, nil)
}

// Do the interface allocations only once for common
// Errno values.
var (
	errEAGAIN error = unix.EAGAIN
	errEINTR  error = unix.EINTR
	errEINVAL error = unix.EINVAL
)

// errnoErr returns common boxed Errno values, to prevent
// allocations at runtime.
func errnoErr(e unix.Errno) error {
	switch e {
	case unix.EAGAIN:
		return errEAGAIN
	case unix.EINTR:
		return errEINTR
	case unix.EINVAL:
		return errEINVAL
	}
	return e
}
