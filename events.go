package runloop

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// EventMask is the set of poll(2) conditions a descriptor is interested in.
type EventMask int16

const (
	EventRead     EventMask = unix.POLLIN
	EventPriority EventMask = unix.POLLPRI
	EventWrite    EventMask = unix.POLLOUT
	EventNone     EventMask = 0
)

// FdCallback is invoked on the dispatch thread with the descriptor it was
// registered for.
type FdCallback func(fd int)

// fdCallback is the shared handle stored in the registry. Dispatch snapshots
// copy the pointer, so unregistering only drops the registry's reference.
type fdCallback struct {
	fd int
	cb FdCallback
}

func (c *fdCallback) invoke() {
	c.cb(c.fd)
}

func (m EventMask) String() string {
	return events2String(int16(m))
}

func revents2String(fd int, revents int16) string {
	return "fd = " + strconv.Itoa(fd) + " REVENTS: " + events2String(revents)
}

func events2String(events int16) string {
	res := ""
	if events&unix.POLLIN != 0 {
		res += "IN "
	}
	if events&unix.POLLPRI != 0 {
		res += "PRI "
	}
	if events&unix.POLLOUT != 0 {
		res += "OUT "
	}
	if events&unix.POLLHUP != 0 {
		res += "HUP "
	}
	if events&unix.POLLRDHUP != 0 {
		res += "RDHUP "
	}
	if events&unix.POLLERR != 0 {
		res += "ERR "
	}
	if events&unix.POLLNVAL != 0 {
		res += "NVAL "
	}
	if res == "" {
		return "NONE"
	}
	return res[:len(res)-1]
}
