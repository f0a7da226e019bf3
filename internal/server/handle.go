package server

import (
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// Handle is a running server. Only Manager.Stop clears its liveness.
type Handle struct {
	PID       int
	Host      string
	Port      int
	StartedAt time.Time

	live atomic.Bool
	// group is set when PID leads its own process group.
	group bool
	// exited is closed once the process has been reaped; nil for handles
	// whose process this package did not start.
	exited chan struct{}
	// drained is closed once output readers finish, at most a drain delay
	// after exit.
	drained chan struct{}
	state   *os.ProcessState
	waitErr error
}

// NewHandle returns a live handle for a server process started elsewhere.
// Stop signals the process directly and polls for its exit.
func NewHandle(pid int, host string, port int) *Handle {
	handle := &Handle{
		PID:       pid,
		Host:      host,
		Port:      port,
		StartedAt: time.Now().UTC(),
	}
	handle.live.Store(true)
	return handle
}

// Live reports whether the server has not been stopped.
func (h *Handle) Live() bool {
	if h == nil {
		return false
	}
	return h.live.Load()
}

// Address returns host:port.
func (h *Handle) Address() string {
	if h == nil {
		return ""
	}
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

func (h *Handle) signalTarget() int {
	if h.group {
		return -h.PID
	}
	return h.PID
}
