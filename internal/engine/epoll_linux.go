//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrPollerClosed suggest that poller has closed
	ErrPollerClosed = errors.New("poller closed")
	// ErrNoInterest means a Pollable was handed to epoll_ctl ADD with an empty mask
	ErrNoInterest = errors.New("pollable has no interest to register")
)

const DefaultEventListSize = 1024

// Pollable is what the Poller needs to know about a registration handle.
// The Poller never owns a Pollable, it only remembers it by fd until it is deleted.
type Pollable interface {
	Fd() int
	Events() uint32
	SetRevents(revents uint32)
	Polling() bool
	SetPolling(polling bool)
}

// Poller wraps one epoll instance. It is not safe for concurrent use, the owning
// loop serialises every call.
type Poller struct {
	pfd    int
	events []unix.EpollEvent
	// kernel hands back the fd, this turns it into the handle again
	pollables map[int]Pollable
}

func OpenPoll(initEvents int) (*Poller, error) {
	if initEvents <= 0 {
		initEvents = DefaultEventListSize
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poller{
		pfd:       fd,
		events:    make([]unix.EpollEvent, initEvents),
		pollables: make(map[int]Pollable),
	}, nil
}

// Poll waits at most msec milliseconds (-1 blocks) and appends every ready Pollable to
// active after recording what the kernel reported on it. An interrupted wait is not an error.
func (p *Poller) Poll(active []Pollable, msec int) ([]Pollable, error) {
	if p.pfd < 0 {
		return active, ErrPollerClosed
	}
	n, err := unix.EpollWait(p.pfd, p.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return active, nil
		}
		return active, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		pl, ok := p.pollables[int(ev.Fd)]
		if !ok {
			continue
		}
		pl.SetRevents(ev.Events)
		active = append(active, pl)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}
	return active, nil
}

// Update derives ADD, MOD or DEL from the registration state and the interest mask of pl.
// The state transition happens even when epoll_ctl fails; the error is only reported.
func (p *Poller) Update(pl Pollable) error {
	if p.pfd < 0 {
		return ErrPollerClosed
	}
	var op int
	switch {
	case !pl.Polling():
		if pl.Events() == NoneEvent {
			return ErrNoInterest
		}
		op = unix.EPOLL_CTL_ADD
		pl.SetPolling(true)
		p.pollables[pl.Fd()] = pl
	case pl.Events() != NoneEvent:
		op = unix.EPOLL_CTL_MOD
	default:
		op = unix.EPOLL_CTL_DEL
		pl.SetPolling(false)
		delete(p.pollables, pl.Fd())
	}
	return p.control(op, pl)
}

func (p *Poller) control(op int, pl Pollable) error {
	ev := unix.EpollEvent{Fd: int32(pl.Fd()), Events: pl.Events()}
	if err := unix.EpollCtl(p.pfd, op, pl.Fd(), &ev); err != nil {
		return fmt.Errorf("%s fd %d: %w", opName(op), pl.Fd(), os.NewSyscallError("epoll_ctl", err))
	}
	return nil
}

// Has reports whether pl is the handle currently registered for its fd.
func (p *Poller) Has(pl Pollable) bool {
	got, ok := p.pollables[pl.Fd()]
	return ok && got == pl
}

// Cap is the number of readiness entries a single Poll can return.
func (p *Poller) Cap() int {
	return len(p.events)
}

func (p *Poller) Close() error {
	if p.pfd < 0 {
		return ErrPollerClosed
	}
	err := unix.Close(p.pfd)
	p.pfd = -1
	p.pollables = nil
	return os.NewSyscallError("close", err)
}

func opName(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "ADD"
	case unix.EPOLL_CTL_MOD:
		return "MOD"
	case unix.EPOLL_CTL_DEL:
		return "DEL"
	}
	return "UNKNOWN"
}
