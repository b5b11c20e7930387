//go:build linux

package engine

import (
	"strings"

	"golang.org/x/sys/unix"
)

const (
	NoneEvent  uint32 = 0
	InEvent    uint32 = unix.EPOLLIN
	ReadEvent  uint32 = unix.EPOLLIN | unix.EPOLLPRI
	WriteEvent uint32 = unix.EPOLLOUT

	// CloseEvent is reported when the peer hung up. Only meaningful without EPOLLIN,
	// otherwise there is still data to drain.
	CloseEvent uint32 = unix.EPOLLHUP
	ErrorEvent uint32 = unix.EPOLLERR
	// ReadyEvents are the revents that route to the read callback.
	ReadyEvents uint32 = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
)

var eventNames = []struct {
	bit  uint32
	name string
}{
	{unix.EPOLLIN, "IN"},
	{unix.EPOLLPRI, "PRI"},
	{unix.EPOLLOUT, "OUT"},
	{unix.EPOLLHUP, "HUP"},
	{unix.EPOLLRDHUP, "RDHUP"},
	{unix.EPOLLERR, "ERR"},
}

// EventsString renders an epoll mask as "IN PRI OUT ...", or "NONE".
func EventsString(ev uint32) string {
	var sb strings.Builder
	for _, n := range eventNames {
		if ev&n.bit == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(n.name)
	}
	if sb.Len() == 0 {
		return "NONE"
	}
	return sb.String()
}
