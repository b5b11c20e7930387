//go:build linux

package engine

import (
	"encoding/binary"
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// OpenEventFd returns a nonblocking eventfd used to interrupt epoll_wait.
func OpenEventFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, os.NewSyscallError("eventfd", err)
	}
	return fd, nil
}

// NotifyEventFd adds one to the eventfd counter, making it readable.
func NotifyEventFd(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter saturated, the fd is readable anyway
		return nil
	}
	return os.NewSyscallError("write", err)
}

// DrainEventFd resets the counter and returns how many notifications were folded into it.
func DrainEventFd(fd int) (uint64, error) {
	return readCounter(fd)
}

func readCounter(fd int) (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, os.NewSyscallError("read", err)
	}
	if n != len(buf) {
		return 0, unix.EINVAL
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
