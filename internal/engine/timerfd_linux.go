//go:build linux

package engine

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// MinTimerfdDelay keeps an already expired deadline from being handed to timerfd_settime
// as zero, which would disarm it.
const MinTimerfdDelay = 100 * time.Microsecond

// Now returns CLOCK_MONOTONIC in nanoseconds, the clock every timerfd here runs on.
func Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic(os.NewSyscallError("clock_gettime", err))
	}
	return ts.Nano()
}

func OpenTimerFd() (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, os.NewSyscallError("timerfd_create", err)
	}
	return fd, nil
}

// ArmTimerFd makes fd fire once at the monotonic instant when.
func ArmTimerFd(fd int, when, now int64) error {
	delay := time.Duration(when - now)
	if delay < MinTimerfdDelay {
		delay = MinTimerfdDelay
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(delay.Nanoseconds())}
	return os.NewSyscallError("timerfd_settime", unix.TimerfdSettime(fd, 0, &spec, nil))
}

func DisarmTimerFd(fd int) error {
	var spec unix.ItimerSpec
	return os.NewSyscallError("timerfd_settime", unix.TimerfdSettime(fd, 0, &spec, nil))
}

// TimerFdArmed reports whether fd still has a pending expiration.
func TimerFdArmed(fd int) (bool, error) {
	var spec unix.ItimerSpec
	if err := unix.TimerfdGettime(fd, &spec); err != nil {
		return false, os.NewSyscallError("timerfd_gettime", err)
	}
	return spec.Value.Sec != 0 || spec.Value.Nsec != 0, nil
}

// ReadTimerFd consumes the expiration count so a level triggered fd stops being readable.
func ReadTimerFd(fd int) (uint64, error) {
	return readCounter(fd)
}
