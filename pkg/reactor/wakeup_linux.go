//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

const (
	efdCloexec  = unix.EFD_CLOEXEC
	efdNonblock = unix.EFD_NONBLOCK
)

// createWakeFD creates an eventfd used to interrupt PollIO from Submit,
// which may be called from outside the loop goroutine.
func createWakeFD() (int, error) {
	return unix.Eventfd(0, efdCloexec|efdNonblock)
}

// drainWakeFD clears any pending wake-ups so the next PollIO blocks again.
func drainWakeFD(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// signalWakeFD nudges PollIO out of EpollWait.
func signalWakeFD(fd int) {
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(fd, buf[:])
}
