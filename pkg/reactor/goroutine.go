//go:build linux

package reactor

import "runtime"

// currentGoroutineID returns the calling goroutine's runtime id, used only to
// detect reentrant calls into Run from within the loop goroutine itself.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
