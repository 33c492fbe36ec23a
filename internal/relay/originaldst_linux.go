//go:build linux

package relay

import (
	"net/netip"
	"syscall"
	"unsafe"
)

// SOL_IP / SO_ORIGINAL_DST recover the pre-redirect destination of a socket
// accepted off a port a netfilter REDIRECT/TPROXY rule sent it to. There is
// no golang.org/x/sys/unix wrapper for this optname, so the raw getsockopt
// syscall is made directly, the same technique used to read TCP_INFO off a
// raw fd.
const (
	solIP         = 0
	soOriginalDst = 80
)

// sockaddrIn mirrors struct sockaddr_in as the kernel fills it in for
// SO_ORIGINAL_DST: network-byte-order port and address.
type sockaddrIn struct {
	Family uint16
	Port   uint16
	Addr   [4]byte
	_      [8]byte
}

// originalDestination queries the kernel's connection-tracking state for fd
// to recover the address the client originally dialed, before redirection.
func originalDestination(fd int) (netip.AddrPort, error) {
	var sa sockaddrIn
	size := uint32(unsafe.Sizeof(sa))

	_, _, errno := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(solIP),
		uintptr(soOriginalDst),
		uintptr(unsafe.Pointer(&sa)),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if errno != 0 {
		return netip.AddrPort{}, errno
	}

	addr := netip.AddrFrom4(sa.Addr)
	port := (sa.Port >> 8) | (sa.Port << 8)
	return netip.AddrPortFrom(addr, port), nil
}
