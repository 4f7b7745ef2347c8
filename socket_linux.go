//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// disablePathMTUDiscovery asks the kernel not to set the DF bit and probe
// for path MTU, per spec §4.5. Errors are ignored: the option is
// best-effort, and attempting it on a socket family that doesn't support
// IPPROTO_IP (e.g. an IPv6-only socket) is expected to fail harmlessly.
func disablePathMTUDiscovery(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DONT)
	})
}
