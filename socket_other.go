//go:build !linux

package transport

import "net"

// disablePathMTUDiscovery is a no-op on platforms without IP_MTU_DISCOVER;
// spec §4.5 requires this to proceed silently rather than fail.
func disablePathMTUDiscovery(conn *net.UDPConn) {}
