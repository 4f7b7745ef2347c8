package transport

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// dscpAF42ECT0 is DSCP AF42 (0x24 top six bits) plus ECT(0) (bottom two
// bits, 0b10), the IP_TOS byte spec §6 requires on every outbound datagram.
const dscpAF42ECT0 = 0x92

// ecnCEMask isolates the low two ECN bits of an IP_TOS byte; 0b11 is
// Congestion Experienced.
const ecnCEMask = 0x03
const ecnCE = 0x03

// boundSocket wraps one UDP socket with the DSCP/ECN plumbing of spec §4.5
// and §6: DSCP AF42 + ECT(0) announced on send, TOS ancillary data
// requested on receive, and a best-effort PMTUD disable. It is the idiomatic
// Go equivalent of the teacher's (dead, commented-out) raw
// IP_TOS/IP_RECVTOS syscall.SetsockoptInt calls in the aprilsh port this
// package is grounded on.
type boundSocket struct {
	conn *net.UDPConn
	v4   *ipv4.PacketConn
	v6   *ipv6.PacketConn
}

func wrapSocket(conn *net.UDPConn) (*boundSocket, error) {
	s := &boundSocket{conn: conn}
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("transport: unexpected local address type %T", conn.LocalAddr())
	}
	if isIPv4(addr.IP) {
		s.v4 = ipv4.NewPacketConn(conn)
		_ = s.v4.SetTOS(dscpAF42ECT0)
		_ = s.v4.SetControlMessage(ipv4.FlagTOS, true)
	} else {
		s.v6 = ipv6.NewPacketConn(conn)
		_ = s.v6.SetTrafficClass(dscpAF42ECT0)
		_ = s.v6.SetControlMessage(ipv6.FlagTrafficClass, true)
	}
	disablePathMTUDiscovery(conn) // best-effort; platforms without the option proceed silently
	return s, nil
}

func isIPv4(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.To4() != nil
}

func (s *boundSocket) Close() error         { return s.conn.Close() }
func (s *boundSocket) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *boundSocket) underlying() *net.UDPConn { return s.conn }

// readDatagram reads one datagram into buf. truncated reports whether the
// datagram filled buf exactly, which only happens when buf is sized one
// byte larger than the configured receive MTU (see Connection.Receive) —
// i.e. the datagram was at least that large and got cut off.
func (s *boundSocket) readDatagram(buf []byte) (n int, addr net.Addr, congestionExperienced bool, truncated bool, err error) {
	tos := 0
	if s.v4 != nil {
		var cm *ipv4.ControlMessage
		n, cm, addr, err = s.v4.ReadFrom(buf)
		if cm != nil {
			tos = cm.TOS
		}
	} else {
		var cm *ipv6.ControlMessage
		n, cm, addr, err = s.v6.ReadFrom(buf)
		if cm != nil {
			tos = cm.TrafficClass
		}
	}
	if err != nil {
		return n, addr, false, false, err
	}
	congestionExperienced = tos&ecnCEMask == ecnCE
	truncated = n == len(buf)
	return n, addr, congestionExperienced, truncated, nil
}

func (s *boundSocket) writeTo(buf []byte, addr net.Addr) (int, error) {
	return s.conn.WriteTo(buf, addr)
}
