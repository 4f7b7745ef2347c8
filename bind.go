package transport

import (
	"context"
	"net"
)

// candidatePorts returns the ports to try binding, in order: exactly one
// port when desiredPort is given (nonzero), otherwise the full configured
// search range, per spec §4.5.
func candidatePorts(desiredPort, low, high int) []int {
	if desiredPort != 0 {
		return []int{desiredPort}
	}
	ports := make([]int, 0, high-low+1)
	for p := low; p <= high; p++ {
		ports = append(ports, p)
	}
	return ports
}

// resolveCandidateIPs resolves node to the address-family tuples a bind
// search should try, in resolver order. An empty node means the wildcard
// address (INADDR_ANY / in6addr_any), represented here as a nil IP so
// net.ListenUDP picks a dual-stack "udp" listener.
func resolveCandidateIPs(ctx context.Context, node string) ([]net.IP, error) {
	if node == "" {
		return []net.IP{nil}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, node)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// bindAcrossPorts tries every (port, address-family-tuple) combination for
// node, in the order spec §4.5 describes: ports outermost, resolved
// addresses innermost, first success wins.
func bindAcrossPorts(ctx context.Context, node string, ports []int) (*net.UDPConn, error) {
	ips, err := resolveCandidateIPs(ctx, node)
	if err != nil {
		return nil, err
	}
	for _, port := range ports {
		for _, ip := range ips {
			conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
			if err == nil {
				return conn, nil
			}
		}
	}
	return nil, ErrBindExhausted
}

// bindServer implements the server half of spec §4.5: try the desired
// address across the port search range, and if that fails entirely, fall
// back once to the wildcard address across the same range.
func bindServer(ctx context.Context, desiredAddr string, desiredPort, low, high int) (*boundSocket, error) {
	ports := candidatePorts(desiredPort, low, high)

	if desiredAddr != "" {
		if conn, err := bindAcrossPorts(ctx, desiredAddr, ports); err == nil {
			return wrapSocket(conn)
		}
	}

	conn, err := bindAcrossPorts(ctx, "", ports)
	if err != nil {
		return nil, ErrBindExhausted
	}
	return wrapSocket(conn)
}

// dialClient implements spec §4.5's client connect: resolve (host, port),
// open an unconnected datagram socket on an OS-assigned local port for the
// first returned family, and return the peer address to latch as
// remote_addr. The socket itself is not bound to the peer — sends always
// name an explicit destination, so roaming and port hopping stay possible.
func dialClient(ctx context.Context, host string, port int) (*boundSocket, net.Addr, error) {
	ips, err := resolveCandidateIPs(ctx, host)
	if err != nil {
		return nil, nil, ErrResolveFailed
	}
	if len(ips) == 0 {
		return nil, nil, ErrResolveFailed
	}

	remote := &net.UDPAddr{IP: ips[0], Port: port}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, nil, ErrSocketCreation
	}
	sock, err := wrapSocket(conn)
	if err != nil {
		return nil, nil, err
	}
	return sock, remote, nil
}

// hopPort implements the bind half of spec §4.5's port hopping: it binds a
// fresh local socket via the same range search used at server construction
// and does not touch the current socket. The caller (Connection.doPortHop)
// closes the old socket only once this one is ready, and on an error keeps
// the existing socket and carries on.
func hopPort(ctx context.Context, low, high int) (*boundSocket, error) {
	return bindServer(ctx, "", 0, low, high)
}
