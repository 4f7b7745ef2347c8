package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/bridgefall/transport/ratelimiter"
)

// Role distinguishes the two ends of a Connection. Only the client may
// change its local bound port; only the server may change its remote
// address (spec invariant 4).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Connection is the hub described by spec §3: one endpoint role, one
// datagram socket, one session, and the sequence/timestamp/RTT bookkeeping
// that drives roaming, detach, and port hopping. It is not safe for
// concurrent use by multiple goroutines — like the teacher's envelope
// connections, callers are expected to drive Send/Receive from a single
// readiness-polling loop.
type Connection struct {
	role               Role
	outgoingDirection  Direction
	expectedRecvDirect Direction

	session Session
	clock   Clock
	tunable Tunables
	metrics *Metrics
	logger  *slog.Logger
	limiter *ratelimiter.Ratelimiter

	sock *boundSocket

	mu sync.Mutex

	remoteAddr    net.Addr
	hasRemoteAddr bool

	nextSeq             uint64
	expectedReceiverSeq uint64

	savedTimestamp           uint16
	savedTimestampReceivedAt int64

	lastHeard            int64
	lastPortChoice       int64
	lastRoundtripSuccess int64

	rtt *Estimator

	sendErr error

	padding PaddingPolicy

	recvBuf []byte
}

// Listen constructs a server-role Connection bound per spec §4.5: desiredAddr
// may be empty (wildcard only), desiredPort zero means "search the range".
func Listen(ctx context.Context, desiredAddr string, desiredPort int, session Session, tun Tunables) (*Connection, error) {
	tun = tun.withDefaults()
	sock, err := bindServer(ctx, desiredAddr, desiredPort, tun.PortRangeLow, tun.PortRangeHigh)
	if err != nil {
		return nil, err
	}
	return newConnection(RoleServer, sock, nil, false, session, tun), nil
}

// Dial constructs a client-role Connection per spec §4.5: host/port are
// resolved once, a socket opened on an OS-assigned local port, and the
// resolved peer address latched as the initial remote address.
func Dial(ctx context.Context, host string, port int, session Session, tun Tunables) (*Connection, error) {
	tun = tun.withDefaults()
	sock, remote, err := dialClient(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return newConnection(RoleClient, sock, remote, true, session, tun), nil
}

func newConnection(role Role, sock *boundSocket, remote net.Addr, hasRemote bool, session Session, tun Tunables) *Connection {
	outgoing := ToClient
	if role == RoleClient {
		outgoing = ToServer
	}
	clock := Clock(SystemClock{})
	now := clock.NowMillis()
	return &Connection{
		role:                 role,
		outgoingDirection:    outgoing,
		expectedRecvDirect:   outgoing.Opposite(),
		session:              session,
		clock:                clock,
		tunable:              tun,
		sock:                 sock,
		remoteAddr:           remote,
		hasRemoteAddr:        hasRemote,
		savedTimestamp:       AbsentTimestamp,
		lastHeard:            -1,
		lastPortChoice:       now,
		lastRoundtripSuccess: now,
		rtt:                  NewEstimator(tun.MinRTOMillis, tun.MaxRTOMillis),
		logger:               slog.Default(),
		recvBuf:              make([]byte, tun.ReceiveMTU+1),
	}
}

// SetClock overrides the time source, for tests.
func (c *Connection) SetClock(clock Clock) { c.clock = clock }

// SetMetrics attaches a Metrics sink. Nil is valid and disables recording.
func (c *Connection) SetMetrics(m *Metrics) { c.metrics = m }

// SetLogger overrides the structured logger.
func (c *Connection) SetLogger(l *slog.Logger) { c.logger = l }

// SetRatelimiter attaches a per-source-address limiter that throttles decode
// attempts from unattached servers, per SPEC_FULL.md's ratelimiter section.
// Only meaningful for a server-role, Unattached Connection.
func (c *Connection) SetRatelimiter(r *ratelimiter.Ratelimiter) { c.limiter = r }

// EnableSourceRatelimit is shorthand for SetRatelimiter(ratelimiter.New(pps,
// burst)): a server that expects to sit on the open internet typically wants
// this on from construction.
func (c *Connection) EnableSourceRatelimit(pps, burst int) {
	c.SetRatelimiter(ratelimiter.New(pps, burst))
}

// SetPaddingPolicy attaches an optional send-path padding step.
func (c *Connection) SetPaddingPolicy(p PaddingPolicy) { c.padding = p }

// Close releases the underlying socket (spec §4.7: any state → Closed).
func (c *Connection) Close() error {
	return c.sock.Close()
}

// LastSendError returns and clears the deferred send failure recorded by
// the most recent Send, per spec §7.3 and §9's "distinct inspection
// operation" decision.
func (c *Connection) LastSendError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.sendErr
	c.sendErr = nil
	return err
}

// Attached reports whether a remote address is currently latched (spec
// §4.7's Attached/Unattached states).
func (c *Connection) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasRemoteAddr
}

// LocalAddr returns the current local socket address.
func (c *Connection) LocalAddr() net.Addr {
	return c.sock.LocalAddr()
}

// Send implements spec §4.3.
func (c *Connection) Send(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasRemoteAddr {
		return
	}

	now := c.clock.NowMillis()

	replyTS := c.computeReplyTimestamp(now)

	seq := c.nextSeq
	c.nextSeq++

	payloadOut := payload
	if c.padding != nil {
		payloadOut = c.padding.Pad(payload, c.tunable.SendMTU)
	}

	pkt := Packet{
		Direction:      c.outgoingDirection,
		Seq:            seq,
		Timestamp:      timestamp16(now),
		TimestampReply: replyTS,
		Payload:        payloadOut,
	}

	wire, err := EncodePacket(c.session, pkt)
	if err != nil {
		// A session encode failure is not a wire-level send condition; surface
		// it through the same deferred channel so callers have one place to
		// look.
		c.sendErr = err
		if c.metrics != nil {
			c.metrics.SendSoftErrors.Add(1)
		}
		return
	}

	n, err := c.sock.writeTo(wire, c.remoteAddr)
	if err == nil && n != len(wire) {
		err = io.ErrShortWrite
	}
	if err != nil || n != len(wire) {
		c.sendErr = err
		if c.metrics != nil {
			c.metrics.SendSoftErrors.Add(1)
		}
	} else {
		c.sendErr = nil
		if c.metrics != nil {
			c.metrics.PacketsSent.Add(1)
			c.metrics.BytesSent.Add(int64(n))
		}
	}

	c.postSendHousekeeping(now)
}

// computeReplyTimestamp implements spec §4.3 step 2, clearing the saved
// slot once consumed.
func (c *Connection) computeReplyTimestamp(now int64) uint16 {
	if c.savedTimestamp == AbsentTimestamp {
		return AbsentTimestamp
	}
	if now-c.savedTimestampReceivedAt >= 1000 {
		return AbsentTimestamp
	}
	reply := uint16(int64(c.savedTimestamp) + (now - c.savedTimestampReceivedAt))
	c.savedTimestamp = AbsentTimestamp
	c.savedTimestampReceivedAt = 0
	return reply
}

// postSendHousekeeping implements spec §4.3 step 5.
func (c *Connection) postSendHousekeeping(now int64) {
	if c.role == RoleServer {
		if c.lastHeard >= 0 && now-c.lastHeard > c.tunable.ServerAssociationTimeoutMillis {
			c.hasRemoteAddr = false
			if c.metrics != nil {
				c.metrics.ServerDetaches.Add(1)
			}
			c.logger.Info("server detached from client", "reason", "association timeout")
		}
		return
	}

	sinceHop := now - c.lastPortChoice
	sinceRTT := now - c.lastRoundtripSuccess
	if sinceHop > c.tunable.PortHopIntervalMillis && sinceRTT > c.tunable.PortHopIntervalMillis {
		c.doPortHop(now)
	}
}

// doPortHop implements spec §4.5/§9's port-hop policy: close-then-rebind,
// keeping the existing socket until the replacement is ready and skipping
// the hop (not failing it) if the rebind doesn't succeed.
func (c *Connection) doPortHop(now int64) {
	newSock, err := hopPort(context.Background(), c.tunable.PortRangeLow, c.tunable.PortRangeHigh)
	if err != nil {
		if c.metrics != nil {
			c.metrics.PortHopFailures.Add(1)
		}
		c.logger.Warn("port hop failed, retaining current socket", "error", err)
		return
	}
	old := c.sock
	c.sock = newSock
	c.lastPortChoice = now
	_ = old.Close()
	if c.metrics != nil {
		c.metrics.PortHops.Add(1)
	}
	c.logger.Info("hopped local port", "addr", newSock.LocalAddr().String())
}

// Receive implements spec §4.4. It returns the payload of every decodable,
// direction-correct datagram regardless of sequence ordering; state
// (expected_receiver_seq, saved timestamp, RTT, remote_addr) is only ever
// advanced by state-updating (monotone) receives.
func (c *Connection) Receive() ([]byte, error) {
	n, addr, congestion, truncated, err := c.sock.readDatagram(c.recvBuf)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, ErrTruncated
	}

	if c.limiter != nil && !c.isAttached() {
		if allowed := c.allowSource(addr); !allowed {
			return nil, nil
		}
	}

	pkt, err := DecodePacket(c.session, c.recvBuf[:n])
	if err != nil {
		if c.metrics != nil {
			c.metrics.DropDecodeFailure.Add(1)
		}
		c.logger.Debug("dropped undecodable datagram", "error", err)
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if pkt.Direction != c.expectedRecvDirect {
		if c.metrics != nil {
			c.metrics.DropDirection.Add(1)
		}
		c.logger.Debug("dropped datagram with wrong direction", "direction", pkt.Direction)
		return nil, nil
	}

	if c.metrics != nil {
		c.metrics.PacketsReceived.Add(1)
		c.metrics.BytesReceived.Add(int64(n))
	}

	if pkt.Seq >= c.expectedReceiverSeq {
		c.acceptStateUpdate(pkt, addr, congestion)
	} else if c.metrics != nil {
		c.metrics.DropStaleSequence.Add(1)
	}

	payloadOut := pkt.Payload
	if c.padding != nil {
		payloadOut = c.padding.Unpad(payloadOut)
	}
	return payloadOut, nil
}

func (c *Connection) isAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasRemoteAddr
}

func (c *Connection) allowSource(addr net.Addr) bool {
	ap, err := addrPort(addr)
	if err != nil {
		return true
	}
	return c.limiter.Allow(ap.Addr())
}

// acceptStateUpdate implements spec §4.4 step 5. Caller holds c.mu.
func (c *Connection) acceptStateUpdate(pkt Packet, addr net.Addr, congestionExperienced bool) {
	now := c.clock.NowMillis()

	c.expectedReceiverSeq = pkt.Seq + 1
	if c.metrics != nil {
		c.metrics.StateUpdatingReceives.Add(1)
	}

	if pkt.Timestamp != AbsentTimestamp {
		ts := pkt.Timestamp
		if congestionExperienced {
			ts -= c.tunable.CongestionTimestampPenalty
			if c.metrics != nil {
				c.metrics.CongestionMarks.Add(1)
			}
		}
		c.savedTimestamp = ts
		c.savedTimestampReceivedAt = now
	}

	if pkt.TimestampReply != AbsentTimestamp {
		r := timestampDiff(timestamp16(now), pkt.TimestampReply)
		if r < 5000 {
			c.rtt.Sample(float64(r))
			c.lastRoundtripSuccess = now
			if c.metrics != nil {
				c.metrics.RTTSamples.AddMillis(float64(r))
			}
		}
	}

	c.lastHeard = now
	wasAttached := c.hasRemoteAddr
	c.hasRemoteAddr = true

	if c.role == RoleServer {
		if !wasAttached || !addrsEqual(c.remoteAddr, addr) {
			if wasAttached {
				if c.metrics != nil {
					c.metrics.Roams.Add(1)
				}
				c.logger.Info("client roamed", "from", addrString(c.remoteAddr), "to", addrString(addr))
			}
			c.remoteAddr = addr
		}
	}
}

// Timeout returns the current RTO in milliseconds (spec §4.6).
func (c *Connection) Timeout() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt.Timeout()
}

// RTTHit reports whether at least one RTT sample has been recorded.
func (c *Connection) RTTHit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt.Hit()
}

// addrsEqual implements the closed-address-family comparison spec §9
// requires: IPv4 and IPv6 UDP addresses (the only families this socket
// manager ever produces) compare by IP and port. Anything else is a
// programmer error, not a runtime condition, and panics.
func addrsEqual(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		panic(ErrUnknownAddressFamily)
	}
	ub, ok := b.(*net.UDPAddr)
	if !ok {
		panic(ErrUnknownAddressFamily)
	}
	return ua.IP.Equal(ub.IP) && ua.Port == ub.Port
}

func addrPort(a net.Addr) (netip.AddrPort, error) {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, ErrUnknownAddressFamily
	}
	ip, ok := netip.AddrFromSlice(ua.IP)
	if !ok {
		return netip.AddrPort{}, ErrUnknownAddressFamily
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(ua.Port)), nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<none>"
	}
	return a.String()
}
