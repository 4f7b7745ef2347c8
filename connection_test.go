package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func testTunables() Tunables {
	tun := DefaultTunables()
	tun.PortRangeLow = 20000
	tun.PortRangeHigh = 20100
	tun.ServerAssociationTimeoutMillis = 5000
	tun.PortHopIntervalMillis = 60000
	return tun
}

func testSession(t *testing.T) Session {
	t.Helper()
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	sess, err := NewAEADSession(key)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return sess
}

// loopbackPair starts a server and dials a client at it, sharing one AEAD
// key (a real key-agreement handshake is out of scope). Each side gets its
// own FrozenClock, seeded at 0, so tests can drive elapsed time
// deterministically.
func loopbackPair(t *testing.T) (server, client *Connection, serverClock, clientClock *FrozenClock) {
	t.Helper()
	return loopbackPairAt(t, 0)
}

// loopbackPairAt is loopbackPair with the FrozenClocks seeded at baseMillis
// instead of 0, so tests can exercise code paths that are sensitive to the
// absolute clock value (the timestamp16 sentinel-avoidance bump, and the
// real-clock construction-time seeding of lastPortChoice/lastRoundtripSuccess)
// rather than only the degenerate now==0 case.
func loopbackPairAt(t *testing.T, baseMillis int64) (server, client *Connection, serverClock, clientClock *FrozenClock) {
	t.Helper()
	ctx := context.Background()
	tun := testTunables()

	server, err := Listen(ctx, "127.0.0.1", 0, testSession(t), tun)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	serverAddr := server.LocalAddr().(*net.UDPAddr)
	client, err = Dial(ctx, "127.0.0.1", serverAddr.Port, testSession(t), tun)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	serverClock = NewFrozenClock(baseMillis)
	clientClock = NewFrozenClock(baseMillis)
	server.SetClock(serverClock)
	client.SetClock(clientClock)

	return server, client, serverClock, clientClock
}

func TestHappyRoundTrip(t *testing.T) {
	server, client, serverClock, clientClock := loopbackPair(t)

	client.Send([]byte("hello"))

	payload, err := server.Receive()
	if err != nil {
		t.Fatalf("server receive: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("server payload: got %q want %q", payload, "hello")
	}
	if server.savedTimestamp != 0 {
		t.Fatalf("server saved_timestamp: got %d want 0", server.savedTimestamp)
	}
	if !server.hasRemoteAddr {
		t.Fatalf("server should have latched a remote address")
	}

	serverClock.Advance(5 * time.Millisecond)
	server.Send([]byte("ack"))

	clientClock.Advance(20 * time.Millisecond)
	ack, err := client.Receive()
	if err != nil {
		t.Fatalf("client receive: %v", err)
	}
	if string(ack) != "ack" {
		t.Fatalf("client payload: got %q want %q", ack, "ack")
	}

	if !client.RTTHit() {
		t.Fatalf("expected RTT_hit to become true after first sample")
	}
	wantSRTT := 15.0
	if client.rtt.SRTT() != wantSRTT {
		t.Fatalf("SRTT: got %v want %v", client.rtt.SRTT(), wantSRTT)
	}
	if client.rtt.RTTVAR() != wantSRTT/2 {
		t.Fatalf("RTTVAR: got %v want %v", client.rtt.RTTVAR(), wantSRTT/2)
	}
}

// TestHappyRoundTripAtRealisticClock runs the same round trip as
// TestHappyRoundTrip, but seeded at a real wall-clock value instead of 0, so
// it exercises a path the all-zero clocks never touch: the construction-time
// seeding of lastPortChoice/lastRoundtripSuccess that keeps a client's very
// first Send from immediately hopping off the socket it just dialed with
// (with a zero-seeded clock, now-0 and now-(-1) both look like "ages ago").
func TestHappyRoundTripAtRealisticClock(t *testing.T) {
	base := time.Now().UnixMilli()
	server, client, serverClock, clientClock := loopbackPairAt(t, base)

	clientBefore := client.LocalAddr().(*net.UDPAddr).Port

	client.Send([]byte("hello"))

	if got := client.LocalAddr().(*net.UDPAddr).Port; got != clientBefore {
		t.Fatalf("client hopped port on its first Send: got %d want %d", got, clientBefore)
	}

	payload, err := server.Receive()
	if err != nil {
		t.Fatalf("server receive: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("server payload: got %q want %q", payload, "hello")
	}

	serverClock.Advance(5 * time.Millisecond)
	server.Send([]byte("ack"))

	clientClock.Advance(20 * time.Millisecond)
	ack, err := client.Receive()
	if err != nil {
		t.Fatalf("client receive: %v", err)
	}
	if string(ack) != "ack" {
		t.Fatalf("client payload: got %q want %q", ack, "ack")
	}
	if !client.RTTHit() {
		t.Fatalf("expected RTT_hit to become true after first sample")
	}
}

func TestReplayRejectedForState(t *testing.T) {
	server, client, _, _ := loopbackPair(t)

	client.Send([]byte("first"))
	if _, err := server.Receive(); err != nil {
		t.Fatalf("server receive first: %v", err)
	}

	// Capture the exact wire bytes of the first datagram before sequence 1
	// is sent, so we can replay it after the connection has moved on.
	replaySeq := uint64(0)
	replayPkt := Packet{
		Direction:      ToServer,
		Seq:            replaySeq,
		Timestamp:      timestamp16(client.clock.NowMillis()),
		TimestampReply: AbsentTimestamp,
		Payload:        []byte("first"),
	}
	replayWire, err := EncodePacket(client.session, replayPkt)
	if err != nil {
		t.Fatalf("encode replay: %v", err)
	}

	client.Send([]byte("second"))
	if _, err := server.Receive(); err != nil {
		t.Fatalf("server receive second: %v", err)
	}

	wantExpectedSeq := server.expectedReceiverSeq
	wantSavedTimestamp := server.savedTimestamp
	wantRemoteAddr := server.remoteAddr

	attacker, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("attacker socket: %v", err)
	}
	defer attacker.Close()
	if _, err := attacker.WriteTo(replayWire, server.LocalAddr()); err != nil {
		t.Fatalf("attacker write: %v", err)
	}

	payload, err := server.Receive()
	if err != nil {
		t.Fatalf("server receive replay: %v", err)
	}
	if string(payload) != "first" {
		t.Fatalf("replayed payload should still be delivered: got %q", payload)
	}

	if server.expectedReceiverSeq != wantExpectedSeq {
		t.Fatalf("expected_receiver_seq changed by replay: got %d want %d", server.expectedReceiverSeq, wantExpectedSeq)
	}
	if server.savedTimestamp != wantSavedTimestamp {
		t.Fatalf("saved_timestamp changed by replay: got %d want %d", server.savedTimestamp, wantSavedTimestamp)
	}
	if server.remoteAddr.String() != wantRemoteAddr.String() {
		t.Fatalf("remote_addr changed by replay: got %v want %v", server.remoteAddr, wantRemoteAddr)
	}
}

func TestDirectionAttackRejected(t *testing.T) {
	server, client, serverClock, _ := loopbackPair(t)

	client.Send([]byte("hi"))
	if _, err := server.Receive(); err != nil {
		t.Fatalf("server receive: %v", err)
	}
	serverClock.Advance(time.Millisecond)
	server.Send([]byte("ack"))

	beforeSeq := server.expectedReceiverSeq

	// The attacker sends the server a datagram shaped like the server's own
	// outbound traffic (encoded here under the server's session): it decrypts
	// fine (same session) but carries direction to-client, which the server
	// must never accept as inbound.
	forged := Packet{
		Direction:      ToClient,
		Seq:            0,
		Timestamp:      AbsentTimestamp,
		TimestampReply: AbsentTimestamp,
		Payload:        []byte("forged"),
	}
	wire, err := EncodePacket(server.session, forged)
	if err != nil {
		t.Fatalf("encode forged: %v", err)
	}

	attacker, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("attacker socket: %v", err)
	}
	defer attacker.Close()
	if _, err := attacker.WriteTo(wire, server.LocalAddr()); err != nil {
		t.Fatalf("attacker write: %v", err)
	}

	payload, err := server.Receive()
	if err != nil {
		t.Fatalf("server receive forged: %v", err)
	}
	if payload != nil {
		t.Fatalf("direction-mismatched datagram must be dropped silently, got payload %q", payload)
	}
	if server.expectedReceiverSeq != beforeSeq {
		t.Fatalf("expected_receiver_seq must not change on a direction-rejected datagram")
	}
}

func TestRoaming(t *testing.T) {
	server, client, _, _ := loopbackPair(t)

	client.Send([]byte("attach"))
	if _, err := server.Receive(); err != nil {
		t.Fatalf("server receive: %v", err)
	}
	originalAddr := server.remoteAddr.String()

	roamed, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("roamed socket: %v", err)
	}
	defer roamed.Close()

	pkt := Packet{
		Direction:      ToServer,
		Seq:            client.nextSeq,
		Timestamp:      AbsentTimestamp,
		TimestampReply: AbsentTimestamp,
		Payload:        []byte("from-new-address"),
	}
	client.nextSeq++
	wire, err := EncodePacket(client.session, pkt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := roamed.WriteTo(wire, server.LocalAddr()); err != nil {
		t.Fatalf("roamed write: %v", err)
	}

	payload, err := server.Receive()
	if err != nil {
		t.Fatalf("server receive roam: %v", err)
	}
	if string(payload) != "from-new-address" {
		t.Fatalf("payload: got %q", payload)
	}
	if server.remoteAddr.String() == originalAddr {
		t.Fatalf("server should have roamed to the new source address")
	}
	if server.remoteAddr.String() != roamed.LocalAddr().String() {
		t.Fatalf("server remote_addr: got %v want %v", server.remoteAddr, roamed.LocalAddr())
	}
}

func TestServerDetachesAfterSilence(t *testing.T) {
	server, client, serverClock, _ := loopbackPair(t)

	client.Send([]byte("hi"))
	if _, err := server.Receive(); err != nil {
		t.Fatalf("server receive: %v", err)
	}
	if !server.Attached() {
		t.Fatalf("server should be attached after first receive")
	}

	serverClock.Advance(6 * time.Second) // past the 5s test association timeout
	server.Send([]byte("stale send triggers detach check"))

	if server.Attached() {
		t.Fatalf("server should have detached after silence exceeding the association timeout")
	}
}

func TestSendNoOpWithoutRemoteAddress(t *testing.T) {
	ctx := context.Background()
	tun := testTunables()
	server, err := Listen(ctx, "127.0.0.1", 0, testSession(t), tun)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	before := server.nextSeq
	server.Send([]byte("nobody is listening"))
	if server.nextSeq != before {
		t.Fatalf("Send must no-op (not even advance next_seq) when no remote address is latched")
	}
}

func TestCongestionPenaltyAppliedOnCE(t *testing.T) {
	server, _, serverClock, _ := loopbackPair(t)

	pkt := Packet{
		Direction:      ToServer,
		Seq:            0,
		Timestamp:      100,
		TimestampReply: AbsentTimestamp,
		Payload:        []byte("x"),
	}
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9}

	server.mu.Lock()
	server.acceptStateUpdate(pkt, addr, true)
	server.mu.Unlock()

	want := uint16(100) - server.tunable.CongestionTimestampPenalty
	if server.savedTimestamp != want {
		t.Fatalf("saved_timestamp after CE mark: got %d want %d", server.savedTimestamp, want)
	}
	_ = serverClock
}

func TestMonotoneAcceptance(t *testing.T) {
	server, client, _, _ := loopbackPair(t)

	var maxSeqSeen uint64
	for i := 0; i < 5; i++ {
		client.Send([]byte("payload"))
		if _, err := server.Receive(); err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		maxSeqSeen = uint64(i)
	}
	if server.expectedReceiverSeq != maxSeqSeen+1 {
		t.Fatalf("expected_receiver_seq: got %d want %d", server.expectedReceiverSeq, maxSeqSeen+1)
	}
}
