package ipmi

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"
)

// newTestSession builds a real Session against a throwaway loopback
// address: NewSession only dials a local UDP socket, it never blocks on
// the peer actually existing, so handlePacket/handshake.go's state
// machine can be driven directly with synthetic frames.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	fakeBMC, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := fakeBMC.LocalAddr().String()
	fakeBMC.Close()

	r := NewReactor(logrus.StandardLogger())
	t.Cleanup(r.Close)

	s, err := NewSession(r, Config{
		Address:  addr,
		Username: "admin",
		Password: []byte("password"),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

// TestHandlePacketRoutesPreEstablished15Frame exercises the defect a
// careful reviewer would have caught without tests: handlePacket must
// hand pre-establishment traffic to handleLoginFrame as raw bytes so it
// can branch on the authtype byte itself, not force every login-phase
// packet through the 2.0-only decodeV2 path.
func TestHandlePacketRoutesPreEstablished15Frame(t *testing.T) {
	s := newTestSession(t)

	// Channel auth cap response: channel 1, auth support with MD5 bit
	// set, reserved byte, extended capabilities bit 0x02 (2.0 supported).
	payload := buildIPMIRequest(NetFnAppResp, CmdGetChannelAuthCapabilities, 0, []byte{CompletionOK, 0x01, 0x02, 0x00, 0x02})
	raw := encodeV1(AuthTypeNone, 0, 0, nil, payload)

	s.handlePacket(raw)

	if got := s.Context(); got != CtxOpenSession {
		t.Fatalf("context after channel auth cap response: got %v, want CtxOpenSession", got)
	}
	if s.version != V2_0 {
		t.Fatalf("version: got %v, want V2_0", s.version)
	}
}

// TestHandlePacketFallsBackTo15OnAuthCapRejection drives the full 1.5
// fallback one step further: a channel auth cap response that rejects
// 2.0 support must move the session onto the MD5 challenge path instead
// of getting stuck waiting for RMCP+ frames that will never arrive.
func TestHandlePacketFallsBackTo15OnAuthCapRejection(t *testing.T) {
	s := newTestSession(t)

	// authSupport with MD5 bit (0x02) set, ext caps byte absent 2.0 bit.
	payload := buildIPMIRequest(NetFnAppResp, CmdGetChannelAuthCapabilities, 0, []byte{CompletionOK, 0x01, 0x02, 0x00, 0x00})
	raw := encodeV1(AuthTypeNone, 0, 0, nil, payload)

	s.handlePacket(raw)

	if s.version != V1_5 {
		t.Fatalf("version: got %v, want V1_5", s.version)
	}
	// sendGetSessionChallenge does not change context (1.5 has no
	// CtxOpenSession/RAKP states); confirm the session is not left stuck
	// mid 2.0-handshake and is not yet established.
	if got := s.Context(); got == CtxOpenSession || got == CtxEstablished {
		t.Fatalf("unexpected context after 1.5 fallback: %v", got)
	}
}

// TestHandlePacketDropsMalformedLoginFrame confirms a too-short
// pre-establishment packet is dropped rather than panicking or
// advancing the state machine.
func TestHandlePacketDropsMalformedLoginFrame(t *testing.T) {
	s := newTestSession(t)
	s.handlePacket([]byte{0x06, 0x00, 0xFF, 0x07})
	if got := s.Context(); got != CtxInitial {
		t.Fatalf("context changed after malformed frame: got %v", got)
	}
}

// TestHandlePacketDispatchesEstablishedFrame exercises the other branch
// of handlePacket: once established, inbound traffic is 2.0-framed,
// authenticated, and handed to the router by sequence/netfn/command.
func TestHandlePacketDispatchesEstablishedFrame(t *testing.T) {
	s := newTestSession(t)

	s.mu.Lock()
	s.context = CtxEstablished
	s.suite = CipherSuite3
	s.k1 = make([]byte, 20)
	s.k2 = make([]byte, 16)
	for i := range s.k2 {
		s.k2[i] = byte(i + 1)
	}
	s.mu.Unlock()

	called := make(chan Result, 1)
	seqLun := s.router.nextSeqLun()
	s.router.register(NetFnApp, seqLun, CmdGetDeviceID, func(res Result) { called <- res }, false)

	reply := buildIPMIRequest(NetFnAppResp, CmdGetDeviceID, seqLun, []byte{CompletionOK, 0x01, 0x02})
	raw, err := encodeV2(PayloadIPMI, s.localSID, 1, reply, s.suite, s.k1, s.k2, true, true)
	if err != nil {
		t.Fatalf("encodeV2: %v", err)
	}

	s.handlePacket(raw)

	select {
	case res := <-called:
		if res.Failed() {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	default:
		t.Fatal("established frame was not dispatched to the registered callback")
	}
}

// TestHandlePacketDropsUnauthenticatedEstablishedFrame confirms
// established-session traffic that arrives without the expected
// integrity trailer is dropped, not treated as a valid reply.
func TestHandlePacketDropsUnauthenticatedEstablishedFrame(t *testing.T) {
	s := newTestSession(t)

	s.mu.Lock()
	s.context = CtxEstablished
	s.suite = CipherSuite3
	s.mu.Unlock()

	called := make(chan Result, 1)
	seqLun := s.router.nextSeqLun()
	s.router.register(NetFnApp, seqLun, CmdGetDeviceID, func(res Result) { called <- res }, false)

	reply := buildIPMIRequest(NetFnAppResp, CmdGetDeviceID, seqLun, []byte{CompletionOK})
	raw, err := encodeV2(PayloadIPMI, s.localSID, 1, reply, s.suite, nil, nil, false, false)
	if err != nil {
		t.Fatalf("encodeV2: %v", err)
	}

	s.handlePacket(raw)

	select {
	case <-called:
		t.Fatal("unauthenticated frame must not satisfy an established session's pending request")
	default:
	}
}
