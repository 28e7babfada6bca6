package ipmi

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Version selects the IPMI session generation: 2.0 (RMCP+) is preferred,
// with automatic fallback to 1.5 (spec §4.C discovery sequence).
type Version int

const (
	V2_0 Version = iota
	V1_5
)

// SessionContext is the state machine's context tag (spec §3).
type SessionContext int

const (
	CtxInitial SessionContext = iota
	CtxOpenSession
	CtxExpectingRAKP2
	CtxExpectingRAKP4
	CtxEstablished
	CtxFailed
)

func (c SessionContext) String() string {
	switch c {
	case CtxInitial:
		return "INITIAL"
	case CtxOpenSession:
		return "OPENSESSION"
	case CtxExpectingRAKP2:
		return "EXPECTINGRAKP2"
	case CtxExpectingRAKP4:
		return "EXPECTINGRAKP4"
	case CtxEstablished:
		return "ESTABLISHED"
	case CtxFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// SOLHandler is implemented by sol.Console. Session never imports the
// sol package (that would be a cycle); it drives the console purely
// through this interface, reached via a Link so that each side can
// detach the other atomically on close (spec §9 "cyclic references").
type SOLHandler interface {
	HandleSOLPayload(payload []byte)
	SessionClosed(err error)
}

// Link is the small shared tagged handle spec §9 calls for in place of
// a session<->SOL back-pointer cycle: the Session reaches its SOL
// handler only through its *Link, never through a direct pointer, and
// Detach clears both ends so later inbound SOL frames are no longer
// delivered. The sol.Console side also keeps a direct *Session for
// sending.
type Link struct {
	mu      sync.Mutex
	session *Session
	handler SOLHandler
}

func NewLink() *Link { return &Link{} }

func (l *Link) Bind(s *Session, h SOLHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.session = s
	l.handler = h
}

func (l *Link) Session() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

func (l *Link) Handler() SOLHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

func (l *Link) Detach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.session = nil
	l.handler = nil
}

// Config carries the per-session arguments from spec §6 ("Session:
// constructor takes (bmc, userid, password, kg?, port=623, onlogon?,
// privlevel?, keepalive=true)").
type Config struct {
	Address   string // host[:port], port defaults to 623
	Username  string
	Password  []byte
	Kg        []byte // defaults to Password when nil
	Privilege uint8  // 0 => auto-downgrade enabled, starting at PrivAdmin
	Keepalive bool
	OnLogon   func(Result)
	Logger    logrus.FieldLogger
}

// Session is one authenticated RMCP+ (or 1.5) conversation with a BMC,
// spec §3.
type Session struct {
	log     logrus.FieldLogger
	reactor *Reactor
	sg      *socketGroup

	remoteAddr *net.UDPAddr
	username   string
	password   []byte
	kg         []byte

	autoPriv     bool
	privilege    uint8
	onLogon      func(Result)
	keepaliveOn  bool

	version Version
	suite   CipherSuite

	localSID   uint32
	managedSID uint32
	guid       [16]byte

	consoleRand []byte
	bmcRand     []byte
	sik, k1, k2 []byte

	mu      sync.Mutex
	context SessionContext
	broken  bool

	outSeq uint32
	inSeq  uint32

	router *router
	sol    *Link

	retryTimeout time.Duration
	maxTimeout   time.Duration
	loginTries   int

	keepaliveID  uint64
	idleDeadline time.Time
	logoutExpiry time.Time

	v15Sequence uint32
}

// NewSession dials the reactor's socket pool and begins login
// asynchronously; onLogon (spec §6) fires exactly once per attempt,
// with the final retry's invocation being terminal.
func NewSession(r *Reactor, cfg Config) (*Session, error) {
	if len(cfg.Username) > 16 {
		return nil, fmt.Errorf("ipmi: userid exceeds 16 bytes")
	}
	addr := cfg.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "623")
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	sg, err := r.dial(raddr)
	if err != nil {
		return nil, err
	}

	kg := cfg.Kg
	if kg == nil {
		kg = cfg.Password
	}

	log := cfg.Logger
	if log == nil {
		log = r.log
	}

	priv := cfg.Privilege
	auto := priv == 0
	if auto {
		priv = PrivAdmin
	}

	s := &Session{
		log:          log.WithField("bmc", cfg.Address),
		reactor:      r,
		sg:           sg,
		remoteAddr:   raddr,
		username:     cfg.Username,
		password:     cfg.Password,
		kg:           kg,
		autoPriv:     auto,
		privilege:    priv,
		onLogon:      cfg.OnLogon,
		keepaliveOn:  cfg.Keepalive,
		version:      V2_0,
		suite:        CipherSuite17,
		context:      CtxInitial,
		retryTimeout: 500*time.Millisecond + time.Duration(rand.Intn(500))*time.Millisecond,
		maxTimeout:   3 * time.Second,
		sol:          NewLink(),
		router:       newRouter(),
	}
	localSID, err := randomBytes(4)
	if err != nil {
		return nil, err
	}
	s.localSID = leToU32(localSID)

	r.register(sg, s)
	go s.startLogin()
	return s, nil
}

func leToU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Broken reports whether the session has failed terminally (spec §7).
func (s *Session) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *Session) Context() SessionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context
}

func (s *Session) setContext(c SessionContext) {
	s.mu.Lock()
	s.context = c
	s.mu.Unlock()
}

// markBroken sets the terminal failure flag and invalidates any pending
// SOL/keepalive registration, per spec §7.
func (s *Session) markBroken(err error) {
	s.mu.Lock()
	already := s.broken
	s.broken = true
	s.context = CtxFailed
	s.mu.Unlock()
	if already {
		return
	}
	if s.keepaliveID != 0 {
		s.reactor.UnregisterKeepalive(s.keepaliveID)
	}
	for _, e := range s.reactor.keepalivesFor(s) {
		s.reactor.UnregisterKeepalive(e.id)
	}
	s.router.failAll(err)
	if h := s.sol.Handler(); h != nil {
		h.SessionClosed(err)
	}
	s.log.WithError(err).Warn("ipmi: session broken")
}

// RemoteGUID returns the BMC's GUID captured during RAKP2 (supplemented
// feature, SPEC_FULL §4).
func (s *Session) RemoteGUID() [16]byte { return s.guid }

// Close logs the session out (best-effort) and releases its socket
// registration.
func (s *Session) Close() {
	s.mu.Lock()
	ctx := s.context
	s.mu.Unlock()
	if ctx == CtxEstablished {
		s.sendCloseSession()
	}
	s.reactor.unregister(s.sg, s)
	s.markBroken(ErrSessionDisconnected)
}

// handlePacket is the Reactor's single delivery point for bytes arriving
// from this session's peer; it demultiplexes by IPMI session header
// version and, for 2.0, by payload type, per spec §2's data-flow
// description ("B strips framing... C routes by payload type").
func (s *Session) handlePacket(buf []byte) {
	s.mu.Lock()
	established := s.context == CtxEstablished
	suite := s.suite
	k1, k2 := s.k1, s.k2
	localSID := s.localSID
	s.mu.Unlock()

	if !established {
		// Pre-establishment traffic can be 2.0 (RMCP+) or 1.5 framed
		// depending on which path the discovery sequence took;
		// handleLoginFrame branches on the raw authtype byte itself.
		s.handleLoginFrame(buf)
		return
	}

	frame, err := decodeV2(buf, localSID, suite, k1, k2, true)
	if err != nil {
		s.log.WithError(err).Trace("ipmi: dropping packet")
		return
	}
	s.handleEstablishedFrame(frame)
}

func (s *Session) handleEstablishedFrame(f *frameV2) {
	if !sequenceAcceptable(&s.inSeq, f.Sequence) {
		return
	}
	switch f.PayloadType {
	case PayloadIPMI:
		s.router.dispatchReply(f.Payload)
	case PayloadSOL:
		if h := s.sol.Handler(); h != nil {
			h.HandleSOLPayload(f.Payload)
		}
	default:
	}
}

// sequenceAcceptable implements spec §3's "received sequence numbers
// must be monotonically non-decreasing modulo a rollover allowance at
// 0xFFFFFFFF".
func sequenceAcceptable(highest *uint32, seq uint32) bool {
	if seq == 0 {
		// Unauthenticated/out-of-band packets (e.g. a stray ACK-only
		// SOL frame) carry sequence 0 and are always accepted.
		return true
	}
	if seq >= *highest || *highest-seq > 0x80000000 {
		*highest = seq
		return true
	}
	return false
}

// nextOutSeq returns the next strictly increasing outbound sequence
// number (spec §8 testable property).
func (s *Session) nextOutSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outSeq++
	return s.outSeq
}

// sendEstablished frames and transmits payload over the established
// session, applying integrity/confidentiality per the negotiated suite.
func (s *Session) sendEstablished(pt payloadType, payload []byte) error {
	s.mu.Lock()
	suite := s.suite
	k1, k2 := s.k1, s.k2
	managedSID := s.managedSID
	s.mu.Unlock()

	seq := s.nextOutSeq()
	pkt, err := encodeV2(pt, managedSID, seq, payload, suite, k1, k2, true, suite.Confidentiality != ConfNone)
	if err != nil {
		return err
	}
	_, err = s.sg.conn.WriteToUDP(pkt, s.remoteAddr)
	return err
}

func (s *Session) sendCloseSession() {
	body := make([]byte, 0, 12)
	body = appendU32LE(body, s.managedSID)
	s.sendCommand(NetFnApp, CmdCloseSession, body, nil)
}
