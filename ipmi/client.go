package ipmi

// Dial is a convenience constructor matching spec §6's Session
// constructor contract: it creates a Reactor-backed session and blocks
// until onLogon has fired once, returning the session and the terminal
// logon result together.
func Dial(r *Reactor, cfg Config) (*Session, Result) {
	result := make(chan Result, 1)
	userOnLogon := cfg.OnLogon
	cfg.OnLogon = func(res Result) {
		select {
		case result <- res:
		default:
		}
		if userOnLogon != nil {
			userOnLogon(res)
		}
	}
	s, err := NewSession(r, cfg)
	if err != nil {
		return nil, Result{Err: err}
	}
	return s, <-result
}

// Established reports whether the session has completed its handshake.
func (s *Session) Established() bool {
	return s.Context() == CtxEstablished
}

// Link returns the session's SOL link handle, used by the sol package to
// bind a Console without creating an import cycle (spec §9).
func (s *Session) Link() *Link { return s.sol }

// Privilege reports the negotiated privilege level.
func (s *Session) Privilege() uint8 { return s.privilege }

// CipherSuite reports the negotiated cipher suite.
func (s *Session) CipherSuite() CipherSuite { return s.suite }

// SessionID returns the BMC-assigned (managed) session id once
// established.
func (s *Session) SessionID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.managedSID
}

// SendSOLPayload is used by sol.Console (via the Link's Session) to emit
// raw SOL bytes without going through component D's request/response
// correlation, since SOL is a separate payload type (spec §4.E).
func (s *Session) SendSOLPayload(data []byte) error {
	if s.Broken() {
		return ErrSessionDisconnected
	}
	return s.sendEstablished(PayloadSOL, data)
}

// RawKeepalive registers a custom keepalive request/callback pair that
// replaces the default GetDeviceID probe, per spec §4.C ("Callers may
// register custom keepalives... SOL registers Get Payload Activation
// Status to detect session deactivation").
func (s *Session) RawKeepalive(netFn, command uint8, data []byte, callback func(Result)) uint64 {
	return s.reactor.RegisterKeepalive(s, netFn, command, data, callback)
}

// UnregisterKeepalive removes a previously registered custom keepalive.
func (s *Session) UnregisterKeepalive(id uint64) {
	s.reactor.UnregisterKeepalive(id)
}

// SendRaw transmits an already-built inner payload of the given type
// without registering a pending-reply entry, so no reply is correlated
// or delivered for it. Nothing in this module calls it.
func (s *Session) SendRaw(pt payloadType, payload []byte) error {
	return s.sendEstablished(pt, payload)
}
