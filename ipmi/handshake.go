package ipmi

import (
	"encoding/binary"
	"time"
)

// startLogin begins (or restarts) the discovery sequence from spec
// §4.C: probe channel auth capabilities with the IPMI 2.0 extended bit
// set, falling back to plain 1.5 framing if the BMC rejects it.
func (s *Session) startLogin() {
	s.setContext(CtxInitial)
	s.loginTries++
	s.sendChannelAuthCapProbe(true)
}

func (s *Session) sendChannelAuthCapProbe(extended bool) {
	reqByte := byte(0x0E)
	if extended {
		reqByte = 0x8E
	}
	data := []byte{reqByte, s.privilege}
	payload := buildIPMIRequest(NetFnApp, CmdGetChannelAuthCapabilities, 0, data)
	frame := encodeV1(AuthTypeNone, 0, 0, nil, payload)
	s.writeRaw(frame)
	s.armLoginTimeout(func() { s.restartLogin() })
}

func (s *Session) writeRaw(b []byte) {
	_, _ = s.sg.conn.WriteToUDP(b, s.remoteAddr)
}

// armLoginTimeout schedules fn to run after the current retry timeout,
// doubling the budget on each call up to maxtimeout, per spec §4.C.
func (s *Session) armLoginTimeout(fn func()) {
	s.mu.Lock()
	timeout := s.retryTimeout
	s.mu.Unlock()
	s.reactor.scheduleAt(time.Now().Add(timeout), func() {
		if s.Broken() || s.Context() == CtxEstablished {
			return
		}
		s.mu.Lock()
		s.retryTimeout *= 2
		if s.retryTimeout > s.maxTimeout {
			s.retryTimeout = s.maxTimeout
		}
		s.mu.Unlock()
		fn()
	})
}

func (s *Session) restartLogin() {
	if s.loginTries > 20 {
		s.markBroken(ErrTimeout)
		s.notifyLogon(Result{Err: ErrTimeout, Code: TimeoutCode})
		return
	}
	s.startLogin()
}

// handleLoginFrame dispatches a pre-establishment packet by its leading
// authtype byte: RMCP+ (0x06) means 2.0 handshake framing, anything else
// is a 1.5-framed response.
func (s *Session) handleLoginFrame(raw []byte) {
	if len(raw) < 5 {
		return
	}
	if authType(raw[4]) == AuthTypeRMCPPlus {
		frame, err := decodeV2(raw, 0, s.suite, nil, nil, false)
		if err != nil {
			s.log.WithError(err).Trace("ipmi: dropping malformed login frame")
			return
		}
		switch frame.PayloadType {
		case PayloadRMCPOpenRes:
			s.handleOpenSessionResponse(frame.Payload)
		case PayloadRAKP2:
			s.handleRAKP2(frame.Payload)
		case PayloadRAKP4:
			s.handleRAKP4(frame.Payload)
		}
		return
	}

	f, err := decodeV1(raw)
	if err != nil {
		s.log.WithError(err).Trace("ipmi: dropping malformed 1.5 frame")
		return
	}
	parsed, err := parseIPMIResponse(f.Payload)
	if err != nil {
		return
	}
	switch parsed.Command {
	case CmdGetChannelAuthCapabilities:
		s.handleChannelAuthCapResponse(parsed)
	case CmdGetSessionChallenge:
		s.handleChallengeResponse(parsed)
	case CmdActivateSession:
		s.handleActivateResponse(parsed, f.SessionID)
	case CmdSetSessionPrivilegeLevel:
		s.handleSetPriv15Response(parsed)
	}
}

// handleChannelAuthCapResponse decides between the 2.0 and 1.5 paths per
// spec §4.C's discovery sequence.
func (s *Session) handleChannelAuthCapResponse(parsed *parsedIPMIResponse) {
	if parsed.Code == CompletionUnexpectedField {
		// BMC rejected the extended-data request bit; retry plain.
		s.sendChannelAuthCapProbe(false)
		return
	}
	if parsed.Code != CompletionOK || len(parsed.Data) < 3 {
		s.notifyLogon(Result{Err: ErrSessionDisconnected})
		s.markBroken(ErrSessionDisconnected)
		return
	}
	authSupport := parsed.Data[1]
	var extCaps byte
	if len(parsed.Data) >= 4 {
		extCaps = parsed.Data[3]
	}
	supports20 := extCaps&0x02 != 0
	if supports20 {
		s.version = V2_0
		s.setContext(CtxOpenSession)
		s.suite = CipherSuite17
		s.sendOpenSessionRequest()
		return
	}
	if authSupport&0x02 == 0 { // MD5 bit
		s.notifyLogon(Result{Err: ErrMD5Unavailable})
		s.markBroken(ErrMD5Unavailable)
		return
	}
	s.version = V1_5
	s.sendGetSessionChallenge()
}

// --- 2.0 path -----------------------------------------------------

func (s *Session) sendOpenSessionRequest() {
	req := openSessionRequest{MessageTag: 1, Privilege: s.privilege, SessionID: s.localSID, Suite: s.suite}
	payload := req.marshal()
	pkt, _ := encodeV2(PayloadRMCPOpenReq, 0, 0, payload, s.suite, nil, nil, false, false)
	s.writeRaw(pkt)
	s.armLoginTimeout(func() {
		// Open Session Request is idempotent to resend verbatim (spec §4.C).
		s.sendOpenSessionRequest()
	})
}

func (s *Session) handleOpenSessionResponse(payload []byte) {
	resp, err := parseOpenSessionResponse(payload)
	if err != nil {
		return
	}
	if resp.Status != 0 {
		if s.suite.ID == CipherSuite17.ID {
			// Auto-downgrade to SHA-1, spec §8 scenario 2.
			s.suite = CipherSuite3
			s.sendOpenSessionRequest()
			return
		}
		s.notifyLogon(Result{Err: &ProtocolError{rakpStatusString(resp.Status)}})
		s.markBroken(&ProtocolError{rakpStatusString(resp.Status)})
		return
	}
	s.mu.Lock()
	s.managedSID = resp.RemoteSID
	s.mu.Unlock()
	s.setContext(CtxExpectingRAKP2)
	s.sendRAKP1()
}

func (s *Session) sendRAKP1() {
	rnd, err := randomBytes(16)
	if err != nil {
		s.markBroken(err)
		return
	}
	s.mu.Lock()
	s.consoleRand = rnd
	managedSID := s.managedSID
	s.mu.Unlock()

	r1 := rakp1{MessageTag: 2, ManagedSID: managedSID, ConsoleRand: rnd, Privilege: s.privilege, NameOnly: true, Username: s.username}
	payload := r1.marshal()
	pkt, _ := encodeV2(PayloadRAKP1, 0, 0, payload, s.suite, nil, nil, false, false)
	s.writeRaw(pkt)
	s.armLoginTimeout(func() {
		// BMCs treat a resent RAKP1 as an error; restart from scratch.
		s.restartLogin()
	})
}

func (s *Session) handleRAKP2(payload []byte) {
	if s.Context() != CtxExpectingRAKP2 {
		return
	}
	r2, err := parseRAKP2(payload)
	if err != nil {
		return
	}
	if r2.Status == 0x09 || r2.Status == 0x0D {
		if s.autoPriv && s.privilege == PrivAdmin {
			s.privilege = PrivOperator
			s.restartLogin()
			return
		}
		s.notifyLogon(Result{Err: &ProtocolError{rakpStatusString(r2.Status)}})
		s.markBroken(&ProtocolError{rakpStatusString(r2.Status)})
		return
	}
	if r2.Status != 0 {
		s.notifyLogon(Result{Err: &ProtocolError{rakpStatusString(r2.Status)}})
		s.markBroken(&ProtocolError{rakpStatusString(r2.Status)})
		return
	}

	s.mu.Lock()
	rolePriv := s.privilege | 0x10 // name-only lookup bit, matches RAKP1
	expected := rakp2ExpectedAuthCode(s.suite.ID, s.password, s.localSID, s.managedSID, s.consoleRand, r2.BMCRand, r2.BMCGUID, rolePriv, s.username)
	s.mu.Unlock()

	if !bufEqual(expected, r2.AuthCode) {
		s.notifyLogon(Result{Err: ErrIncorrectPassword})
		s.markBroken(ErrIncorrectPassword)
		return
	}

	s.mu.Lock()
	s.bmcRand = r2.BMCRand
	s.guid = r2.BMCGUID
	s.sik = generateSIK(s.suite.ID, s.kg, s.consoleRand, r2.BMCRand, rolePriv, s.username)
	s.k1 = generateK1(s.suite.ID, s.sik)
	s.k2 = generateK2(s.suite.ID, s.sik)
	s.mu.Unlock()

	s.setContext(CtxExpectingRAKP4)
	s.sendRAKP3()
}

func (s *Session) sendRAKP3() {
	s.mu.Lock()
	rolePriv := s.privilege | 0x10
	authCode := rakp3AuthCode(s.suite.ID, s.password, s.bmcRand, s.localSID, rolePriv, s.username)
	managedSID := s.managedSID
	s.mu.Unlock()

	r3 := rakp3{MessageTag: 2, Status: 0, ManagedSID: managedSID, AuthCode: authCode}
	payload := r3.marshal()
	pkt, _ := encodeV2(PayloadRAKP3, 0, 0, payload, s.suite, nil, nil, false, false)
	s.writeRaw(pkt)
	s.armLoginTimeout(func() {
		s.restartLogin()
	})
}

func (s *Session) handleRAKP4(payload []byte) {
	if s.Context() != CtxExpectingRAKP4 {
		return
	}
	r4, err := parseRAKP4(payload)
	if err != nil {
		return
	}
	if r4.Status != 0 {
		s.notifyLogon(Result{Err: &ProtocolError{rakpStatusString(r4.Status)}})
		s.markBroken(&ProtocolError{rakpStatusString(r4.Status)})
		return
	}

	s.mu.Lock()
	expected := rakp4ExpectedICV(s.suite.ID, s.sik, s.consoleRand, s.managedSID, s.guid)
	s.mu.Unlock()
	if !bufEqual(expected, r4.ICV) {
		s.notifyLogon(Result{Err: ErrBadRAKP4})
		s.markBroken(ErrBadRAKP4)
		return
	}

	s.mu.Lock()
	s.outSeq = 0
	s.inSeq = 0
	s.mu.Unlock()
	s.setContext(CtxEstablished)
	s.setSessionPrivilege()
}

func (s *Session) setSessionPrivilege() {
	s.sendCommand(NetFnApp, CmdSetSessionPrivilegeLevel, []byte{s.privilege}, func(res Result) {
		if res.Failed() {
			if (res.Code == 0x80 || res.Code == 0x81) && s.autoPriv && s.privilege == PrivAdmin {
				s.privilege = PrivOperator
				s.restartLogin()
				return
			}
			s.notifyLogon(res)
			s.markBroken(res.Err)
			return
		}
		s.armKeepalive()
		s.notifyLogon(Result{})
	})
}

// armKeepalive registers the session in the keepalive table with a
// deadline of now + (MAX_IDLE - random(0..4.9)s), spec §4.C.
func (s *Session) armKeepalive() {
	const maxIdle = 29 * time.Second
	jitter := time.Duration(float64(4900*time.Millisecond) * randFloat())
	s.mu.Lock()
	s.idleDeadline = time.Now().Add(maxIdle - jitter)
	s.mu.Unlock()
	if !s.keepaliveOn {
		return
	}
	s.reactor.scheduleAt(s.idleDeadline, s.fireKeepalive)
}

func (s *Session) fireKeepalive() {
	if s.Broken() || s.Context() != CtxEstablished {
		return
	}
	entries := s.reactor.keepalivesFor(s)
	if len(entries) > 0 {
		for _, e := range entries {
			s.sendCommand(e.netFn, e.command, e.data, e.callback)
		}
	} else {
		s.sendCommand(NetFnApp, CmdGetDeviceID, nil, func(Result) {})
	}
	s.armKeepalive()
}

func (s *Session) notifyLogon(res Result) {
	if s.onLogon != nil {
		s.onLogon(res)
	}
}

func randFloat() float64 {
	b, err := randomBytes(8)
	if err != nil {
		return 0.5
	}
	v := binary.LittleEndian.Uint64(b)
	return float64(v%1000) / 1000.0
}

// --- 1.5 fallback path (supplemented feature, SPEC_FULL §4) ---------

func (s *Session) sendGetSessionChallenge() {
	data := append([]byte{byte(AuthTypeMD5)}, padUsername(s.username)...)
	payload := buildIPMIRequest(NetFnApp, CmdGetSessionChallenge, 0, data)
	frame := encodeV1(AuthTypeNone, 0, 0, nil, payload)
	s.writeRaw(frame)
	s.armLoginTimeout(s.restartLogin)
}

func padUsername(u string) []byte {
	b := make([]byte, 16)
	copy(b, u)
	return b
}

func (s *Session) handleChallengeResponse(parsed *parsedIPMIResponse) {
	if parsed.Code != CompletionOK || len(parsed.Data) < 20 {
		s.notifyLogon(Result{Err: ErrSessionDisconnected})
		s.markBroken(ErrSessionDisconnected)
		return
	}
	tempSID := binary.LittleEndian.Uint32(parsed.Data[0:4])
	challenge := parsed.Data[4:20]
	s.sendActivateSession(tempSID, challenge)
}

func (s *Session) sendActivateSession(tempSID uint32, challenge []byte) {
	data := make([]byte, 0, 22)
	data = append(data, byte(AuthTypeMD5), s.privilege)
	data = append(data, challenge...)
	seq := make([]byte, 4)
	binary.LittleEndian.PutUint32(seq, 1)
	data = append(data, seq...)
	payload := buildIPMIRequest(NetFnApp, CmdActivateSession, 0, data)
	authCode := md5AuthCode(s.password, tempSID, payload, 0)
	frame := encodeV1(AuthTypeMD5, 0, tempSID, authCode, payload)
	s.writeRaw(frame)
	s.armLoginTimeout(s.restartLogin)
}

func (s *Session) handleActivateResponse(parsed *parsedIPMIResponse, sessionID uint32) {
	if parsed.Code != CompletionOK || len(parsed.Data) < 10 {
		s.notifyLogon(Result{Err: ErrSessionDisconnected})
		s.markBroken(ErrSessionDisconnected)
		return
	}
	s.mu.Lock()
	s.managedSID = binary.LittleEndian.Uint32(parsed.Data[1:5])
	s.v15Sequence = binary.LittleEndian.Uint32(parsed.Data[5:9])
	s.mu.Unlock()
	s.setContext(CtxEstablished)
	s.sendSetPrivilege15()
}

func (s *Session) sendSetPrivilege15() {
	payload := buildIPMIRequest(NetFnApp, CmdSetSessionPrivilegeLevel, 0, []byte{s.privilege})
	s.mu.Lock()
	sid := s.managedSID
	seq := s.v15Sequence
	s.v15Sequence++
	s.mu.Unlock()
	authCode := md5AuthCode(s.password, sid, payload, seq)
	frame := encodeV1(AuthTypeMD5, seq, sid, authCode, payload)
	s.writeRaw(frame)
	s.armLoginTimeout(s.restartLogin)
}

func (s *Session) handleSetPriv15Response(parsed *parsedIPMIResponse) {
	if parsed.Code != CompletionOK {
		s.notifyLogon(Result{Err: &CommandError{Command: parsed.Command, Code: parsed.Code}})
		s.markBroken(ErrSessionDisconnected)
		return
	}
	s.armKeepalive()
	s.notifyLogon(Result{})
}

// md5AuthCode computes the IPMI 1.5 MD5 session authcode: MD5(password,
// sessionid, payload, sequence, password).
func md5AuthCode(password []byte, sessionID uint32, payload []byte, sequence uint32) []byte {
	h := newMD5()
	h.Write(password)
	sid := make([]byte, 4)
	binary.LittleEndian.PutUint32(sid, sessionID)
	h.Write(sid)
	h.Write(payload)
	seq := make([]byte, 4)
	binary.LittleEndian.PutUint32(seq, sequence)
	h.Write(seq)
	h.Write(password)
	return h.Sum(nil)
}
