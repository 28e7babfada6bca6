package ipmi

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// buildIPMIRequest assembles the non-bridged inner IPMI payload layout
// from spec §4.D: rsaddr, (netfn<<2)|rslun, headcsum, rqaddr,
// (seqlun<<2)|rqlun, command, data..., bodycsum.
func buildIPMIRequest(netFn, command uint8, seqLun uint8, data []byte) []byte {
	head := []byte{AddrBMC, netFn << 2, 0, AddrRemote}
	head[2] = checksum(head[:2])

	body := []byte{seqLun << 2, command}
	body = append(body, data...)

	out := make([]byte, 0, len(head)+len(body)+1)
	out = append(out, head...)
	out = append(out, body...)
	out = append(out, checksum(append([]byte{AddrRemote}, body...)))
	return out
}

// buildBridgedRequest wraps inner in a "send message" envelope
// addressed at the given channel, per spec §4.D.
func buildBridgedRequest(channel uint8, seqLun uint8, inner []byte) []byte {
	wrapper := buildIPMIRequest(NetFnApp, CmdSendMessage, seqLun, append([]byte{0x40 | channel}, inner...))
	return wrapper
}

// parsedIPMIResponse is the decoded form of an inbound IPMI payload.
type parsedIPMIResponse struct {
	NetFn   uint8
	SeqLun  uint8
	Command uint8
	Code    uint8
	Data    []byte
}

// parseIPMIResponse strips addressing/checksums from a received inner
// IPMI payload (spec §4.D "Matched replies strip headers/checksums into
// {netfn, command, code, data}").
func parseIPMIResponse(buf []byte) (*parsedIPMIResponse, error) {
	if len(buf) < 7 {
		return nil, fmt.Errorf("ipmi: short response payload")
	}
	netFnLun := buf[1]
	seqLunByte := buf[4]
	r := &parsedIPMIResponse{
		NetFn:   netFnLun >> 2,
		SeqLun:  seqLunByte >> 2,
		Command: buf[5],
		Code:    buf[6],
		Data:    append([]byte{}, buf[7:len(buf)-1]...),
	}
	return r, nil
}

type pendingKey struct {
	netFn   uint8
	seqLun  uint8
	command uint8
}

type pendingEntry struct {
	key      pendingKey
	callback func(Result)
	bridged  bool
	stage    int // 0 = awaiting outer ack, 1 = awaiting inner reply (bridged only)
}

// router is component D: it correlates outstanding IPMI requests with
// their replies by (expected netfn, seqlun, command), enforces the
// single-in-flight guard, and maintains the taboo-sequence LRU spec §9
// calls for.
type router struct {
	mu        sync.Mutex
	seqLun    uint8
	pending   map[pendingKey]*pendingEntry
	inCommand bool
	queue     []func()
	taboo     *list.List // of pendingKey, most-recently-tabooed at back
	tabooSet  map[pendingKey]*list.Element
}

const tabooCapacity = 16

func newRouter() *router {
	return &router{
		pending:  make(map[pendingKey]*pendingEntry),
		taboo:    list.New(),
		tabooSet: make(map[pendingKey]*list.Element),
	}
}

// nextSeqLun advances the sequence/LUN counter mod 64, skipping any
// value presently in the taboo set.
func (r *router) nextSeqLun() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		r.seqLun = (r.seqLun + 1) % 64
		tabooed := false
		for k := range r.tabooSet {
			if k.seqLun == r.seqLun {
				tabooed = true
				break
			}
		}
		if !tabooed {
			return r.seqLun
		}
	}
}

// tabooAdd marks (netFn, cmd, seqLun) as forbidden for reuse for up to
// tabooCapacity rounds after a retry, per spec §9, so a retransmitted
// request can't be confused with a stale reply still in flight.
func (r *router) tabooAdd(k pendingKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.tabooSet[k]; ok {
		r.taboo.MoveToBack(el)
		return
	}
	el := r.taboo.PushBack(k)
	r.tabooSet[k] = el
	for r.taboo.Len() > tabooCapacity {
		front := r.taboo.Front()
		r.taboo.Remove(front)
		delete(r.tabooSet, front.Value.(pendingKey))
	}
}

func (r *router) isTaboo(k pendingKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tabooSet[k]
	return ok
}

// enterCommand implements the single-in-flight guard (spec §3
// "incommand"): if no command is in flight, it claims the gate and
// returns true so the caller runs fn itself; otherwise fn is queued on
// r.queue and run later by leaveCommand.
func (r *router) enterCommand(fn func()) bool {
	r.mu.Lock()
	if r.inCommand {
		r.queue = append(r.queue, fn)
		r.mu.Unlock()
		return false
	}
	r.inCommand = true
	r.mu.Unlock()
	return true
}

// leaveCommand releases the gate, starting the next queued command (if
// any) in place of clearing inCommand.
func (r *router) leaveCommand() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.inCommand = false
		r.mu.Unlock()
		return
	}
	next := r.queue[0]
	r.queue = r.queue[1:]
	r.mu.Unlock()
	next()
}

// register records a pending request entry, keyed on the reply it
// expects: netfn+1 (request netfn is even, reply is the next odd
// value), the seqlun it was sent with, and the command code.
func (r *router) register(netFn, seqLun, command uint8, callback func(Result), bridged bool) pendingKey {
	k := pendingKey{netFn: netFn + 1, seqLun: seqLun, command: command}
	r.mu.Lock()
	r.pending[k] = &pendingEntry{key: k, callback: callback, bridged: bridged}
	r.mu.Unlock()
	return k
}

// dispatchReply matches an inbound IPMI payload against the pending
// table and invokes its callback exactly once (spec §4.D).
func (r *router) dispatchReply(payload []byte) {
	parsed, err := parseIPMIResponse(payload)
	if err != nil {
		return
	}
	k := pendingKey{netFn: parsed.NetFn, seqLun: parsed.SeqLun, command: parsed.Command}

	r.mu.Lock()
	entry, ok := r.pending[k]
	if !ok {
		r.mu.Unlock()
		return
	}
	if entry.bridged && entry.stage == 0 {
		entry.stage = 1
		r.mu.Unlock()
		// Outer "send message" ack: success iff final data byte is 0x00
		// (spec §4.D). On success the wrapper entry stays registered at
		// stage 1; on failure it is consumed and its callback receives
		// the error. The inner entry is left registered either way.
		if len(parsed.Data) > 0 && parsed.Data[len(parsed.Data)-1] != 0x00 {
			r.complete(k, Result{Err: fmt.Errorf("ipmi: bridged send message failed")})
		}
		return
	}
	delete(r.pending, k)
	r.mu.Unlock()

	res := Result{NetFn: parsed.NetFn, Command: parsed.Command, Code: parsed.Code, Data: parsed.Data}
	if parsed.Code != CompletionOK {
		res.Err = &CommandError{Command: parsed.Command, Code: parsed.Code}
	}
	entry.callback(res)
}

func (r *router) complete(k pendingKey, res Result) {
	r.mu.Lock()
	entry, ok := r.pending[k]
	if ok {
		delete(r.pending, k)
	}
	r.mu.Unlock()
	if ok {
		entry.callback(res)
	}
}

// failAll terminates every pending request with err, used when a
// session is marked broken (spec §7).
func (r *router) failAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[pendingKey]*pendingEntry)
	r.mu.Unlock()
	for _, e := range pending {
		e.callback(Result{Err: err})
	}
}

// sendCommand is the established-session path for component D: builds
// the inner IPMI payload, registers the pending entry, and hands the
// framed packet to sendEstablished. Only one request is in flight per
// session at a time (spec §3 "incommand guard"); additional calls queue
// on router.queue and run as each in-flight command completes.
func (s *Session) sendCommand(netFn, command uint8, data []byte, callback func(Result)) {
	run := func() {
		seqLun := s.router.nextSeqLun()
		s.sendCommandAt(netFn, command, seqLun, data, func(res Result) {
			s.router.leaveCommand()
			if callback != nil {
				callback(res)
			}
		}, 500*time.Millisecond)
	}
	if s.router.enterCommand(run) {
		run()
	}
}

// sendCommandAt implements spec §4.C's established-session timeout
// behavior: on expiry, taboo the (netfn,cmd,seqlun) triple and resend,
// doubling the wait up to maxtimeout=6s; exceeding that surfaces
// {error:"timeout", code:0xFFFF} and marks the session broken (spec §8
// scenario 6).
func (s *Session) sendCommandAt(netFn, command, seqLun uint8, data []byte, callback func(Result), timeout time.Duration) {
	payload := buildIPMIRequest(netFn, command, seqLun, data)
	key := pendingKey{netFn: netFn + 1, seqLun: seqLun, command: command}

	done := make(chan struct{})
	var once sync.Once
	wrapped := func(res Result) {
		once.Do(func() { close(done) })
		if callback != nil {
			callback(res)
		}
	}
	s.router.register(netFn, seqLun, command, wrapped, false)

	if err := s.sendEstablished(PayloadIPMI, payload); err != nil {
		s.router.complete(key, Result{Err: err})
		return
	}

	const maxTimeout = 6 * time.Second
	s.reactor.scheduleAt(time.Now().Add(timeout), func() {
		select {
		case <-done:
			return
		default:
		}
		if s.Broken() {
			return
		}
		next := timeout * 2
		if next > maxTimeout {
			s.router.complete(key, Result{NetFn: netFn, Command: command, Err: ErrTimeout, Code: TimeoutCode})
			s.markBroken(ErrTimeout)
			return
		}
		s.router.tabooAdd(pendingKey{netFn: netFn, seqLun: seqLun, command: command})
		s.sendCommandAt(netFn, command, seqLun, data, callback, next)
	})
}

// sendBridgedCommand is the two-stage bridged path from spec §4.D; it
// shares sendCommand's single-in-flight gate.
func (s *Session) sendBridgedCommand(channel, netFn, command uint8, data []byte, callback func(Result)) {
	run := func() {
		seqLun := s.router.nextSeqLun()
		inner := buildIPMIRequest(netFn, command, seqLun, data)
		wrapper := buildBridgedRequest(channel, seqLun, inner)
		var once sync.Once
		release := func() { once.Do(s.router.leaveCommand) }
		s.router.register(NetFnApp, seqLun, CmdSendMessage, func(res Result) {
			release()
			if callback != nil {
				callback(res)
			}
		}, true)
		s.router.register(netFn, seqLun, command, func(res Result) {
			release()
			if callback != nil {
				callback(res)
			}
		}, false)
		if err := s.sendEstablished(PayloadIPMI, wrapper); err != nil {
			release()
			if callback != nil {
				callback(Result{Err: err})
			}
		}
	}
	if s.router.enterCommand(run) {
		run()
	}
}

// RawCommand is the public surface from spec §6
// ("raw_command(netfn, command, data, bridge_request?, ...)").
func (s *Session) RawCommand(netFn, command uint8, data []byte, callback func(Result)) {
	if s.Broken() {
		if callback != nil {
			callback(Result{Err: ErrSessionDisconnected})
		}
		return
	}
	s.sendCommand(netFn, command, data, callback)
}

// RawBridgedCommand issues a bridged request through the given channel.
func (s *Session) RawBridgedCommand(channel, netFn, command uint8, data []byte, callback func(Result)) {
	if s.Broken() {
		if callback != nil {
			callback(Result{Err: ErrSessionDisconnected})
		}
		return
	}
	s.sendBridgedCommand(channel, netFn, command, data, callback)
}
