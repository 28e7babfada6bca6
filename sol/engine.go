package sol

import (
	"time"
)

// buildPayload assembles an outbound SOL payload-type-1 frame per spec
// §4.E: byte0 local seq (low nibble), byte1 ack seq, byte2 accepted
// char count, byte3 flags (bit4 = break), bytes4.. data.
func buildPayload(seq, ackSeq uint8, acceptedCount uint8, breakFlag bool, data []byte) []byte {
	flags := byte(0)
	if breakFlag {
		flags = solOpBreak
	}
	out := make([]byte, 4+len(data))
	out[0] = seq & 0x0F
	out[1] = ackSeq & 0x0F
	out[2] = acceptedCount
	out[3] = flags
	copy(out[4:], data)
	return out
}

// pump sends the next queued element if nothing is currently awaiting
// an ACK (spec §3 "at-most-one in-flight packet").
func (c *Console) pump() {
	c.mu.Lock()
	if c.awaitingack || !c.active {
		c.mu.Unlock()
		return
	}
	maxOut := c.maxoutcount
	if maxOut <= 0 {
		maxOut = 200
	}
	data, isBreak, ok := c.queue.popChunk(maxOut)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendFrame(data, isBreak, 0)
}

// sendFrame transmits one SOL frame and arms the retry schedule; an
// empty non-break payload is a keepalive-equivalent send and must not
// look like activity to the session layer (spec §4.E "lasttextsize==0
// must set the keepalive flag").
func (c *Console) sendFrame(data []byte, isBreak bool, attempt int) {
	c.mu.Lock()
	seq := c.myseq
	payload := buildPayload(seq, 0, 0, isBreak, data)
	c.lastpayload = payload
	c.awaitingack = true
	c.retries = attempt
	c.mu.Unlock()

	if err := c.session.SendSOLPayload(payload); err != nil {
		c.deactivateLocally(err)
		return
	}

	// Retry schedule: up to 5 attempts, waiting until now+5.5-retries
	// seconds before resend (spec §4.E).
	wait := time.Duration(5500-float64(attempt)*1000) * time.Millisecond
	if wait < time.Second {
		wait = time.Second
	}
	time.AfterFunc(wait, func() { c.retryIfNeeded(seq, data, isBreak, attempt) })
}

func (c *Console) retryIfNeeded(seq uint8, data []byte, isBreak bool, attempt int) {
	c.mu.Lock()
	stillWaiting := c.awaitingack && c.myseq == seq
	c.mu.Unlock()
	if !stillWaiting {
		return
	}
	if attempt+1 >= 5 {
		c.deactivateLocally(errTimeoutf("sol: no ACK after 5 attempts"))
		return
	}
	c.sendFrame(data, isBreak, attempt+1)
}

// advanceSeq wraps 15 -> 1, never 0 (spec §3).
func advanceSeq(seq uint8) uint8 {
	seq++
	if seq > 15 {
		seq = 1
	}
	return seq
}

// handleInbound implements the full receive-side state machine of spec
// §4.E: remote-retry dedup, adoption of a new remote sequence, the
// mandatory ACK reply, and local ACK/NACK processing of piggybacked
// acknowledgement fields.
func (c *Console) handleInbound(payload []byte) {
	if len(payload) < 4 {
		return
	}
	newSeq := payload[0] & 0x0F
	ackSeq := payload[1] & 0x0F
	ackCount := payload[2]
	flags := payload[3]
	body := payload[4:]

	nack := flags&flagNACK != 0
	poweredOff := flags&flagPoweredOff != 0
	deactivated := flags&flagDeactivated != 0
	brk := flags&flagBreak != 0

	c.mu.Lock()

	var toDeliver []byte
	if newSeq != 0 {
		if newSeq == c.remseq {
			// Remote retry: only the tail beyond what we already
			// acknowledged is new (spec §4.E, §8 testable property).
			if len(body) > c.lastsize {
				toDeliver = body[c.lastsize:]
			}
		} else {
			c.remseq = newSeq
			toDeliver = body
		}
		c.lastsize = len(body)
	}

	// Always reply with an ACK carrying the length we just accepted.
	ackReply := buildPayload(0, c.remseq, byte(len(body)), false, nil)

	if ackSeq != 0 && ackSeq == c.myseq && c.awaitingack {
		c.awaitingack = false
		if nack && !brk {
			last := c.lastpayload
			if int(ackCount)+4 <= len(last) {
				c.queue.pushFront(last[4+ackCount:])
			}
		}
		c.myseq = advanceSeq(c.myseq)
	} else if ackSeq != 0 && ackSeq != c.myseq && c.awaitingack {
		// Defensive resend against BMCs that mishandle overlapping
		// retries (spec §4.E).
		resend := append([]byte{}, c.lastpayload...)
		go func() { _ = c.session.SendSOLPayload(resend) }()
	}

	onData := c.onData
	onInfo := c.onInfo
	onErr := c.onError
	c.mu.Unlock()

	_ = c.session.SendSOLPayload(ackReply)

	if len(toDeliver) > 0 && onData != nil {
		onData(toDeliver)
	}

	if deactivated {
		c.deactivateLocally(errTimeoutf("sol: session deactivated by BMC"))
	} else if poweredOff && onInfo != nil {
		onInfo("remote system powered off")
	}
	_ = onErr

	c.pump()
}

type solError string

func (e solError) Error() string { return string(e) }

func errTimeoutf(msg string) error { return solError(msg) }
