// Package sol implements the Serial-Over-LAN payload engine: an
// ordered, acknowledged, retrying byte stream multiplexed over IPMI
// payload type 1 (component E of the session specification).
package sol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ipmisol/ipmi"
)

// solOpBreak is bit 4 of the outbound status byte (byte 3): "send
// break"; all other client-side bits are reserved at zero (spec §4.E).
const solOpBreak = 0x10

// inbound flag bits on byte 3 of a received SOL payload (spec §4.E).
const (
	flagNACK        = 0x40
	flagPoweredOff  = 0x20
	flagDeactivated = 0x10
	flagBreak       = 0x04
)

// Console is the SOL "link" owner on the client side: component E bound
// to one ipmi.Session via its Link handle (spec §9 "cyclic references").
type Console struct {
	log     logrus.FieldLogger
	session *ipmi.Session
	link    *ipmi.Link

	onData  func([]byte)
	onInfo  func(string)
	onError func(error)

	mu          sync.Mutex
	myseq       uint8
	remseq      uint8
	lastsize    int
	awaitingack bool
	lastpayload []byte
	maxoutcount int
	queue       outputQueue
	active      bool
	keepaliveID uint64
	retries     int
	lastBreak   time.Time

	force bool
}

// Config mirrors spec §6's Console constructor
// ("(bmc, userid, password, iohandler, port=623, force=false, kg?)");
// the bmc/userid/password/kg/port fields live on the already-established
// *ipmi.Session passed to NewConsole, since this module separates
// session establishment from SOL activation.
type Config struct {
	Force   bool
	OnData  func([]byte)
	OnInfo  func(string)
	OnError func(error)
	Logger  logrus.FieldLogger
}

// NewConsole binds a Console to an established session via its Link
// handle. The session reaches the Console only through the Link, while
// the Console keeps a direct *ipmi.Session for sending; Close detaches
// the Link so the session stops delivering SOL frames to it.
func NewConsole(session *ipmi.Session, cfg Config) *Console {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Console{
		log:     log,
		session: session,
		link:    session.Link(),
		onData:  cfg.OnData,
		onInfo:  cfg.OnInfo,
		onError: cfg.OnError,
		myseq:   1,
		force:   cfg.Force,
	}
	c.link.Bind(session, c)
	return c
}

// Activate sends Activate Payload and, on success, registers the SOL
// keepalive (Get Payload Activation Status) in place of the session's
// default GetDeviceID probe, per spec §4.C/§4.E.
func (c *Console) Activate(ctx context.Context) error {
	done := make(chan error, 1)
	c.sendActivate(false, done)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Console) sendActivate(retried bool, done chan error) {
	data := []byte{0x01, 0x01, 0xC0, 0x00, 0x00, 0x00}
	c.session.RawCommand(ipmi.NetFnApp, ipmi.CmdActivatePayload, data, func(res ipmi.Result) {
		if res.Failed() {
			if ce, ok := res.Err.(*ipmi.CommandError); ok {
				switch ce.Code {
				case 0x80:
					if c.force && !retried {
						c.deactivate(func() { c.sendActivate(true, done) })
						return
					}
					done <- fmt.Errorf("sol: payload already active on another session")
					return
				case 0x82:
					done <- fmt.Errorf("%w", solDisabled)
					return
				case 0x83:
					done <- fmt.Errorf("sol: cannot activate payload with encryption")
					return
				case 0x84:
					done <- fmt.Errorf("sol: cannot activate payload without encryption")
					return
				}
			}
			done <- res.Err
			return
		}
		if len(res.Data) < 6 {
			done <- fmt.Errorf("sol: short activate payload response")
			return
		}
		maxOut := int(res.Data[4]) | int(res.Data[5])<<8
		if maxOut == 0 || maxOut > 255 {
			maxOut = 200
		}
		c.mu.Lock()
		c.maxoutcount = maxOut
		c.active = true
		c.myseq = 1
		c.remseq = 0
		c.mu.Unlock()

		c.keepaliveID = c.session.RawKeepalive(ipmi.NetFnApp, ipmi.CmdGetPayloadActivationStatus, []byte{0x01}, func(res ipmi.Result) {
			if res.Failed() {
				c.deactivateLocally(fmt.Errorf("sol: activation status probe failed: %w", res.Err))
			}
		})
		done <- nil
	})
}

var solDisabled = fmt.Errorf("SOL is disabled")

func (c *Console) deactivate(after func()) {
	c.session.RawCommand(ipmi.NetFnApp, ipmi.CmdDeactivatePayload, []byte{0x01, 0x01, 0xC0, 0x00, 0x00, 0x00}, func(ipmi.Result) {
		if after != nil {
			after()
		}
	})
}

// Close deactivates SOL and detaches the link so any in-flight callback
// from the session side becomes a no-op (spec §9).
func (c *Console) Close() {
	c.mu.Lock()
	active := c.active
	c.active = false
	c.mu.Unlock()
	if active {
		c.deactivate(nil)
	}
	c.link.Detach()
}

// SendData enqueues bytes for transmission, coalescing with any
// unsent tail already queued (spec §4.E).
func (c *Console) SendData(b []byte) {
	c.mu.Lock()
	c.queue.pushBytes(b)
	c.mu.Unlock()
	c.pump()
}

// SendBreak enqueues a break marker, debounced to at most one per 250ms
// (supplemented feature, SPEC_FULL §4, grounded on pyghmi's console.py
// rate limiting of repeated break requests).
func (c *Console) SendBreak() {
	c.mu.Lock()
	if time.Since(c.lastBreak) < 250*time.Millisecond {
		c.mu.Unlock()
		return
	}
	c.lastBreak = time.Now()
	c.queue.pushBreak()
	c.mu.Unlock()
	c.pump()
}

// HandleSOLPayload implements ipmi.SOLHandler; it is invoked by the
// session whenever an inbound payload-type-1 frame arrives.
func (c *Console) HandleSOLPayload(payload []byte) {
	c.handleInbound(payload)
}

// SessionClosed implements ipmi.SOLHandler.
func (c *Console) SessionClosed(err error) {
	c.deactivateLocally(err)
}

func (c *Console) deactivateLocally(err error) {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
	if c.onError != nil && err != nil {
		c.onError(err)
	}
}
