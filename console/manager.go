// Package console manages one SOL console per configured target: a
// long-lived IPMI session with reconnect-and-backoff, fanned out to any
// number of subscribers (SSE clients) alongside a rolling screen buffer
// for catch-up on attach. Adapted from the teacher's sol/manager.go,
// generalized from a single hardcoded BMC family to a configured target
// list and rebuilt on top of this module's own ipmi/sol packages instead
// of go-sol.
package console

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ipmisol/ipmi"
	"ipmisol/sdr"
	"ipmisol/sol"
)

// Target is one configured BMC endpoint.
type Target struct {
	Name      string
	Address   string
	Username  string
	Password  []byte
	Kg        []byte
	Privilege uint8
	Keepalive bool
}

// Session is the live state of one target's console, read-mostly and
// safe to hand out copies of to callers (handlers, SSE).
type Session struct {
	Name         string
	Address      string
	Connected    bool
	LastError    string
	LastActivity time.Time

	cancel      context.CancelFunc
	ipmiSession *ipmi.Session
	console     *sol.Console
}

// Manager owns every target's console plus the shared reactor and SDR
// cache they're built on.
type Manager struct {
	log     logrus.FieldLogger
	reactor *ipmi.Reactor
	cache   *sdr.Cache

	mu       sync.RWMutex
	targets  map[string]Target
	sessions map[string]*Session

	subMu       sync.RWMutex
	subscribers map[string][]chan []byte

	screenMu   sync.Mutex
	screenBufs map[string]*ScreenBuffer
}

func NewManager(reactor *ipmi.Reactor, cache *sdr.Cache, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager{
		log:         log.WithField("component", "console"),
		reactor:     reactor,
		cache:       cache,
		targets:     make(map[string]Target),
		sessions:    make(map[string]*Session),
		subscribers: make(map[string][]chan []byte),
		screenBufs:  make(map[string]*ScreenBuffer),
	}
	go m.healthCheck()
	return m
}

// StartSession begins (or restarts) the console loop for a target.
func (m *Manager) StartSession(t Target) {
	m.mu.Lock()
	m.targets[t.Name] = t
	if existing, ok := m.sessions[t.Name]; ok && existing.cancel != nil {
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{Name: t.Name, Address: t.Address, cancel: cancel}
	m.sessions[t.Name] = session
	m.mu.Unlock()

	go m.runSession(ctx, t, session)
}

func (m *Manager) StopSession(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[name]
	if !ok {
		return
	}
	if session.cancel != nil {
		session.cancel()
	}
	if session.console != nil {
		session.console.Close()
	}
	if session.ipmiSession != nil {
		session.ipmiSession.Close()
	}
	delete(m.sessions, name)
}

func (m *Manager) RestartSession(name string) {
	m.mu.RLock()
	t, ok := m.targets[name]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.log.Infof("restarting console session for %s", name)
	m.StopSession(name)
	m.StartSession(t)
}

func (m *Manager) GetSession(name string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[name]
}

func (m *Manager) GetSessions() map[string]*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Session, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out
}

func (m *Manager) SendCommand(name string, data []byte) error {
	m.mu.RLock()
	session, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("console: unknown target %q", name)
	}
	if !session.Connected || session.console == nil {
		return fmt.Errorf("console: target %q not connected", name)
	}
	session.console.SendData(data)
	return nil
}

func (m *Manager) SendBreak(name string) error {
	m.mu.RLock()
	session, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("console: unknown target %q", name)
	}
	if !session.Connected || session.console == nil {
		return fmt.Errorf("console: target %q not connected", name)
	}
	session.console.SendBreak()
	return nil
}

// SensorReader returns an sdr.Reader bound to the target's live
// session, for on-demand sensor snapshot requests.
func (m *Manager) SensorReader(name string) (*sdr.Reader, error) {
	m.mu.RLock()
	session, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("console: unknown target %q", name)
	}
	if !session.Connected || session.ipmiSession == nil {
		return nil, fmt.Errorf("console: target %q not connected", name)
	}
	return sdr.NewReader(session.ipmiSession, m.cache, m.log), nil
}

func (m *Manager) Subscribe(name string) chan []byte {
	ch := make(chan []byte, 64)
	m.subMu.Lock()
	m.subscribers[name] = append(m.subscribers[name], ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(name string, ch chan []byte) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	subs := m.subscribers[name]
	for i, s := range subs {
		if s == ch {
			m.subscribers[name] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) GetScreenBuffer(name string) []byte {
	m.screenMu.Lock()
	sb := m.screenBufs[name]
	m.screenMu.Unlock()
	if sb == nil {
		return nil
	}
	return sb.Bytes()
}

func (m *Manager) getOrCreateScreenBuf(name string) *ScreenBuffer {
	m.screenMu.Lock()
	defer m.screenMu.Unlock()
	if m.screenBufs[name] == nil {
		m.screenBufs[name] = NewScreenBuffer(defaultScreenBufSize)
	}
	return m.screenBufs[name]
}

func (m *Manager) broadcast(name string, data []byte) {
	m.subMu.RLock()
	subs := m.subscribers[name]
	m.subMu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// healthCheck restarts any session whose underlying ipmi.Session has
// broken without the read loop noticing (e.g. a keepalive failure that
// fired between SOL bytes).
func (m *Manager) healthCheck() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.RLock()
		var stale []string
		for name, session := range m.sessions {
			if !session.Connected {
				continue
			}
			if session.ipmiSession == nil || session.ipmiSession.Broken() {
				stale = append(stale, name)
			}
		}
		m.mu.RUnlock()

		for _, name := range stale {
			m.RestartSession(name)
		}
	}
}

func (m *Manager) runSession(ctx context.Context, t Target, session *Session) {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.log.Infof("connecting SOL to %s (%s)", t.Name, t.Address)
		connectTime := time.Now()
		err := m.connectSOL(ctx, t, session)
		if err != nil {
			session.Connected = false
			session.LastError = err.Error()
			m.log.WithError(err).Errorf("SOL connection failed for %s", t.Name)
			if time.Since(connectTime) > 30*time.Second {
				backoff = time.Second
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
		}
	}
}

func (m *Manager) connectSOL(ctx context.Context, t Target, session *Session) error {
	cfg := ipmi.Config{
		Address:   t.Address,
		Username:  t.Username,
		Password:  t.Password,
		Kg:        t.Kg,
		Privilege: t.Privilege,
		Keepalive: t.Keepalive,
		Logger:    m.log,
	}
	ipmiSession, logonRes := ipmi.Dial(m.reactor, cfg)
	if logonRes.Failed() {
		return fmt.Errorf("ipmi logon failed: %w", logonRes.Err)
	}

	sb := m.getOrCreateScreenBuf(t.Name)
	sb.Reset()
	m.broadcast(t.Name, []byte("\x1b[2J\x1b[H"))

	errCh := make(chan error, 1)
	c := sol.NewConsole(ipmiSession, sol.Config{
		Logger: m.log,
		OnData: func(data []byte) {
			session.LastActivity = time.Now()
			m.broadcast(t.Name, data)
			sb.Write(data)
		},
		OnError: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	})

	activateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := c.Activate(activateCtx)
	cancel()
	if err != nil {
		ipmiSession.Close()
		return fmt.Errorf("SOL activate failed: %w", err)
	}

	m.mu.Lock()
	session.ipmiSession = ipmiSession
	session.console = c
	session.Connected = true
	session.LastError = ""
	session.LastActivity = time.Now()
	m.mu.Unlock()

	m.log.Infof("SOL connected to %s", t.Name)

	select {
	case <-ctx.Done():
		c.Close()
		ipmiSession.Close()
		session.Connected = false
		return ctx.Err()
	case err := <-errCh:
		c.Close()
		ipmiSession.Close()
		session.Connected = false
		return fmt.Errorf("SOL error: %w", err)
	}
}
