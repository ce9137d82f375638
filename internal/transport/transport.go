package transport

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"collabsync/internal/model"
	"collabsync/internal/utils/log"
)

// State is the connection lifecycle state. reconnecting is a side-state
// entered from any failure; error is terminal after backoff exhaustion.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateError          State = "error"
)

// Conn is the subset of a websocket connection the manager needs; satisfied
// by *websocket.Conn and by test fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to the relay.
type Dialer interface {
	Dial(rawURL string) (Conn, error)
}

// WebsocketDialer dials with gorilla's default dialer.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type (
	// BackoffConfig tunes reconnect delays. The delay grows by Multiplier
	// after each failed attempt up to MaxDelay and resets to BaseDelay after
	// a successful connection.
	BackoffConfig struct {
		BaseDelay   time.Duration
		Multiplier  float64
		MaxDelay    time.Duration
		MaxAttempts int
	}

	Config struct {
		URL               string
		ClientID          string
		DocumentID        string
		Token             string
		Backoff           BackoffConfig
		KeepaliveInterval time.Duration
		QueueLimit        int
	}
)

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

func DefaultConfig(rawURL, clientID, documentID, token string) Config {
	return Config{
		URL:               rawURL,
		ClientID:          clientID,
		DocumentID:        documentID,
		Token:             token,
		Backoff:           DefaultBackoffConfig(),
		KeepaliveInterval: 30 * time.Second,
		QueueLimit:        512,
	}
}

// Manager maintains one logical connection to the relay: authentication,
// keepalive, reconnection with exponential backoff, and an offline FIFO
// queue flushed after each successful (re)connection.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clockwork.Clock

	mu       sync.Mutex
	state    State
	conn     Conn
	queue    [][]byte
	attempts int
	delay    time.Duration
	pongSeen bool
	// generation invalidates goroutines from torn-down connections
	generation int
	closed     bool
	stop       chan struct{}
	// pendingStates queues state events under mu; cbMu serializes their
	// delivery (and message delivery) so subscribers see events in order and
	// Disconnect can fence in-flight callbacks before returning.
	pendingStates []State
	cbMu          sync.Mutex

	onMessage func([]byte)
	onState   func(State)
}

func NewManager(cfg Config, dialer Dialer, clock clockwork.Clock) *Manager {
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 512
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		clock:  clock,
		state:  StateDisconnected,
		delay:  cfg.Backoff.BaseDelay,
		stop:   make(chan struct{}),
	}
}

// OnMessage registers the inbound message callback. PONGs are consumed by
// the keepalive machinery and never reach it. Callbacks run on the manager's
// goroutines and must not call Connect or Disconnect.
func (m *Manager) OnMessage(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// OnStateChange registers the state transition callback. Transitions are
// delivered one at a time in order; the callback must not call Connect or
// Disconnect.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NextDelay exposes the delay the next reconnect attempt would wait.
func (m *Manager) NextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delay
}

// Connect establishes the connection and authenticates. On failure it
// schedules reconnection instead of returning an error; the caller observes
// progress through OnStateChange.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.state == StateConnecting || m.state == StateConnected || m.state == StateAuthenticating {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if err := m.connectOnce(); err != nil {
		log.Warn("connect failed", zap.Error(err))
		m.scheduleReconnect()
	}
}

// Send transmits data, or queues it FIFO while not connected. Returns
// ErrQueueFull when the offline queue is at its bound and
// ErrMaxAttemptsReached once reconnection has been abandoned.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return model.ErrNotConnected
	}
	if m.state == StateError {
		m.mu.Unlock()
		return model.ErrMaxAttemptsReached
	}
	if m.state != StateConnected || m.conn == nil {
		if len(m.queue) >= m.cfg.QueueLimit {
			m.mu.Unlock()
			return model.ErrQueueFull
		}
		m.queue = append(m.queue, data)
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect synchronously stops all timers and the read loop before closing
// the socket. No callback fires after it returns.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	m.generation++
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	// taking cbMu fences any in-flight message or state callback; the final
	// disconnected event is delivered before this returns
	m.flushStates()
}

func (m *Manager) connectOnce() error {
	m.setState(StateConnecting)

	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("clientID", m.cfg.ClientID)
	q.Set("docID", m.cfg.DocumentID)
	u.RawQuery = q.Encode()

	conn, err := m.dialer.Dial(u.String())
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	m.setState(StateAuthenticating)
	if err := m.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return model.ErrNotConnected
	}
	m.conn = conn
	m.attempts = 0
	m.delay = m.cfg.Backoff.BaseDelay
	m.pongSeen = true
	m.generation++
	gen := m.generation
	pending := m.queue
	m.queue = nil
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	m.flushStates()

	// flush the offline queue in FIFO order before anything else goes out;
	// on a write failure the unsent tail goes back to the front of the queue
	// so the next connection retries it
	for i, data := range pending {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn("flush queued message failed", zap.Error(err))
			m.mu.Lock()
			m.queue = append(append([][]byte{}, pending[i:]...), m.queue...)
			m.mu.Unlock()
			m.handleConnError(gen)
			return nil
		}
	}

	go m.readLoop(conn, gen)
	go m.keepaliveLoop(conn, gen)
	return nil
}

func (m *Manager) authenticate(conn Conn) error {
	hello, err := model.NewMessage(model.TypeHello, &model.Hello{
		ClientID:   m.cfg.ClientID,
		DocumentID: m.cfg.DocumentID,
		Token:      m.cfg.Token,
	})
	if err != nil {
		return err
	}
	data, err := hello.Encode()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	_, resp, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await hello ack: %w", err)
	}
	msg, err := model.DecodeMessage(resp)
	if err != nil {
		return err
	}
	if msg.Type == model.TypeError {
		var e model.ErrorMessage
		_ = msg.DecodePayload(&e)
		return fmt.Errorf("handshake rejected: %s %s", e.Code, e.Message)
	}
	if msg.Type != model.TypeHelloAck {
		return fmt.Errorf("unexpected handshake reply %s", msg.Type)
	}
	return nil
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("websocket closed", zap.Error(err))
			m.handleConnError(gen)
			return
		}

		msg, err := model.DecodeMessage(data)
		if err != nil {
			log.Warn("drop malformed frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case model.TypePong:
			m.mu.Lock()
			m.pongSeen = true
			m.mu.Unlock()
		case model.TypePing:
			pong, err := model.NewMessage(model.TypePong, &model.Pong{Timestamp: m.clock.Now().UnixMilli()})
			if err == nil {
				if data, err := pong.Encode(); err == nil {
					_ = conn.WriteMessage(websocket.TextMessage, data)
				}
			}
		default:
			// the staleness check and the callback happen under cbMu so that
			// Disconnect, which acquires cbMu after setting closed, cannot
			// return while a delivery is in flight
			m.cbMu.Lock()
			m.mu.Lock()
			fn := m.onMessage
			stale := gen != m.generation || m.closed
			m.mu.Unlock()
			if stale {
				m.cbMu.Unlock()
				return
			}
			if fn != nil {
				fn(data)
			}
			m.cbMu.Unlock()
		}
	}
}

// keepaliveLoop pings on a fixed interval. A missing pong before the next
// tick means the connection is hung; close it and let the read loop
// trigger reconnection.
func (m *Manager) keepaliveLoop(conn Conn, gen int) {
	ticker := m.clock.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			m.mu.Lock()
			if gen != m.generation || m.closed {
				m.mu.Unlock()
				return
			}
			alive := m.pongSeen
			m.pongSeen = false
			m.mu.Unlock()

			if !alive {
				log.Warn("keepalive pong missed, closing connection")
				conn.Close()
				return
			}

			ping, err := model.NewMessage(model.TypePing, &model.Ping{Timestamp: m.clock.Now().UnixMilli()})
			if err != nil {
				continue
			}
			data, err := ping.Encode()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) handleConnError(gen int) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.generation++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.cfg.Backoff.MaxAttempts > 0 && m.attempts > m.cfg.Backoff.MaxAttempts {
		m.setStateLocked(StateError)
		m.mu.Unlock()
		m.flushStates()
		log.Error("giving up on relay", zap.Int("attempts", m.attempts-1),
			zap.Error(model.ErrMaxAttemptsReached))
		return
	}
	wait := m.delay
	next := time.Duration(float64(m.delay) * m.cfg.Backoff.Multiplier)
	if next > m.cfg.Backoff.MaxDelay {
		next = m.cfg.Backoff.MaxDelay
	}
	m.delay = next
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()
	m.flushStates()

	log.Info("reconnecting", zap.Duration("wait", wait), zap.Int("attempt", m.attempts))
	go func() {
		select {
		case <-m.stop:
			return
		case <-m.clock.After(wait):
		}
		if err := m.connectOnce(); err != nil {
			log.Warn("reconnect failed", zap.Error(err))
			m.scheduleReconnect()
		}
	}()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
	m.flushStates()
}

// setStateLocked records a transition; delivery happens in flushStates after
// mu is released. Once closed, only the final disconnected event may pass.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	if m.closed && s != StateDisconnected {
		return
	}
	m.state = s
	m.pendingStates = append(m.pendingStates, s)
}

// flushStates delivers queued transitions one at a time under cbMu, keeping
// them ordered even when several goroutines change state concurrently.
func (m *Manager) flushStates() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	for {
		m.mu.Lock()
		if len(m.pendingStates) == 0 {
			m.mu.Unlock()
			return
		}
		s := m.pendingStates[0]
		m.pendingStates = m.pendingStates[1:]
		fn := m.onState
		m.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	}
}
