package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected indicates no relay session is currently open.
	ErrNotConnected = errors.New("network: not connected")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
	// ErrMissingRelayURL indicates ConnectionOptions.URL was empty.
	ErrMissingRelayURL = errors.New("network: relay url is required")
	// ErrMissingPublicKey indicates ConnectionOptions.PublicKey was empty.
	ErrMissingPublicKey = errors.New("network: public key is required")
)

const (
	DefaultPingInterval          = 3 * time.Second
	DefaultInitialReconnectDelay = time.Second
	DefaultMaxReconnectDelay     = 10 * time.Second
	DefaultDialTimeout           = 10 * time.Second
	DefaultInboundBuffer         = 64
)

// ConnectionState represents the lifecycle state of the relay session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
)

// FrameHandler processes one inbound routed frame. Calls never overlap.
type FrameHandler func(ctx context.Context, frame Frame)

// ConnectionOptions controls runtime behavior of ConnectionManager.
type ConnectionOptions struct {
	URL       string
	PublicKey string

	Handler FrameHandler
	// OnConnected runs in its own goroutine for every established session.
	// ctx is cancelled when the session ends; the hook must return then.
	OnConnected   func(ctx context.Context)
	OnStateChange func(ConnectionState)

	PingInterval time.Duration
	// PongTimeout is how long to wait for PONG after a PING. Defaults to PingInterval + 1s.
	PongTimeout           time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	DialTimeout           time.Duration
	WriteTimeout          time.Duration
	MaxMessageBytes       int64
	InboundBuffer         int

	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	out := o
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = out.PingInterval + time.Second
	}
	if out.InitialReconnectDelay <= 0 {
		out.InitialReconnectDelay = DefaultInitialReconnectDelay
	}
	if out.MaxReconnectDelay <= 0 {
		out.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.MaxMessageBytes <= 0 {
		out.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if out.InboundBuffer <= 0 {
		out.InboundBuffer = DefaultInboundBuffer
	}
	if out.Dialer == nil {
		out.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: out.DialTimeout,
			Subprotocols:     []string{Subprotocol},
		}
	}
	if out.Handler == nil {
		out.Handler = func(context.Context, Frame) {}
	}
	return out
}

// ConnectionManager owns the client's WebSocket to the relay. It binds the
// local public key, keeps the session alive with PING/PONG, reconnects with
// capped exponential backoff and feeds inbound frames to one consumer.
type ConnectionManager struct {
	options ConnectionOptions
	logger  zerolog.Logger

	stateMu sync.RWMutex
	state   ConnectionState

	sessionMu sync.RWMutex
	session   *session

	retries atomic.Int64
}

// NewConnectionManager validates options. Call Run to start connecting.
func NewConnectionManager(options ConnectionOptions) (*ConnectionManager, error) {
	if options.URL == "" {
		return nil, ErrMissingRelayURL
	}
	if options.PublicKey == "" {
		return nil, ErrMissingPublicKey
	}

	opts := options.withDefaults()
	return &ConnectionManager{
		options: opts,
		logger:  opts.Logger.With().Str("relay", opts.URL).Logger(),
		state:   StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Retries returns the number of reconnect attempts since the last established session.
func (m *ConnectionManager) Retries() int {
	return int(m.retries.Load())
}

// Send writes one encoded frame on the current session.
func (m *ConnectionManager) Send(data []byte) error {
	m.sessionMu.RLock()
	sess := m.session
	m.sessionMu.RUnlock()

	if sess == nil {
		return ErrNotConnected
	}
	return sess.write(data, m.options.WriteTimeout)
}

// SendFrame encodes and writes frame on the current session.
func (m *ConnectionManager) SendFrame(frame Frame) error {
	return m.Send(frame.Encode())
}

// Run connects and keeps reconnecting until ctx is cancelled.
func (m *ConnectionManager) Run(ctx context.Context) error {
	policy := backoff.WithContext(newReconnectBackOff(m.options.InitialReconnectDelay, m.options.MaxReconnectDelay), ctx)

	for {
		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err == nil {
			m.retries.Store(0)
			policy.Reset()
			err = m.serve(ctx, conn)
		}
		m.setState(StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			return nil
		}
		attempt := m.retries.Add(1)
		m.logger.Warn().Err(err).Int64("retry", attempt).Dur("delay", delay).Msg("relay connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// cappedBackOff clamps the randomized delay. ExponentialBackOff only caps the
// interval before jitter, so its delays can exceed MaxInterval by half.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (b cappedBackOff) NextBackOff() time.Duration {
	delay := b.BackOff.NextBackOff()
	if delay != backoff.Stop && delay > b.max {
		return b.max
	}
	return delay
}

func newReconnectBackOff(initial, max time.Duration) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = max
	exp.MaxElapsedTime = 0
	exp.Reset()
	return cappedBackOff{BackOff: exp, max: max}
}

func (m *ConnectionManager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.options.DialTimeout)
	defer cancel()

	conn, _, err := m.options.Dialer.DialContext(dialCtx, m.options.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(m.options.MaxMessageBytes)
	return conn, nil
}

// serve runs one session and returns when it ends.
func (m *ConnectionManager) serve(ctx context.Context, conn *websocket.Conn) error {
	sess := newSession(conn)
	if err := sess.write(ConnectFrame(m.options.PublicKey).Encode(), m.options.WriteTimeout); err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.setSession(sess)
	defer m.setSession(nil)
	m.setState(StateConnected)
	m.logger.Info().Msg("connected to relay")

	inbound := make(chan Frame, m.options.InboundBuffer)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		m.readLoop(sess, inbound)
	}()
	go func() {
		defer wg.Done()
		m.pingLoop(sessCtx, sess)
	}()
	go func() {
		defer wg.Done()
		for frame := range inbound {
			m.options.Handler(sessCtx, frame)
		}
	}()
	if m.options.OnConnected != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.options.OnConnected(sessCtx)
		}()
	}

	select {
	case <-sess.closed:
	case <-ctx.Done():
		sess.close(nil)
	}
	m.setSession(nil)
	cancel()
	wg.Wait()
	return sess.err()
}

func (m *ConnectionManager) readLoop(sess *session, inbound chan<- Frame) {
	defer close(inbound)

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			sess.close(fmt.Errorf("read frame: %w", err))
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			m.logger.Debug().Err(err).Msg("dropping inbound frame")
			continue
		}

		switch frame.Kind {
		case FramePong:
			sess.ackPong()
		case FramePing:
			_ = sess.write(Frame{Kind: FramePong}.Encode(), m.options.WriteTimeout)
		case FrameRouted:
			select {
			case inbound <- frame:
			case <-sess.closed:
				return
			}
		}
	}
}

func (m *ConnectionManager) pingLoop(ctx context.Context, sess *session) {
	checkEvery := m.options.PingInterval / 2
	if checkEvery <= 0 {
		checkEvery = m.options.PingInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	nextPing := time.Now().Add(m.options.PingInterval)
	for {
		select {
		case now := <-ticker.C:
			if sess.pongExpired(now) {
				m.logger.Warn().Msg("relay did not answer ping")
				sess.close(ErrPongTimeout)
				return
			}
			if sess.isWaitingPong() || now.Before(nextPing) {
				continue
			}
			if err := sess.write(Frame{Kind: FramePing}.Encode(), m.options.WriteTimeout); err != nil {
				return
			}
			sess.setWaitingPong(now.Add(m.options.PongTimeout))
			nextPing = now.Add(m.options.PingInterval)
		case <-ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) setSession(sess *session) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	m.session = sess
}

func (m *ConnectionManager) setState(state ConnectionState) {
	m.stateMu.Lock()
	changed := m.state != state
	m.state = state
	m.stateMu.Unlock()

	if changed && m.options.OnStateChange != nil {
		m.options.OnStateChange(state)
	}
}

// session is one open WebSocket to the relay.
type session struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn, closed: make(chan struct{})}
}

func (s *session) write(data []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return ErrNotConnected
	default:
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		err = fmt.Errorf("write frame: %w", err)
		s.close(err)
		return err
	}
	return nil
}

func (s *session) setWaitingPong(deadline time.Time) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = true
	s.pongDeadline = deadline
}

func (s *session) ackPong() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = false
	s.pongDeadline = time.Time{}
}

func (s *session) isWaitingPong() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong
}

func (s *session) pongExpired(now time.Time) bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong && now.After(s.pongDeadline)
}

func (s *session) err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

func (s *session) close(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		close(s.closed)
		if err == nil {
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
		}
		_ = s.conn.Close()
	})
}
