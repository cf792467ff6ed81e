package network

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"securicator/crypto"
)

const (
	DefaultSendBufferSize = 256
	DefaultUpgradeRate    = 10
	DefaultUpgradeBurst   = 20
	DefaultWriteTimeout   = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
)

// ServerOptions controls relay behavior.
type ServerOptions struct {
	MaxQueueSize    int
	MaxMessageBytes int64
	// SendBufferSize is the number of frames buffered per connection before
	// the connection is treated as stalled and dropped.
	SendBufferSize int
	// UpgradeRate and UpgradeBurst bound WebSocket upgrades per remote IP.
	UpgradeRate  float64
	UpgradeBurst int
	WriteTimeout time.Duration
	// IdleTimeout closes connections that send nothing, not even PING, for this long.
	IdleTimeout time.Duration

	Logger   zerolog.Logger
	Registry *prometheus.Registry
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.MaxQueueSize <= 0 {
		out.MaxQueueSize = DefaultMaxQueueSize
	}
	if out.MaxMessageBytes <= 0 {
		out.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if out.SendBufferSize <= 0 {
		out.SendBufferSize = DefaultSendBufferSize
	}
	if out.UpgradeRate <= 0 {
		out.UpgradeRate = DefaultUpgradeRate
	}
	if out.UpgradeBurst <= 0 {
		out.UpgradeBurst = DefaultUpgradeBurst
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.Registry == nil {
		out.Registry = prometheus.NewRegistry()
	}
	return out
}

// Server is the ciphertext-blind relay. It binds public keys to WebSocket
// connections and forwards or queues routed frames between them.
//
// Every inbound frame is parsed and routed under one server-wide lock, so
// frames are never interleaved mid-route and per-connection arrival order is
// preserved on every outbound connection.
type Server struct {
	options  ServerOptions
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	limiter  *ipRateLimiter
	metrics  *relayMetrics
	router   chi.Router

	mu       sync.Mutex
	clients  map[*relayClient]struct{}
	bindings map[string]map[*relayClient]struct{}
	queue    *Queue
	nextID   uint64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type outboundFrame struct {
	messageType int
	data        []byte
}

type relayClient struct {
	id     uint64
	conn   *websocket.Conn
	remote string
	send   chan outboundFrame
	wake   chan struct{}
	done   chan struct{}

	// guarded by Server.mu
	publicKey string
	removed   bool
	// backlog holds frames flushed from the offline queue on CONNECT. While it
	// is non-empty, live frames are appended behind it so order is kept;
	// backlogLive counts those and is bounded by SendBufferSize.
	backlog     []outboundFrame
	backlogLive int
}

// NewServer builds a relay. Serve it with Handler.
func NewServer(options ServerOptions) *Server {
	opts := options.withDefaults()

	s := &Server{
		options: opts,
		logger:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limiter:  newIPRateLimiter(opts.UpgradeRate, opts.UpgradeBurst),
		metrics:  newRelayMetrics(opts.Registry),
		clients:  make(map[*relayClient]struct{}),
		bindings: make(map[string]map[*relayClient]struct{}),
		queue:    NewQueue(opts.MaxQueueSize),
		closed:   make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleUpgrade)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	s.router = r

	s.wg.Add(1)
	go s.pruneLoop()
	return s
}

// Handler returns the relay's HTTP surface.
func (s *Server) Handler() http.Handler {
	return s.router
}

// QueueLen returns the number of frames waiting for offline recipients.
func (s *Server) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// BoundConnections returns how many open connections are bound to publicKey.
func (s *Server) BoundConnections(publicKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings[publicKey])
}

// Close disconnects every client and waits for connection goroutines to exit.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		for c := range s.clients {
			s.removeLocked(c)
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.limiter.allow(ip, time.Now()) {
		s.metrics.rateLimited.Inc()
		s.logger.Warn().Str("remote", ip).Msg("upgrade rate limited")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", ip).Msg("websocket upgrade failed")
		return
	}

	c := &relayClient{
		conn:   conn,
		remote: ip,
		send:   make(chan outboundFrame, s.options.SendBufferSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if !s.register(c) {
		_ = conn.Close()
		return
	}

	s.logger.Debug().Uint64("client", c.id).Str("remote", ip).Msg("client connected")
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) register(c *relayClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return false
	default:
	}

	s.nextID++
	c.id = s.nextID
	s.clients[c] = struct{}{}
	s.metrics.connections.Set(float64(len(s.clients)))
	s.wg.Add(2)
	return true
}

func (s *Server) readPump(c *relayClient) {
	defer s.wg.Done()
	defer s.disconnect(c)

	c.conn.SetReadLimit(s.options.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.options.IdleTimeout))
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Uint64("client", c.id).Msg("read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.options.IdleTimeout))
		s.handleFrame(c, messageType, data)
	}
}

func (s *Server) writePump(c *relayClient) {
	defer s.wg.Done()
	defer func() {
		_ = c.conn.Close()
	}()

	for {
		if out, ok := s.nextBacklog(c); ok {
			if !s.write(c, out) {
				return
			}
			continue
		}

		select {
		case out := <-c.send:
			if !s.write(c, out) {
				return
			}
		case <-c.wake:
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

func (s *Server) write(c *relayClient, out outboundFrame) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
	if err := c.conn.WriteMessage(out.messageType, out.data); err != nil {
		s.logger.Debug().Err(err).Uint64("client", c.id).Msg("write failed")
		s.disconnect(c)
		return false
	}
	return true
}

// nextBacklog pops the next flushed frame once everything buffered on c.send
// before the flush has been written. Nothing enters c.send while the backlog
// is non-empty, so the length check is stable under the lock.
func (s *Server) nextBacklog(c *relayClient) (outboundFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(c.backlog) == 0 || len(c.send) > 0 {
		return outboundFrame{}, false
	}
	out := c.backlog[0]
	c.backlog[0] = outboundFrame{}
	c.backlog = c.backlog[1:]
	if len(c.backlog) == 0 {
		c.backlog = nil
		c.backlogLive = 0
	}
	return out, true
}

func (s *Server) handleFrame(c *relayClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.removed {
		return
	}

	frame, err := ParseHeader(data)
	if err != nil {
		s.metrics.framesDropped.WithLabelValues("malformed").Inc()
		s.logger.Debug().Err(err).Uint64("client", c.id).Msg("dropping frame")
		return
	}
	s.metrics.framesReceived.WithLabelValues(frame.Kind.String()).Inc()

	switch frame.Kind {
	case FramePing:
		s.enqueueLocked(c, outboundFrame{messageType: websocket.TextMessage, data: Frame{Kind: FramePong}.Encode()})
	case FramePong:
	case FrameConnect:
		s.bindLocked(c, frame.PublicKey)
	case FrameRouted:
		s.routeLocked(c, frame, outboundFrame{messageType: messageType, data: data})
	}
}

func (s *Server) bindLocked(c *relayClient, publicKey string) {
	if c.publicKey != publicKey {
		s.unbindLocked(c)
		set, ok := s.bindings[publicKey]
		if !ok {
			set = make(map[*relayClient]struct{})
			s.bindings[publicKey] = set
		}
		set[c] = struct{}{}
		c.publicKey = publicKey
		s.metrics.boundKeys.Set(float64(len(s.bindings)))
	}

	pending := s.queue.Drain(publicKey)
	s.metrics.queueDepth.Set(float64(s.queue.Len()))
	s.logger.Info().
		Uint64("client", c.id).
		Str("key", crypto.KeyFingerprint(publicKey)).
		Int("flushed", len(pending)).
		Msg("client bound")

	if len(pending) == 0 {
		return
	}
	// The flush bypasses the send buffer: a backlog larger than
	// SendBufferSize must not make the client look stalled.
	for _, msg := range pending {
		messageType := websocket.TextMessage
		if msg.Binary {
			messageType = websocket.BinaryMessage
		}
		c.backlog = append(c.backlog, outboundFrame{messageType: messageType, data: msg.Data})
	}
	s.metrics.framesForwarded.Add(float64(len(pending)))
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (s *Server) routeLocked(sender *relayClient, frame Frame, out outboundFrame) {
	delivered := 0
	for peer := range s.bindings[frame.To] {
		if peer == sender {
			continue
		}
		if s.enqueueLocked(peer, out) {
			delivered++
		}
	}
	if delivered > 0 {
		s.metrics.framesForwarded.Add(float64(delivered))
		return
	}

	if frame.Retention != RetentionQueue {
		s.metrics.framesDropped.WithLabelValues("offline").Inc()
		return
	}

	evicted := s.queue.Push(QueuedMessage{
		From:   frame.From,
		To:     frame.To,
		Data:   out.data,
		Binary: out.messageType == websocket.BinaryMessage,
	})
	if evicted {
		s.metrics.queueEvictions.Inc()
		s.logger.Warn().Int("capacity", s.options.MaxQueueSize).Msg("queue full, evicted oldest frame")
	}
	s.metrics.framesQueued.Inc()
	s.metrics.queueDepth.Set(float64(s.queue.Len()))
}

// enqueueLocked hands a frame to c's writer. A client that cannot keep up is
// disconnected rather than allowed to stall routing for everyone else.
func (s *Server) enqueueLocked(c *relayClient, out outboundFrame) bool {
	if c.removed {
		return false
	}
	if len(c.backlog) > 0 {
		if c.backlogLive >= cap(c.send) {
			s.dropSlowLocked(c)
			return false
		}
		c.backlog = append(c.backlog, out)
		c.backlogLive++
		return true
	}
	select {
	case c.send <- out:
		return true
	default:
		s.dropSlowLocked(c)
		return false
	}
}

func (s *Server) dropSlowLocked(c *relayClient) {
	s.metrics.framesDropped.WithLabelValues("slow_consumer").Inc()
	s.logger.Warn().Uint64("client", c.id).Str("remote", c.remote).Msg("send buffer full, disconnecting client")
	s.removeLocked(c)
}

func (s *Server) disconnect(c *relayClient) {
	s.mu.Lock()
	s.removeLocked(c)
	s.mu.Unlock()
}

func (s *Server) removeLocked(c *relayClient) {
	if c.removed {
		return
	}
	c.removed = true
	c.backlog = nil
	c.backlogLive = 0
	s.unbindLocked(c)
	delete(s.clients, c)
	close(c.done)
	s.metrics.connections.Set(float64(len(s.clients)))
	s.logger.Debug().Uint64("client", c.id).Msg("client disconnected")
}

func (s *Server) unbindLocked(c *relayClient) {
	if c.publicKey == "" {
		return
	}
	if set, ok := s.bindings[c.publicKey]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.bindings, c.publicKey)
		}
	}
	c.publicKey = ""
	s.metrics.boundKeys.Set(float64(len(s.bindings)))
}

func (s *Server) pruneLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(visitorTTL)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.limiter.prune(now)
		case <-s.closed:
			return
		}
	}
}
