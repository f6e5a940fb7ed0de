// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, maintaining active client connections, and
// dispatching incoming messages to the appropriate handlers.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/snipvault/snippet-app/internal/auth"
	"github.com/snipvault/snippet-app/internal/metrics"
	"github.com/snipvault/snippet-app/internal/protocol"
	"github.com/snipvault/snippet-app/internal/ratelimit"
	"github.com/snipvault/snippet-app/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":8080"
	WorkerPoolSize int             // max concurrent read-worker goroutines
	MaxConnections int             // hard cap on total connections
	ReadTimeout    time.Duration   // timeout for WebSocket read operations
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	MaxFrameBytes  int64           // largest accepted message, fragments included
	Heartbeat      HeartbeatConfig // dead connection detection
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  2<<20 + 64<<10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates the upgrade request, upgrades it to WebSocket, registers the
// connection with the poller, and dispatches ready connections to a bounded
// worker pool for frame reading.
type Server struct {
	config       ServerConfig
	gate         *auth.Gate
	limiter      *ratelimit.Limiter
	epoll        *Epoll
	conns        *ConnectionManager
	sessionStore *session.Store                      // Redis-backed connection records, may be nil
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection) error        // called before the connection is readable
	onDisconnect func(connID string)                 // called when a connection is removed
	mux          *http.ServeMux
	httpServer   *http.Server
	listener     net.Listener
	mu           sync.Mutex // guards httpServer and listener
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server that admits connections whose token passes gate.
// The onMessage function is called from a worker goroutine whenever a
// complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, gate *auth.Gate, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = DefaultServerConfig().MaxFrameBytes
	}
	s := &Server{
		config:       config,
		gate:         gate,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		mux:          http.NewServeMux(),
		done:         make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetLimiter enables per-IP connection rate limiting.
func (s *Server) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// SetOnConnect registers a callback invoked for each admitted connection
// before any of its frames are read. Returning an error rejects the
// connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It is called
// before the Redis record is deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Handle registers an extra HTTP handler on the server's mux. It must be
// called before Start or Serve.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the poller, starts the event loop and heartbeat, and
// serves HTTP on ln. It blocks until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	epoll, err := NewEpoll()
	if err != nil {
		ln.Close()
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.mu.Lock()
	s.epoll = epoll
	s.listener = ln
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader, and registers the
// connection. Rejected requests get an HTTP error and never become
// connections.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if !allowed {
			retry := s.limiter.RetryAfter(r.Context(), ip, ratelimit.RuleConnect)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	profile, err := s.gate.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		metrics.AuthFailures.Inc()
		log.Printf("ws: authentication rejected ip=%s: %v", ip, err)
		code := auth.StatusCode(err)
		http.Error(w, http.StatusText(code), code)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	// Frames sent before the 101 response would sit in the hijacked buffer
	// where the poller never sees them.
	if rw != nil && rw.Reader.Buffered() > 0 {
		log.Printf("ws: frames sent before handshake completed ip=%s", ip)
		_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusProtocolError, "frame before handshake")))
		conn.Close()
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		User:      profile,
		RemoteIP:  ip,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}
	c.Touch()

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			log.Printf("ws: connection rejected conn=%s: %v", c.ID, err)
			conn.Close()
			return
		}
	}

	// The record must exist before the first join can mirror presence.
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, c.ID, profile.ID); err != nil {
			log.Printf("ws: failed to create redis record for %s: %v", c.ID, err)
		}
		cancel()
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	connected, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
		User: protocol.UserPresence{
			ID:    profile.ID,
			Name:  profile.Name,
			Email: profile.Email,
		},
	})
	if err != nil {
		log.Printf("ws: failed to build connected for conn %s: %v", c.ID, err)
	} else if err := s.SendMessage(c.ID, connected); err != nil {
		log.Printf("ws: failed to send connected for conn %s: %v", c.ID, err)
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", c.ID, profile.ID, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// errFrameTooLarge is returned by readFrame for a message over MaxFrameBytes.
var errFrameTooLarge = errors.New("ws: frame exceeds size limit")

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are answered in place, fragments are buffered on the connection until
// the final one arrives, and complete messages go to onMessage. If the read
// fails the connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against a duplicate dispatch racing a rearm.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Rearm(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	src := &countingReader{r: s.epoll.Reader(netConn)}
	header, payload, err := s.readFrame(c, src)
	if err != nil {
		// A read timeout before any byte arrived means no data was available
		// (stale dispatch). The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && src.n == 0 {
			return
		}
		var protoErr ws.ProtocolError
		switch {
		case errors.Is(err, errFrameTooLarge):
			log.Printf("ws: frame too large conn=%s length=%d", c.ID, header.Length)
			s.closeWith(c, ws.StatusMessageTooBig, "message too big")
		case errors.As(err, &protoErr):
			log.Printf("ws: protocol error conn=%s: %v", c.ID, err)
			s.closeWith(c, ws.StatusProtocolError, protoErr.Error())
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, payload)
		return
	}

	if !header.Fin {
		c.fragmented = true
		c.fragment = append(c.fragment, payload...)
		return
	}
	data := payload
	if c.fragmented {
		data = append(c.fragment, payload...)
		c.fragment = nil
		c.fragmented = false
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// readFrame reads one frame from r and returns its unmasked payload. The
// header is validated against the connection's fragmentation state and the
// payload is bounded by MaxFrameBytes before anything is allocated.
func (s *Server) readFrame(c *Connection, r io.Reader) (ws.Header, []byte, error) {
	header, err := ws.ReadHeader(r)
	if err != nil {
		return header, nil, err
	}

	state := ws.StateServerSide
	if c.fragmented {
		state |= ws.StateFragmented
	}
	if err := ws.CheckHeader(header, state); err != nil {
		return header, nil, err
	}

	limit := s.config.MaxFrameBytes
	if !header.OpCode.IsControl() {
		limit -= int64(len(c.fragment))
	}
	if header.Length < 0 || header.Length > limit {
		return header, nil, errFrameTooLarge
	}

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return header, nil, err
	}
	if header.Masked {
		ws.Cipher(payload, header.Mask, 0)
	}
	return header, payload, nil
}

// handleControl answers a ping with a pong and a close with a close, then
// removes the connection after a close.
func (s *Server) handleControl(c *Connection, header ws.Header, payload []byte) {
	c.writeMu.Lock()
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := wsutil.ControlFrameHandler(c.Conn, ws.StateServerSide)(header, bytes.NewReader(payload))
	_ = c.Conn.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()

	if header.OpCode == ws.OpClose || err != nil {
		s.RemoveConnection(c)
	}
}

// closeWith sends a close frame carrying code. Errors are ignored; the
// connection is removed right after.
func (s *Server) closeWith(c *Connection, code ws.StatusCode, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// RemoveConnection removes a connection from both the poller and the
// connection manager, and closes the underlying network connection. It is
// safe to call more than once; only the first call notifies onDisconnect.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis record for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex. A
// connection that has already been removed is reported as not found and
// receives nothing.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, removes all active connections
// (running the disconnect callback for each), and closes the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	httpServer := s.httpServer
	epoll := s.epoll
	s.mu.Unlock()

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	if epoll != nil {
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		_ = epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// remoteIP returns the client address of r without its port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}
