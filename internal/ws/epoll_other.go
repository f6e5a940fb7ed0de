//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// watched is a connection monitored by the fallback poller. The reader
// buffers the byte used to detect readiness so no frame data is lost.
type watched struct {
	r     *bufio.Reader
	rearm chan struct{}
	stop  chan struct{}
}

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each monitor goroutine peeks for pending data, reports the connection as
// ready, and then waits until the server has handled the frame and re-armed
// the connection. This keeps at most one frame per connection in flight, like
// the epoll path.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watched
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watched),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watched{
		r:     bufio.NewReader(conn),
		rearm: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watched) {
	for {
		// Peek blocks until data arrives or the connection fails. Either way
		// the server's read path decides what to do next.
		_, err := w.r.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.rearm:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Reader returns the buffered reader frames of conn must be read from.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return w.r
}

// Rearm tells the monitor of conn that the last ready report was handled.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading or the
// poller is closed.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watched)
	e.mu.Unlock()
	return nil
}

// socketFD is not needed by the fallback; connections are tracked by value.
func socketFD(conn net.Conn) int {
	return -1
}
