// Package wsclient is a WebSocket client for the snippet relay. It dials with
// gobwas/ws (the same library the server uses), waits for the connected
// handshake, and exposes received frames as a stream.
package wsclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/snipvault/snippet-app/internal/protocol"
)

// ErrClosed is returned once the connection has been closed.
var ErrClosed = errors.New("wsclient: connection closed")

// Frame is one server message.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// lockedWriter serializes writes from the caller and from the read loop's
// control frame replies.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Client is a single relay connection.
type Client struct {
	conn      net.Conn
	rw        io.ReadWriter
	writeMu   sync.Mutex
	connID    string
	user      protocol.UserPresence
	inbox     chan Frame
	done      chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// Dial connects to the relay at rawURL presenting token and waits for the
// connected frame. A rejected token surfaces as a ws.StatusError.
func Dial(ctx context.Context, rawURL, token string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsclient: parse url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}

	c := &Client{
		conn:  conn,
		inbox: make(chan Frame, 256),
		done:  make(chan struct{}),
	}

	// The handshake reader may already hold the first frames.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.writeMu, w: conn}}

	go c.readLoop(br)

	first, err := c.Next(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("wsclient: waiting for connected: %w", err)
	}
	if first.Type != protocol.TypeConnected {
		c.Close()
		return nil, fmt.Errorf("wsclient: expected %q, got %q", protocol.TypeConnected, first.Type)
	}
	var msg protocol.ConnectedMsg
	if err := first.Decode(&msg); err != nil {
		c.Close()
		return nil, fmt.Errorf("wsclient: decode connected: %w", err)
	}
	c.connID = msg.ConnectionID
	c.user = msg.User
	return c, nil
}

// ConnectionID returns the id the server assigned to this connection.
func (c *Client) ConnectionID() string {
	return c.connID
}

// User returns the profile the server authenticated.
func (c *Client) User() protocol.UserPresence {
	return c.user
}

// Send encodes msg as JSON and writes it as a text frame.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a text frame without inspecting it.
func (c *Client) SendRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// JoinSnippet asks to join the session for snippetID.
func (c *Client) JoinSnippet(snippetID string) error {
	return c.Send(protocol.JoinSnippetMsg{Type: protocol.TypeJoinSnippet, SnippetID: snippetID})
}

// LeaveSnippet asks to leave the session for snippetID.
func (c *Client) LeaveSnippet(snippetID string) error {
	return c.Send(protocol.LeaveSnippetMsg{Type: protocol.TypeLeaveSnippet, SnippetID: snippetID})
}

// SendCodeChange publishes the editor state for snippetID. cursor may be nil.
func (c *Client) SendCodeChange(snippetID, code, language string, cursor json.RawMessage) error {
	return c.Send(protocol.CodeChangeMsg{
		Type:           protocol.TypeCodeChange,
		SnippetID:      snippetID,
		Code:           code,
		Language:       language,
		CursorPosition: cursor,
	})
}

// Ping sends an application-level ping; the server answers with pong.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// Next returns the next frame from the server.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.inbox:
		if !ok {
			return Frame{}, c.err()
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// WaitFor returns the next frame of msgType, discarding frames of other
// types.
func (c *Client) WaitFor(ctx context.Context, msgType string) (Frame, error) {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return Frame{}, err
		}
		if f.Type == msgType {
			return f, nil
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

// readLoop reads frames until the connection fails and closes the inbox.
func (c *Client) readLoop(br *bufio.Reader) {
	defer close(c.inbox)
	if br != nil {
		defer ws.PutReader(br)
	}

	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
				err = ErrClosed
			default:
			}
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		select {
		case c.inbox <- Frame{Type: env.Type, Raw: json.RawMessage(data)}:
		case <-c.done:
			return
		}
	}
}
