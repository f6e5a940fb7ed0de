package ws

import (
	"log"

	"github.com/snipvault/snippet-app/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinSnippetMsg, protocol.CodeChangeMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself and sends structured
// error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
// The server reference is used to send responses back to clients.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports
// creating the dispatcher before the server, since NewServer takes the
// Dispatch callback.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s type=%q: %v", conn.ID, msgType, err)
		if msgType != "" && !isClientType(msgType) {
			d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		d.SendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.Send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Send encodes payload as a msgType frame and writes it to conn. Failures
// are logged, not returned.
func (d *MessageDispatcher) Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := d.write(conn, data); err != nil {
		log.Printf("ws: failed to send %s message conn=%s: %v", msgType, conn.ID, err)
	}
}

// SendError sends a structured error message back to the client.
func (d *MessageDispatcher) SendError(conn *Connection, code string, message string) {
	d.Send(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
}

func (d *MessageDispatcher) write(conn *Connection, data []byte) error {
	if d.server != nil {
		return d.server.SendMessage(conn.ID, data)
	}
	return conn.WriteMessage(data)
}

func isClientType(msgType string) bool {
	switch msgType {
	case protocol.TypeJoinSnippet, protocol.TypeLeaveSnippet, protocol.TypeCodeChange, protocol.TypePing:
		return true
	}
	return false
}
