package collab

import (
	"encoding/json"
	"log"

	"github.com/snipvault/snippet-app/internal/metrics"
	"github.com/snipvault/snippet-app/internal/protocol"
)

// Sender writes an encoded frame to a single connection. It returns an error
// if the connection is gone or the write failed.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Bridge forwards frames to relay instances on other hosts.
type Bridge interface {
	Publish(snippetID string, frame []byte) error
}

// CodeChange is a member's full editor state for a snippet.
type CodeChange struct {
	SnippetID      string
	Code           string
	Language       string
	CursorPosition json.RawMessage
}

// Router relays code changes to the other members of a session.
type Router struct {
	registry *Registry
	sender   Sender
	bridge   Bridge
}

// NewRouter creates a Router. bridge may be nil.
func NewRouter(registry *Registry, sender Sender, bridge Bridge) *Router {
	return &Router{registry: registry, sender: sender, bridge: bridge}
}

// Route delivers change to every member of its session except the sender,
// annotated with the sender's identity. Changes from a connection that is not
// a member of the session are dropped; ok reports whether the change was
// relayed. delivered counts local recipients that accepted the frame.
func (rt *Router) Route(connID string, change CodeChange) (delivered int, ok bool) {
	from, others, isMember := rt.registry.Others(connID, change.SnippetID)
	if !isMember {
		metrics.EventsTotal.WithLabelValues("code_change_filtered").Inc()
		return 0, false
	}

	data, err := protocol.NewServerMessage(protocol.TypeCodeChange, protocol.ServerCodeChangeMsg{
		SnippetID:      change.SnippetID,
		Code:           change.Code,
		Language:       change.Language,
		CursorPosition: change.CursorPosition,
		UserID:         from.User.ID,
		UserName:       from.User.Name,
	})
	if err != nil {
		log.Printf("[relay] failed to encode code-change snippet=%s conn=%s: %v", change.SnippetID, connID, err)
		return 0, false
	}

	failed := deliver(rt.sender, others, data)
	publish(rt.bridge, change.SnippetID, data)
	metrics.EventsTotal.WithLabelValues("code_change").Inc()
	return len(others) - failed, true
}

// deliver writes data to every recipient and returns the number of failed
// writes. A failed recipient does not stop delivery to the rest.
func deliver(sender Sender, recipients []Member, data []byte) (failed int) {
	for _, m := range recipients {
		if err := sender.SendMessage(m.ConnID, data); err != nil {
			failed++
			metrics.DeliveriesFailed.Inc()
			log.Printf("[relay] delivery failed conn=%s: %v", m.ConnID, err)
		}
	}
	return failed
}

func publish(bridge Bridge, snippetID string, data []byte) {
	if bridge == nil {
		return
	}
	if err := bridge.Publish(snippetID, data); err != nil {
		log.Printf("[relay] bridge publish failed snippet=%s: %v", snippetID, err)
	}
}
