package collab

import (
	"log"

	"github.com/snipvault/snippet-app/internal/metrics"
	"github.com/snipvault/snippet-app/internal/protocol"
)

// Presence emits user-joined and user-left events to the other members of a
// session.
type Presence struct {
	sender Sender
	bridge Bridge
}

// NewPresence creates a Presence notifier. bridge may be nil.
func NewPresence(sender Sender, bridge Bridge) *Presence {
	return &Presence{sender: sender, bridge: bridge}
}

// Joined tells recipients that who has joined snippetID.
func (p *Presence) Joined(snippetID string, who Member, recipients []Member) {
	p.notify(protocol.TypeUserJoined, snippetID, who, recipients)
	metrics.EventsTotal.WithLabelValues("user_joined").Inc()
}

// Left tells recipients that who has left snippetID.
func (p *Presence) Left(snippetID string, who Member, recipients []Member) {
	p.notify(protocol.TypeUserLeft, snippetID, who, recipients)
	metrics.EventsTotal.WithLabelValues("user_left").Inc()
}

func (p *Presence) notify(msgType, snippetID string, who Member, recipients []Member) {
	data, err := protocol.NewServerMessage(msgType, protocol.PresenceMsg{
		SnippetID: snippetID,
		ID:        who.User.ID,
		Name:      who.User.Name,
		Email:     who.User.Email,
	})
	if err != nil {
		log.Printf("[relay] failed to encode %s snippet=%s: %v", msgType, snippetID, err)
		return
	}

	deliver(p.sender, recipients, data)
	publish(p.bridge, snippetID, data)
}
