package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/nats-io/nats.go"
)

// subjectToken makes a snippet id safe to use as a single subject token.
var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// bridgeEnvelope wraps a relay frame with the instance that produced it.
type bridgeEnvelope struct {
	Origin    string          `json:"origin"`
	SnippetID string          `json:"snippetId"`
	Frame     json.RawMessage `json:"frame"`
}

// DeliverFunc hands a frame received from another instance to local members
// of the snippet's session.
type DeliverFunc func(snippetID string, frame []byte)

// Bridge fans relay frames out to every other relay instance over NATS.
// Frames an instance published itself are ignored on receipt.
type Bridge struct {
	client *NATSClient
	origin string
}

// NewBridge creates a Bridge publishing as origin.
func NewBridge(client *NATSClient, origin string) *Bridge {
	return &Bridge{client: client, origin: origin}
}

// Subject returns the NATS subject frames for snippetID are published on.
func Subject(snippetID string) string {
	return SubjectSnippet + "." + subjectToken.Replace(snippetID)
}

// Publish sends frame to the other instances.
func (b *Bridge) Publish(snippetID string, frame []byte) error {
	data, err := encodeEnvelope(b.origin, snippetID, frame)
	if err != nil {
		return err
	}
	return b.client.Publish(Subject(snippetID), data)
}

// Start subscribes to every snippet subject and passes frames from other
// origins to deliver.
func (b *Bridge) Start(deliver DeliverFunc) error {
	return b.client.Subscribe(SubjectSnippet+".*", func(msg *nats.Msg) {
		b.handle(msg.Data, deliver)
	})
}

// Stop removes the bridge subscription.
func (b *Bridge) Stop() error {
	return b.client.unsubscribe(SubjectSnippet + ".*")
}

func (b *Bridge) handle(data []byte, deliver DeliverFunc) {
	env, err := decodeEnvelope(data)
	if err != nil {
		log.Printf("[nats] bridge: dropping malformed frame: %v", err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	deliver(env.SnippetID, env.Frame)
}

func encodeEnvelope(origin, snippetID string, frame []byte) ([]byte, error) {
	data, err := json.Marshal(bridgeEnvelope{
		Origin:    origin,
		SnippetID: snippetID,
		Frame:     json.RawMessage(frame),
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: encode bridge frame: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*bridgeEnvelope, error) {
	var env bridgeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("messaging: decode bridge frame: %w", err)
	}
	if env.SnippetID == "" || len(env.Frame) == 0 {
		return nil, fmt.Errorf("messaging: bridge frame missing snippet or payload")
	}
	return &env, nil
}
