// Package collab implements the real-time snippet collaboration core: the
// session registry, the event router that relays code changes between the
// members of a session, and the presence notifier that announces arrivals
// and departures.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/snipvault/snippet-app/internal/metrics"
	"github.com/snipvault/snippet-app/internal/snippet"
	"github.com/snipvault/snippet-app/internal/user"
)

// Access is the storage view the relay needs for authorization.
type Access interface {
	// FindSnippetForUser returns the snippet if userID owns it or is one of
	// its collaborators. It returns snippet.ErrNotFound otherwise.
	FindSnippetForUser(ctx context.Context, snippetID, userID string) (*snippet.Snippet, error)

	// AppendCollaborator adds userID to the snippet's collaborators. Adding
	// an existing collaborator is a no-op.
	AppendCollaborator(ctx context.Context, snippetID, userID string) error
}

// PresenceMirror keeps a copy of session membership outside the process so
// that membership can be queried across relay instances.
type PresenceMirror interface {
	AddPresence(ctx context.Context, snippetID, connID string, p user.Profile) error
	RemovePresence(ctx context.Context, snippetID, connID string) error
	Presence(ctx context.Context, snippetID string) ([]user.Profile, error)
}

// Config holds the relay's tunables.
type Config struct {
	JoinTimeout  time.Duration // bound on the storage calls of one join
	MaxCodeBytes int           // largest accepted code-change body
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		JoinTimeout:  5 * time.Second,
		MaxCodeBytes: DefaultMaxCodeBytes,
	}
}

// Option customizes a Relay.
type Option func(*Relay)

// WithBridge makes the relay publish every outbound frame to b.
func WithBridge(b Bridge) Option {
	return func(r *Relay) { r.bridge = b }
}

// WithPresenceMirror makes the relay mirror membership changes into m.
func WithPresenceMirror(m PresenceMirror) Option {
	return func(r *Relay) { r.mirror = m }
}

// Relay ties the registry, router and presence notifier together. It is safe
// for concurrent use; every method may be called from any connection's
// goroutine.
type Relay struct {
	config   Config
	registry *Registry
	access   Access
	sender   Sender
	bridge   Bridge
	mirror   PresenceMirror
	router   *Router
	presence *Presence
}

// New creates a Relay that authorizes joins against access and writes frames
// through sender.
func New(config Config, access Access, sender Sender, opts ...Option) *Relay {
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = DefaultConfig().JoinTimeout
	}
	if config.MaxCodeBytes <= 0 {
		config.MaxCodeBytes = DefaultMaxCodeBytes
	}

	r := &Relay{
		config:   config,
		registry: NewRegistry(),
		access:   access,
		sender:   sender,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.router = NewRouter(r.registry, sender, r.bridge)
	r.presence = NewPresence(sender, r.bridge)
	return r
}

// Registry exposes the relay's session registry.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Connect admits an authenticated connection.
func (r *Relay) Connect(connID string, u user.Profile) error {
	if err := r.registry.Attach(Member{ConnID: connID, User: u}); err != nil {
		return err
	}
	metrics.ConnectionsTotal.Inc()
	return nil
}

// Join adds the connection to the session for snippetID after checking that
// its user may edit the snippet. It returns the other members of the session.
// A repeated join by a current member succeeds without a second user-joined
// event.
func (r *Relay) Join(ctx context.Context, connID, snippetID string) ([]Member, error) {
	start := time.Now()
	defer func() { metrics.JoinLatency.Observe(time.Since(start).Seconds()) }()

	m, ok := r.registry.Member(connID)
	if !ok {
		metrics.JoinsTotal.WithLabelValues("detached").Inc()
		return nil, ErrNotAttached
	}
	if snippetID == "" {
		metrics.JoinsTotal.WithLabelValues("forbidden").Inc()
		return nil, ErrForbidden
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.JoinTimeout)
	defer cancel()

	snip, err := r.access.FindSnippetForUser(ctx, snippetID, m.User.ID)
	if err != nil {
		if errors.Is(err, snippet.ErrNotFound) {
			metrics.JoinsTotal.WithLabelValues("forbidden").Inc()
			return nil, ErrForbidden
		}
		log.Printf("[relay] join lookup failed snippet=%s user=%s: %v", snippetID, m.User.ID, err)
		metrics.JoinsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if snip == nil {
		metrics.JoinsTotal.WithLabelValues("forbidden").Inc()
		return nil, ErrForbidden
	}

	release, ok := r.registry.Hold(connID)
	if !ok {
		metrics.JoinsTotal.WithLabelValues("detached").Inc()
		return nil, ErrNotAttached
	}
	defer release()

	added, others, err := r.registry.Add(connID, snippetID)
	if err != nil {
		metrics.JoinsTotal.WithLabelValues("detached").Inc()
		return nil, err
	}

	if !snip.CanEdit(m.User.ID) {
		if err := r.access.AppendCollaborator(ctx, snippetID, m.User.ID); err != nil {
			log.Printf("[relay] append collaborator failed snippet=%s user=%s: %v", snippetID, m.User.ID, err)
		}
	}

	metrics.JoinsTotal.WithLabelValues("ok").Inc()
	if !added {
		return others, nil
	}

	r.updateGauges()
	if r.mirror != nil {
		if err := r.mirror.AddPresence(ctx, snippetID, connID, m.User); err != nil {
			log.Printf("[relay] presence mirror add failed snippet=%s conn=%s: %v", snippetID, connID, err)
		}
	}
	r.presence.Joined(snippetID, m, others)
	return others, nil
}

// Leave removes the connection from the session for snippetID. It reports
// whether the connection was a member.
func (r *Relay) Leave(connID, snippetID string) bool {
	m, ok := r.registry.Member(connID)
	if !ok {
		return false
	}
	release, ok := r.registry.Hold(connID)
	if !ok {
		return false
	}
	defer release()

	removed, remaining := r.registry.Remove(connID, snippetID)
	if !removed {
		return false
	}

	r.updateGauges()
	r.unmirror(snippetID, connID)
	r.presence.Left(snippetID, m, remaining)
	return true
}

// CodeChange validates change and relays it to the other members of its
// session. Changes for sessions the connection has not joined are dropped
// silently.
func (r *Relay) CodeChange(connID string, change CodeChange) error {
	if err := ValidateCodeChange(change, r.config.MaxCodeBytes); err != nil {
		return err
	}
	r.router.Route(connID, change)
	return nil
}

// Disconnect detaches the connection and emits user-left to the remaining
// members of every session it belonged to. Calling it twice is harmless.
func (r *Relay) Disconnect(connID string) {
	m, departures, ok := r.registry.Detach(connID)
	if !ok {
		return
	}
	metrics.ConnectionsTotal.Dec()
	r.updateGauges()

	for _, d := range departures {
		r.unmirror(d.SnippetID, connID)
		r.presence.Left(d.SnippetID, m, d.Remaining)
	}
}

// MembersOf returns the distinct users currently in the session for
// snippetID. With a presence mirror configured the answer spans every relay
// instance; a mirror failure falls back to local membership.
func (r *Relay) MembersOf(ctx context.Context, snippetID string) ([]user.Profile, error) {
	if r.mirror != nil {
		profiles, err := r.mirror.Presence(ctx, snippetID)
		if err == nil {
			return dedupe(profiles), nil
		}
		log.Printf("[relay] presence mirror query failed snippet=%s: %v", snippetID, err)
	}

	members := r.registry.Members(snippetID)
	profiles := make([]user.Profile, 0, len(members))
	for _, m := range members {
		profiles = append(profiles, m.User)
	}
	return dedupe(profiles), nil
}

// DeliverRemote hands a frame published by another relay instance to every
// local member of the session.
func (r *Relay) DeliverRemote(snippetID string, frame []byte) {
	members := r.registry.Members(snippetID)
	if len(members) == 0 {
		return
	}
	deliver(r.sender, members, frame)
	metrics.EventsTotal.WithLabelValues("remote").Inc()
}

func (r *Relay) unmirror(snippetID, connID string) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.config.JoinTimeout)
	defer cancel()
	if err := r.mirror.RemovePresence(ctx, snippetID, connID); err != nil {
		log.Printf("[relay] presence mirror remove failed snippet=%s conn=%s: %v", snippetID, connID, err)
	}
}

func (r *Relay) updateGauges() {
	metrics.ActiveSessions.Set(float64(r.registry.SessionCount()))
	metrics.SessionMembers.Set(float64(r.registry.MemberCount()))
}

func dedupe(profiles []user.Profile) []user.Profile {
	seen := make(map[string]struct{}, len(profiles))
	out := make([]user.Profile, 0, len(profiles))
	for _, p := range profiles {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
