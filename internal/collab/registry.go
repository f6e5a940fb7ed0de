package collab

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/snipvault/snippet-app/internal/user"
)

// DefaultShardCount is the number of independently locked session shards.
const DefaultShardCount = 64

// Member is a connection's presence inside a session.
type Member struct {
	ConnID string
	User   user.Profile
}

// Departure describes one session a detached connection was removed from.
type Departure struct {
	SnippetID string
	Remaining []Member
}

// Session is the in-memory member set of one snippet.
type Session struct {
	SnippetID string
	members   map[string]Member // conn id -> member
}

// snapshot returns the members except skipID, ordered by connection id.
func (s *Session) snapshot(skipID string) []Member {
	out := make([]Member, 0, len(s.members))
	for id, m := range s.members {
		if id == skipID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session // snippet id -> session
}

// connState tracks the sessions one connection has joined. closed is set
// once by Detach; Add refuses closed connections so a join that finishes
// after a disconnect never resurrects the member. life is held by Hold and
// Detach so a membership change and its notifications complete before the
// connection can be detached.
type connState struct {
	life   sync.Mutex
	mu     sync.Mutex
	member Member
	closed bool
	joined map[string]struct{}
}

// Registry owns every session's member set. Sessions are spread over shards
// by a murmur3 hash of the snippet id; one shard's mutex serializes the
// membership changes of its sessions. Lock order is connection lifecycle,
// then shard, then connection state.
type Registry struct {
	shards []*shard

	connMu sync.RWMutex
	conns  map[string]*connState

	sessionCount atomic.Int64
	memberCount  atomic.Int64
}

// NewRegistry creates a Registry with DefaultShardCount shards.
func NewRegistry() *Registry {
	return NewRegistryWithShards(DefaultShardCount)
}

// NewRegistryWithShards creates a Registry with n shards (minimum 1).
func NewRegistryWithShards(n int) *Registry {
	if n < 1 {
		n = 1
	}
	r := &Registry{
		shards: make([]*shard, n),
		conns:  make(map[string]*connState),
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(snippetID string) *shard {
	return r.shards[murmur3.Sum32([]byte(snippetID))%uint32(len(r.shards))]
}

func (r *Registry) conn(connID string) *connState {
	r.connMu.RLock()
	cs := r.conns[connID]
	r.connMu.RUnlock()
	return cs
}

// Attach admits an authenticated connection. It must be called before the
// connection can join any session.
func (r *Registry) Attach(m Member) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if _, ok := r.conns[m.ConnID]; ok {
		return ErrAlreadyAttached
	}
	r.conns[m.ConnID] = &connState{
		member: m,
		joined: make(map[string]struct{}),
	}
	return nil
}

// Member returns the attached member for connID.
func (r *Registry) Member(connID string) (Member, bool) {
	cs := r.conn(connID)
	if cs == nil {
		return Member{}, false
	}
	return cs.member, true
}

// Hold locks the lifecycle of connID until release is called. Detach waits
// for the holder, so events emitted under Hold always precede the departures
// of a disconnect. ok is false if the connection is not attached.
func (r *Registry) Hold(connID string) (release func(), ok bool) {
	cs := r.conn(connID)
	if cs == nil {
		return nil, false
	}
	cs.life.Lock()
	return cs.life.Unlock, true
}

// Add inserts connID into the session for snippetID, creating the session
// if needed. added is false when the connection was already a member. others
// lists the remaining members at the moment of the insert.
func (r *Registry) Add(connID, snippetID string) (added bool, others []Member, err error) {
	cs := r.conn(connID)
	if cs == nil {
		return false, nil, ErrNotAttached
	}

	sh := r.shardFor(snippetID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false, nil, ErrNotAttached
	}

	sess, ok := sh.sessions[snippetID]
	if !ok {
		sess = &Session{SnippetID: snippetID, members: make(map[string]Member)}
		sh.sessions[snippetID] = sess
		r.sessionCount.Add(1)
	}

	others = sess.snapshot(connID)
	if _, exists := sess.members[connID]; exists {
		return false, others, nil
	}

	sess.members[connID] = cs.member
	cs.joined[snippetID] = struct{}{}
	r.memberCount.Add(1)
	return true, others, nil
}

// Remove deletes connID from the session for snippetID. removed is false if
// it was not a member. remaining lists the members left behind.
func (r *Registry) Remove(connID, snippetID string) (removed bool, remaining []Member) {
	sh := r.shardFor(snippetID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[snippetID]
	if !ok {
		return false, nil
	}
	if _, ok := sess.members[connID]; !ok {
		return false, nil
	}

	r.removeLocked(sh, sess, connID)
	if cs := r.conn(connID); cs != nil {
		cs.mu.Lock()
		delete(cs.joined, snippetID)
		cs.mu.Unlock()
	}
	return true, sess.snapshot("")
}

// removeLocked drops connID from sess and deletes the session once empty.
// The shard lock must be held.
func (r *Registry) removeLocked(sh *shard, sess *Session, connID string) {
	delete(sess.members, connID)
	r.memberCount.Add(-1)
	if len(sess.members) == 0 {
		delete(sh.sessions, sess.SnippetID)
		r.sessionCount.Add(-1)
	}
}

// Detach removes the connection from the registry and from every session it
// had joined. It returns one Departure per session the connection was
// actually removed from. ok is false if the connection was not attached.
func (r *Registry) Detach(connID string) (m Member, departures []Departure, ok bool) {
	r.connMu.Lock()
	cs, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.connMu.Unlock()
	if !ok {
		return Member{}, nil, false
	}

	cs.life.Lock()
	defer cs.life.Unlock()

	cs.mu.Lock()
	cs.closed = true
	snippetIDs := make([]string, 0, len(cs.joined))
	for id := range cs.joined {
		snippetIDs = append(snippetIDs, id)
	}
	cs.joined = make(map[string]struct{})
	cs.mu.Unlock()
	sort.Strings(snippetIDs)

	for _, snippetID := range snippetIDs {
		sh := r.shardFor(snippetID)
		sh.mu.Lock()
		sess, exists := sh.sessions[snippetID]
		if exists {
			if _, member := sess.members[connID]; member {
				r.removeLocked(sh, sess, connID)
				departures = append(departures, Departure{
					SnippetID: snippetID,
					Remaining: sess.snapshot(""),
				})
			}
		}
		sh.mu.Unlock()
	}
	return cs.member, departures, true
}

// Others returns the sender's own member record and every other member of
// the session. isMember is false when connID is not in the session.
func (r *Registry) Others(connID, snippetID string) (sender Member, others []Member, isMember bool) {
	sh := r.shardFor(snippetID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[snippetID]
	if !ok {
		return Member{}, nil, false
	}
	sender, isMember = sess.members[connID]
	if !isMember {
		return Member{}, nil, false
	}
	return sender, sess.snapshot(connID), true
}

// Members returns the current members of the session for snippetID.
func (r *Registry) Members(snippetID string) []Member {
	sh := r.shardFor(snippetID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[snippetID]
	if !ok {
		return nil
	}
	return sess.snapshot("")
}

// Joined returns the snippet ids connID is currently a member of.
func (r *Registry) Joined(connID string) []string {
	cs := r.conn(connID)
	if cs == nil {
		return nil
	}
	cs.mu.Lock()
	ids := make([]string, 0, len(cs.joined))
	for id := range cs.joined {
		ids = append(ids, id)
	}
	cs.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// SessionCount returns the number of sessions with at least one member.
func (r *Registry) SessionCount() int {
	return int(r.sessionCount.Load())
}

// MemberCount returns the total number of memberships across sessions.
func (r *Registry) MemberCount() int {
	return int(r.memberCount.Load())
}

// ConnectionCount returns the number of attached connections.
func (r *Registry) ConnectionCount() int {
	r.connMu.RLock()
	n := len(r.conns)
	r.connMu.RUnlock()
	return n
}
