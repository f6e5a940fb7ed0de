package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/snipvault/snippet-app/internal/snippet"
	"github.com/snipvault/snippet-app/internal/user"
)

// recordingSender stores every frame written to each connection.
type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	broken map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		frames: make(map[string][][]byte),
		broken: make(map[string]bool),
	}
}

func (s *recordingSender) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken[connID] {
		return fmt.Errorf("connection %s not found", connID)
	}
	s.frames[connID] = append(s.frames[connID], append([]byte(nil), data...))
	return nil
}

func (s *recordingSender) breakConn(connID string) {
	s.mu.Lock()
	s.broken[connID] = true
	s.mu.Unlock()
}

// received decodes every frame sent to connID.
func (s *recordingSender) received(t *testing.T, connID string) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(s.frames[connID]))
	for _, f := range s.frames[connID] {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("undecodable frame for %s: %v", connID, err)
		}
		out = append(out, m)
	}
	return out
}

// ofType returns the decoded frames of msgType sent to connID.
func (s *recordingSender) ofType(t *testing.T, connID, msgType string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, m := range s.received(t, connID) {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.frames = make(map[string][][]byte)
	s.mu.Unlock()
}

// fakeAccess serves snippets from memory.
type fakeAccess struct {
	mu        sync.Mutex
	snippets  map[string]*snippet.Snippet
	err       error
	block     bool
	onLookup  func()
	appended  []string
	appendErr error
}

func newFakeAccess(snips ...*snippet.Snippet) *fakeAccess {
	a := &fakeAccess{snippets: make(map[string]*snippet.Snippet)}
	for _, s := range snips {
		a.snippets[s.ID] = s
	}
	return a
}

func (a *fakeAccess) FindSnippetForUser(ctx context.Context, snippetID, userID string) (*snippet.Snippet, error) {
	a.mu.Lock()
	err, block, hook := a.err, a.block, a.onLookup
	s, ok := a.snippets[snippetID]
	a.mu.Unlock()

	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok || !s.CanEdit(userID) {
		return nil, snippet.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (a *fakeAccess) AppendCollaborator(ctx context.Context, snippetID, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.appended = append(a.appended, snippetID+"/"+userID)
	return a.appendErr
}

// recordingBridge stores published frames by snippet id.
type recordingBridge struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (b *recordingBridge) Publish(snippetID string, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[snippetID] = append(b.published[snippetID], frame)
	return nil
}

func (b *recordingBridge) count(snippetID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[snippetID])
}

var (
	alice = user.Profile{ID: "u-alice", Name: "Alice", Email: "alice@example.com"}
	bob   = user.Profile{ID: "u-bob", Name: "Bob", Email: "bob@example.com"}
	carol = user.Profile{ID: "u-carol", Name: "Carol", Email: "carol@example.com"}
	eve   = user.Profile{ID: "u-eve", Name: "Eve", Email: "eve@example.com"}
)

func sharedSnippet() *snippet.Snippet {
	return &snippet.Snippet{
		ID:            "snip-1",
		Title:         "shared",
		Language:      "go",
		OwnerID:       alice.ID,
		Collaborators: []string{bob.ID, carol.ID},
	}
}

// newTestRelay builds a relay over a recording sender with the shared
// snippet available.
func newTestRelay(t *testing.T, opts ...Option) (*Relay, *recordingSender, *fakeAccess) {
	t.Helper()
	sender := newRecordingSender()
	access := newFakeAccess(sharedSnippet())
	return New(DefaultConfig(), access, sender, opts...), sender, access
}

func mustConnect(t *testing.T, r *Relay, connID string, u user.Profile) {
	t.Helper()
	if err := r.Connect(connID, u); err != nil {
		t.Fatalf("connect %s: %v", connID, err)
	}
}

func mustJoin(t *testing.T, r *Relay, connID, snippetID string) []Member {
	t.Helper()
	others, err := r.Join(context.Background(), connID, snippetID)
	if err != nil {
		t.Fatalf("join %s -> %s: %v", connID, snippetID, err)
	}
	return others
}

// presenceIDs extracts the "id" field of presence frames.
func presenceIDs(frames []map[string]interface{}) []string {
	ids := make([]string, 0, len(frames))
	for _, f := range frames {
		ids = append(ids, fmt.Sprint(f["id"]))
	}
	return ids
}

