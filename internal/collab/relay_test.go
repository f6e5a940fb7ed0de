package collab

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/snipvault/snippet-app/internal/protocol"
	"github.com/snipvault/snippet-app/internal/snippet"
	"github.com/snipvault/snippet-app/internal/user"
)

func TestJoinAnnouncesToExistingMembersOnly(t *testing.T) {
	r, sender, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustConnect(t, r, "c", carol)

	others := mustJoin(t, r, "a", "snip-1")
	assert.Equal(t, len(others), 0)

	others = mustJoin(t, r, "b", "snip-1")
	assert.Equal(t, len(others), 1)
	assert.Equal(t, others[0].User, alice)

	mustJoin(t, r, "c", "snip-1")

	assert.Equal(t, presenceIDs(sender.ofType(t, "a", protocol.TypeUserJoined)), []string{bob.ID, carol.ID})
	assert.Equal(t, presenceIDs(sender.ofType(t, "b", protocol.TypeUserJoined)), []string{carol.ID})
	// the joiner never hears about itself
	assert.Equal(t, len(sender.ofType(t, "c", protocol.TypeUserJoined)), 0)

	joined := sender.ofType(t, "a", protocol.TypeUserJoined)[0]
	assert.Equal(t, joined["snippetId"], "snip-1")
	assert.Equal(t, joined["name"], bob.Name)
	assert.Equal(t, joined["email"], bob.Email)
}

func TestRejoinIsIdempotent(t *testing.T) {
	r, sender, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a", "snip-1")
	mustJoin(t, r, "b", "snip-1")
	sender.reset()

	others := mustJoin(t, r, "b", "snip-1")
	assert.Equal(t, len(others), 1)
	assert.Equal(t, len(sender.ofType(t, "a", protocol.TypeUserJoined)), 0)
	assert.Equal(t, r.Registry().MemberCount(), 2)
}

func TestJoinForbidden(t *testing.T) {
	r, sender, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "e", eve)
	mustJoin(t, r, "a", "snip-1")

	_, err := r.Join(context.Background(), "e", "snip-1")
	assert.Equal(t, err, ErrForbidden)

	_, err = r.Join(context.Background(), "e", "does-not-exist")
	assert.Equal(t, err, ErrForbidden)

	_, err = r.Join(context.Background(), "e", "")
	assert.Equal(t, err, ErrForbidden)

	assert.Equal(t, len(sender.ofType(t, "a", protocol.TypeUserJoined)), 0)
	assert.Equal(t, len(r.Registry().Joined("e")), 0)
	assert.Equal(t, len(r.Registry().Members("does-not-exist")), 0)
}

func TestJoinStorageFailure(t *testing.T) {
	r, _, access := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	access.err = errors.New("connection refused")

	_, err := r.Join(context.Background(), "a", "snip-1")
	assert.Equal(t, errors.Is(err, ErrUnavailable), true)
	assert.Equal(t, r.Registry().SessionCount(), 0)
}

func TestJoinTimeout(t *testing.T) {
	sender := newRecordingSender()
	access := newFakeAccess(sharedSnippet())
	access.block = true
	r := New(Config{JoinTimeout: 20 * time.Millisecond}, access, sender)
	mustConnect(t, r, "a", alice)

	start := time.Now()
	_, err := r.Join(context.Background(), "a", "snip-1")
	assert.Equal(t, errors.Is(err, ErrUnavailable), true)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("join did not honor its timeout: %v", time.Since(start))
	}
	assert.Equal(t, r.Registry().SessionCount(), 0)
}

func TestJoinRacingDisconnect(t *testing.T) {
	r, sender, access := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a", "snip-1")

	// b disconnects while its join is waiting on storage
	access.onLookup = func() { r.Disconnect("b") }

	_, err := r.Join(context.Background(), "b", "snip-1")
	assert.Equal(t, err, ErrNotAttached)
	assert.Equal(t, len(r.Registry().Members("snip-1")), 1)
	assert.Equal(t, len(sender.ofType(t, "a", protocol.TypeUserJoined)), 0)
	assert.Equal(t, len(sender.ofType(t, "a", protocol.TypeUserLeft)), 0)
}

func TestJoinUnknownConnection(t *testing.T) {
	r, _, _ := newTestRelay(t)
	_, err := r.Join(context.Background(), "ghost", "snip-1")
	assert.Equal(t, err, ErrNotAttached)
}

func TestJoinAppendsNonCollaborator(t *testing.T) {
	sender := newRecordingSender()
	access := &openAccess{fakeAccess: newFakeAccess(sharedSnippet())}
	r := New(DefaultConfig(), access, sender)
	mustConnect(t, r, "e", eve)

	mustJoin(t, r, "e", "snip-1")
	assert.Equal(t, access.appended, []string{"snip-1/" + eve.ID})

	// members already on the list are not appended again
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "b", "snip-1")
	assert.Equal(t, len(access.appended), 1)
}

// openAccess authorizes every user for every known snippet.
type openAccess struct {
	*fakeAccess
}

func (a *openAccess) FindSnippetForUser(ctx context.Context, snippetID, userID string) (*snippet.Snippet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.snippets[snippetID]
	if !ok {
		return nil, snippet.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func TestCodeChangeReachesOthersOnly(t *testing.T) {
	r, sender, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustConnect(t, r, "c", carol)
	for _, id := range []string{"a", "b", "c"} {
		mustJoin(t, r, id, "snip-1")
	}
	sender.reset()

	err := r.CodeChange("a", CodeChange{
		SnippetID:      "snip-1",
		Code:           "fmt.Println(1)",
		Language:       "go",
		CursorPosition: json.RawMessage(`{"line":2,"ch":4}`),
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, len(sender.received(t, "a")), 0)
	for _, id := range []string{"b", "c"} {
		frames := sender.ofType(t, id, protocol.TypeCodeChange)
		assert.Equal(t, len(frames), 1)
		f := frames[0]
		assert.Equal(t, f["code"], "fmt.Println(1)")
		assert.Equal(t, f["language"], "go")
		assert.Equal(t, f["userId"], alice.ID)
		assert.Equal(t, f["userName"], alice.Name)
		cursor := f["cursorPosition"].(map[string]interface{})
		assert.Equal(t, cursor["line"], float64(2))
		assert.Equal(t, cursor["ch"], float64(4))
	}
}

func TestCodeChangeOrderPreservedPerSender(t *testing.T) {
	r, sender, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a", "snip-1")
	mustJoin(t, r, "b", "snip-1")
	sender.reset()

	for _, code := range []string{"x", "xy", "xyz"} {
		assert.Equal(t, r.CodeChange("a", CodeChange{SnippetID: "snip-1", Code: code}), nil)
	}

	var codes []string
	for _, f := range sender.ofType(t, "b", protocol.TypeCodeChange) {
		codes = append(codes, f["code"].(string))
	}
	assert.Equal(t, codes, []string{"x", "xy", "xyz"})
}

func TestCodeChangeFromNonMemberIsDropped(t *testing.T) {
	r, sender, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a", "snip-1")
	sender.reset()

	// b is authorized for the snippet but never joined it
	assert.Equal(t, r.CodeChange("b", CodeChange{SnippetID: "snip-1", Code: "evil"}), nil)
	assert.Equal(t, len(sender.received(t, "a")), 0)
}

func TestCodeChangeDoesNotCrossSessions(t *testing.T) {
	sender := newRecordingSender()
	other := &snippet.Snippet{ID: "snip-2", OwnerID: bob.ID}
	r := New(DefaultConfig(), newFakeAccess(sharedSnippet(), other), sender)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a", "snip-1")
	mustJoin(t, r, "b", "snip-2")
	sender.reset()

	assert.Equal(t, r.CodeChange("a", CodeChange{SnippetID: "snip-1", Code: "x"}), nil)
	assert.Equal(t, len(sender.received(t, "b")), 0)
}

func TestCodeChangeValidation(t *testing.T) {
	r, _, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustJoin(t, r, "a", "snip-1")

	err := r.CodeChange("a", CodeChange{SnippetID: "", Code: "x"})
	assert.Equal(t, errors.Is(err, ErrInvalidCodeChange), true)

	err = r.CodeChange("a", CodeChange{SnippetID: "snip-1", Code: strings.Repeat("a", DefaultMaxCodeBytes+1)})
	assert.Equal(t, errors.Is(err, ErrInvalidCodeChange), true)
}

func TestFailedRecipientDoesNotBlockOthers(t *testing.T) {
	r, sender, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustConnect(t, r, "c", carol)
	for _, id := range []string{"a", "b", "c"} {
		mustJoin(t, r, id, "snip-1")
	}
	sender.reset()
	sender.breakConn("b")

	delivered, ok := r.router.Route("a", CodeChange{SnippetID: "snip-1", Code: "x"})
	assert.Equal(t, ok, true)
	assert.Equal(t, delivered, 1)
	assert.Equal(t, len(sender.ofType(t, "c", protocol.TypeCodeChange)), 1)
}

func TestLeaveAnnouncesToRemainingMembers(t *testing.T) {
	r, sender, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a", "snip-1")
	mustJoin(t, r, "b", "snip-1")
	sender.reset()

	assert.Equal(t, r.Leave("b", "snip-1"), true)
	assert.Equal(t, presenceIDs(sender.ofType(t, "a", protocol.TypeUserLeft)), []string{bob.ID})
	assert.Equal(t, len(sender.received(t, "b")), 0)

	// leaving again is silent
	assert.Equal(t, r.Leave("b", "snip-1"), false)
	assert.Equal(t, len(sender.ofType(t, "a", protocol.TypeUserLeft)), 1)

	// b no longer receives the session's changes
	mustConnect(t, r, "c", carol)
	mustJoin(t, r, "c", "snip-1")
	assert.Equal(t, r.CodeChange("c", CodeChange{SnippetID: "snip-1", Code: "x"}), nil)
	assert.Equal(t, len(sender.ofType(t, "b", protocol.TypeCodeChange)), 0)
}

func TestDisconnectLeavesEverySession(t *testing.T) {
	sender := newRecordingSender()
	other := &snippet.Snippet{ID: "snip-2", OwnerID: alice.ID, Collaborators: []string{carol.ID}}
	r := New(DefaultConfig(), newFakeAccess(sharedSnippet(), other), sender)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustConnect(t, r, "c", carol)
	mustJoin(t, r, "a", "snip-1")
	mustJoin(t, r, "a", "snip-2")
	mustJoin(t, r, "b", "snip-1")
	mustJoin(t, r, "c", "snip-2")
	sender.reset()

	r.Disconnect("a")

	assert.Equal(t, presenceIDs(sender.ofType(t, "b", protocol.TypeUserLeft)), []string{alice.ID})
	assert.Equal(t, presenceIDs(sender.ofType(t, "c", protocol.TypeUserLeft)), []string{alice.ID})
	assert.Equal(t, r.Registry().ConnectionCount(), 2)

	// a second disconnect emits nothing
	r.Disconnect("a")
	assert.Equal(t, len(sender.ofType(t, "b", protocol.TypeUserLeft)), 1)

	// the last member leaving removes the session
	r.Disconnect("b")
	assert.Equal(t, len(r.Registry().Members("snip-1")), 0)
	assert.Equal(t, r.Registry().SessionCount(), 1)
}

func TestMembersOfDedupesUsers(t *testing.T) {
	r, _, _ := newTestRelay(t)
	mustConnect(t, r, "a1", alice)
	mustConnect(t, r, "a2", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a1", "snip-1")
	mustJoin(t, r, "a2", "snip-1")
	mustJoin(t, r, "b", "snip-1")

	profiles, err := r.MembersOf(context.Background(), "snip-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, profiles, []user.Profile{alice, bob})

	profiles, err = r.MembersOf(context.Background(), "empty")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(profiles), 0)
}

func TestBridgeReceivesOutboundFrames(t *testing.T) {
	bridge := &recordingBridge{}
	r, _, _ := newTestRelay(t, WithBridge(bridge))
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a", "snip-1")
	mustJoin(t, r, "b", "snip-1")
	assert.Equal(t, r.CodeChange("a", CodeChange{SnippetID: "snip-1", Code: "x"}), nil)
	r.Leave("b", "snip-1")

	// two joins, one change, one leave
	assert.Equal(t, bridge.count("snip-1"), 4)
}

func TestDeliverRemoteReachesLocalMembers(t *testing.T) {
	r, sender, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a", "snip-1")
	mustJoin(t, r, "b", "snip-1")
	sender.reset()

	frame, err := protocol.NewServerMessage(protocol.TypeCodeChange, protocol.ServerCodeChangeMsg{
		SnippetID: "snip-1",
		Code:      "remote",
		UserID:    carol.ID,
		UserName:  carol.Name,
	})
	assert.Equal(t, err, nil)

	r.DeliverRemote("snip-1", frame)
	r.DeliverRemote("snip-unknown", frame)

	for _, id := range []string{"a", "b"} {
		frames := sender.ofType(t, id, protocol.TypeCodeChange)
		assert.Equal(t, len(frames), 1)
		assert.Equal(t, frames[0]["userId"], carol.ID)
	}
}

// memoryMirror is an in-process PresenceMirror.
type memoryMirror struct {
	entries map[string]map[string]user.Profile
	fail    bool
}

func (m *memoryMirror) AddPresence(ctx context.Context, snippetID, connID string, p user.Profile) error {
	if m.entries == nil {
		m.entries = make(map[string]map[string]user.Profile)
	}
	if m.entries[snippetID] == nil {
		m.entries[snippetID] = make(map[string]user.Profile)
	}
	m.entries[snippetID][connID] = p
	return nil
}

func (m *memoryMirror) RemovePresence(ctx context.Context, snippetID, connID string) error {
	delete(m.entries[snippetID], connID)
	return nil
}

func (m *memoryMirror) Presence(ctx context.Context, snippetID string) ([]user.Profile, error) {
	if m.fail {
		return nil, errors.New("mirror down")
	}
	var out []user.Profile
	for _, p := range m.entries[snippetID] {
		out = append(out, p)
	}
	return out, nil
}

func TestPresenceMirrorFollowsMembership(t *testing.T) {
	mirror := &memoryMirror{}
	r, _, _ := newTestRelay(t, WithPresenceMirror(mirror))
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a", "snip-1")
	mustJoin(t, r, "b", "snip-1")
	assert.Equal(t, len(mirror.entries["snip-1"]), 2)

	r.Leave("a", "snip-1")
	assert.Equal(t, len(mirror.entries["snip-1"]), 1)

	r.Disconnect("b")
	assert.Equal(t, len(mirror.entries["snip-1"]), 0)

	// a failing mirror falls back to local membership
	mustConnect(t, r, "c", carol)
	mustJoin(t, r, "c", "snip-1")
	mirror.fail = true
	profiles, err := r.MembersOf(context.Background(), "snip-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, profiles, []user.Profile{carol})
}

// blockingMirror holds AddPresence until release is closed.
type blockingMirror struct {
	mu      sync.Mutex
	entries map[string]bool
	entered chan struct{}
	release chan struct{}
}

func (m *blockingMirror) AddPresence(ctx context.Context, snippetID, connID string, p user.Profile) error {
	close(m.entered)
	<-m.release
	m.mu.Lock()
	m.entries[connID] = true
	m.mu.Unlock()
	return nil
}

func (m *blockingMirror) RemovePresence(ctx context.Context, snippetID, connID string) error {
	m.mu.Lock()
	delete(m.entries, connID)
	m.mu.Unlock()
	return nil
}

func (m *blockingMirror) Presence(ctx context.Context, snippetID string) ([]user.Profile, error) {
	return nil, nil
}

func TestDisconnectDuringJoinNotifiesInOrder(t *testing.T) {
	mirror := &blockingMirror{
		entries: map[string]bool{"a": true},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r, sender, _ := newTestRelay(t)
	mustConnect(t, r, "a", alice)
	mustConnect(t, r, "b", bob)
	mustJoin(t, r, "a", "snip-1")
	r.mirror = mirror
	sender.reset()

	joined := make(chan error, 1)
	go func() {
		_, err := r.Join(context.Background(), "b", "snip-1")
		joined <- err
	}()
	<-mirror.entered

	disconnected := make(chan struct{})
	go func() {
		r.Disconnect("b")
		close(disconnected)
	}()

	select {
	case <-disconnected:
		t.Fatal("disconnect finished while the join was still notifying")
	case <-time.After(50 * time.Millisecond):
	}

	close(mirror.release)
	assert.Equal(t, <-joined, nil)
	<-disconnected

	var types []string
	for _, f := range sender.received(t, "a") {
		types = append(types, f["type"].(string))
	}
	assert.Equal(t, types, []string{protocol.TypeUserJoined, protocol.TypeUserLeft})
	assert.Equal(t, mirror.entries, map[string]bool{"a": true})
	assert.Equal(t, len(r.Registry().Members("snip-1")), 1)
}
