package collab

import (
	"fmt"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func attach(t *testing.T, r *Registry, connID string) {
	t.Helper()
	if err := r.Attach(Member{ConnID: connID, User: alice}); err != nil {
		t.Fatalf("attach %s: %v", connID, err)
	}
}

func TestRegistryAddAndRemove(t *testing.T) {
	r := NewRegistry()
	attach(t, r, "c1")
	attach(t, r, "c2")

	added, others, err := r.Add("c1", "s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, added, true)
	assert.Equal(t, len(others), 0)

	added, others, err = r.Add("c2", "s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, added, true)
	assert.Equal(t, len(others), 1)
	assert.Equal(t, others[0].ConnID, "c1")

	assert.Equal(t, r.SessionCount(), 1)
	assert.Equal(t, r.MemberCount(), 2)

	removed, remaining := r.Remove("c1", "s1")
	assert.Equal(t, removed, true)
	assert.Equal(t, len(remaining), 1)
	assert.Equal(t, remaining[0].ConnID, "c2")

	removed, _ = r.Remove("c1", "s1")
	assert.Equal(t, removed, false)

	removed, remaining = r.Remove("c2", "s1")
	assert.Equal(t, removed, true)
	assert.Equal(t, len(remaining), 0)

	// the emptied session is gone
	assert.Equal(t, r.SessionCount(), 0)
	assert.Equal(t, r.MemberCount(), 0)
	assert.Equal(t, len(r.Members("s1")), 0)
}

func TestRegistryAddTwiceIsNotANewMembership(t *testing.T) {
	r := NewRegistry()
	attach(t, r, "c1")

	added, _, _ := r.Add("c1", "s1")
	assert.Equal(t, added, true)
	added, others, err := r.Add("c1", "s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, added, false)
	assert.Equal(t, len(others), 0)
	assert.Equal(t, r.MemberCount(), 1)
}

func TestRegistryRequiresAttach(t *testing.T) {
	r := NewRegistry()

	_, _, err := r.Add("ghost", "s1")
	assert.Equal(t, err, ErrNotAttached)
	assert.Equal(t, r.SessionCount(), 0)

	attach(t, r, "c1")
	assert.Equal(t, r.Attach(Member{ConnID: "c1"}), ErrAlreadyAttached)
}

func TestRegistryDetachReportsEverySession(t *testing.T) {
	r := NewRegistry()
	attach(t, r, "c1")
	attach(t, r, "c2")

	r.Add("c1", "s1")
	r.Add("c1", "s2")
	r.Add("c1", "s3")
	r.Add("c2", "s2")

	m, departures, ok := r.Detach("c1")
	assert.Equal(t, ok, true)
	assert.Equal(t, m.ConnID, "c1")
	assert.Equal(t, len(departures), 3)

	// departures are ordered by snippet id
	assert.Equal(t, departures[0].SnippetID, "s1")
	assert.Equal(t, len(departures[0].Remaining), 0)
	assert.Equal(t, departures[1].SnippetID, "s2")
	assert.Equal(t, len(departures[1].Remaining), 1)
	assert.Equal(t, departures[1].Remaining[0].ConnID, "c2")

	assert.Equal(t, r.SessionCount(), 1)
	assert.Equal(t, r.ConnectionCount(), 1)

	_, _, ok = r.Detach("c1")
	assert.Equal(t, ok, false)

	// a detached connection cannot rejoin
	_, _, err := r.Add("c1", "s1")
	assert.Equal(t, err, ErrNotAttached)
}

func TestRegistryOthersExcludesSender(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c1", "c2", "c3"} {
		attach(t, r, id)
		r.Add(id, "s1")
	}
	attach(t, r, "outsider")

	sender, others, ok := r.Others("c2", "s1")
	assert.Equal(t, ok, true)
	assert.Equal(t, sender.ConnID, "c2")
	assert.Equal(t, len(others), 2)
	for _, m := range others {
		assert.NotEqual(t, m.ConnID, "c2")
	}

	_, _, ok = r.Others("outsider", "s1")
	assert.Equal(t, ok, false)
	_, _, ok = r.Others("c1", "unknown")
	assert.Equal(t, ok, false)
}

func TestRegistryJoinedTracksMemberships(t *testing.T) {
	r := NewRegistry()
	attach(t, r, "c1")
	r.Add("c1", "b")
	r.Add("c1", "a")

	assert.Equal(t, r.Joined("c1"), []string{"a", "b"})
	r.Remove("c1", "a")
	assert.Equal(t, r.Joined("c1"), []string{"b"})
}

func TestRegistrySingleShard(t *testing.T) {
	r := NewRegistryWithShards(0)
	attach(t, r, "c1")
	for i := 0; i < 10; i++ {
		r.Add("c1", fmt.Sprintf("s%d", i))
	}
	assert.Equal(t, r.SessionCount(), 10)
}

func TestRegistryRemoveRacingDetachDepartsOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := NewRegistry()
		attach(t, r, "c1")
		attach(t, r, "c2")
		r.Add("c1", "s1")
		r.Add("c2", "s1")

		var (
			wg         sync.WaitGroup
			removed    bool
			departures []Departure
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			removed, _ = r.Remove("c1", "s1")
		}()
		go func() {
			defer wg.Done()
			_, departures, _ = r.Detach("c1")
		}()
		wg.Wait()

		n := len(departures)
		if removed {
			n++
		}
		assert.Equal(t, n, 1)
		assert.Equal(t, r.MemberCount(), 1)
	}
}

func TestRegistryConcurrentJoinsAcrossShards(t *testing.T) {
	r := NewRegistry()
	const conns = 50
	const snippets = 20

	for c := 0; c < conns; c++ {
		attach(t, r, fmt.Sprintf("c%d", c))
	}

	var wg sync.WaitGroup
	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for s := 0; s < snippets; s++ {
				r.Add(fmt.Sprintf("c%d", c), fmt.Sprintf("s%d", s))
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, r.SessionCount(), snippets)
	assert.Equal(t, r.MemberCount(), conns*snippets)

	for c := 0; c < conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			r.Detach(fmt.Sprintf("c%d", c))
		}(c)
	}
	wg.Wait()

	assert.Equal(t, r.SessionCount(), 0)
	assert.Equal(t, r.MemberCount(), 0)
	assert.Equal(t, r.ConnectionCount(), 0)
}
