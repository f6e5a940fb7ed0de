package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"

	"github.com/snipvault/snippet-app/internal/auth"
	"github.com/snipvault/snippet-app/internal/collab"
	"github.com/snipvault/snippet-app/internal/protocol"
	"github.com/snipvault/snippet-app/internal/ratelimit"
	"github.com/snipvault/snippet-app/internal/snippet"
	"github.com/snipvault/snippet-app/internal/user"
	"github.com/snipvault/snippet-app/internal/ws"
)

const (
	msgForbidden  = "snippet not found or access denied"
	msgJoinFailed = "failed to join snippet session"
)

// handleJoin authorizes and records a join, then acknowledges it with the
// other members of the session.
func (a *App) handleJoin(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.JoinSnippetMsg)
	ctx := context.Background()

	if a.limiter != nil {
		allowed, _ := a.limiter.Allow(ctx, conn.User.ID, ratelimit.RuleJoin)
		if !allowed {
			a.dispatcher.Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: a.limiter.RetryAfter(ctx, conn.User.ID, ratelimit.RuleJoin),
			})
			return
		}
	}

	others, err := a.relay.Join(ctx, conn.ID, m.SnippetID)
	switch {
	case errors.Is(err, collab.ErrNotAttached):
		// The connection went away while the join was in flight.
		return
	case errors.Is(err, collab.ErrForbidden):
		log.Printf("[join] denied conn=%s user=%s snippet=%s", conn.ID, conn.User.ID, m.SnippetID)
		a.dispatcher.SendError(conn, protocol.CodeForbidden, msgForbidden)
		return
	case err != nil:
		log.Printf("[join] failed conn=%s snippet=%s: %v", conn.ID, m.SnippetID, err)
		a.dispatcher.SendError(conn, protocol.CodeJoinFailed, msgJoinFailed)
		return
	}

	a.dispatcher.Send(conn, protocol.TypeSnippetJoined, protocol.SnippetJoinedMsg{
		SnippetID: m.SnippetID,
		Members:   presenceOf(others),
	})
}

func (a *App) handleLeave(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.LeaveSnippetMsg)
	a.relay.Leave(conn.ID, m.SnippetID)
}

func (a *App) handleCodeChange(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.CodeChangeMsg)
	err := a.relay.CodeChange(conn.ID, collab.CodeChange{
		SnippetID:      m.SnippetID,
		Code:           m.Code,
		Language:       m.Language,
		CursorPosition: m.CursorPosition,
	})
	if err != nil {
		a.dispatcher.SendError(conn, protocol.CodeInvalidMessage, err.Error())
	}
}

// membersResponse is the body of GET /snippets/{id}/members.
type membersResponse struct {
	SnippetID string         `json:"snippetId"`
	Members   []user.Profile `json:"members"`
}

// membersHandler answers who is currently editing a snippet. The caller
// authenticates with the same token as the WebSocket and must be allowed to
// edit the snippet.
func (a *App) membersHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		snippetID := r.PathValue("id")

		profile, err := a.gate.Authenticate(ctx, auth.TokenFromRequest(r))
		if err != nil {
			code := auth.StatusCode(err)
			http.Error(w, http.StatusText(code), code)
			return
		}

		lookupCtx, cancel := context.WithTimeout(ctx, a.cfg.Relay.JoinTimeout)
		defer cancel()
		snip, err := a.store.FindSnippetForUser(lookupCtx, snippetID, profile.ID)
		if errors.Is(err, snippet.ErrNotFound) || (err == nil && snip == nil) {
			http.Error(w, msgForbidden, http.StatusForbidden)
			return
		}
		if err != nil {
			log.Printf("[members] lookup failed snippet=%s: %v", snippetID, err)
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}

		members, err := a.relay.MembersOf(ctx, snippetID)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(membersResponse{SnippetID: snippetID, Members: members})
	})
}

// presenceOf converts members to their public profiles, one entry per user.
func presenceOf(members []collab.Member) []protocol.UserPresence {
	out := make([]protocol.UserPresence, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if seen[m.User.ID] {
			continue
		}
		seen[m.User.ID] = true
		out = append(out, protocol.UserPresence{ID: m.User.ID, Name: m.User.Name, Email: m.User.Email})
	}
	return out
}

// redactURL hides the password of a database URL for logging.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable)"
	}
	return u.Redacted()
}
