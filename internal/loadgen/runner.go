package loadgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/snipvault/snippet-app/internal/protocol"
	"github.com/snipvault/snippet-app/internal/wsclient"
)

// Config describes one bench run. Every token joins every snippet with its
// own connection, so each snippet session has len(Tokens) members.
type Config struct {
	URL      string        // relay WebSocket URL
	Snippets []string      // snippet ids to edit
	Tokens   []string      // tokens of users allowed to edit every snippet
	Changes  int           // code changes each client sends
	Interval time.Duration // pause between a client's changes
	CodeSize int           // bytes of code per change
	Settle   time.Duration // how long to wait for outstanding deliveries
}

// benchCursor rides in the opaque cursor position so receivers can measure
// fan-out latency.
type benchCursor struct {
	SentAt int64 `json:"sentAt"`
}

type benchClient struct {
	snippetID string
	conn      *wsclient.Client
}

// Run connects every client, joins the sessions, exchanges code changes and
// records the results in collector. It returns an error only when no client
// could join at all.
func Run(ctx context.Context, cfg Config, collector *Collector) error {
	if len(cfg.Snippets) == 0 || len(cfg.Tokens) == 0 {
		return errors.New("loadgen: at least one snippet and one token are required")
	}

	var (
		mu      sync.Mutex
		clients []*benchClient
		wg      sync.WaitGroup
	)
	for _, snippetID := range cfg.Snippets {
		for _, token := range cfg.Tokens {
			wg.Add(1)
			go func(snippetID, token string) {
				defer wg.Done()
				bc, err := connectAndJoin(ctx, cfg.URL, token, snippetID, collector)
				if err != nil {
					collector.AddError()
					return
				}
				mu.Lock()
				clients = append(clients, bc)
				mu.Unlock()
			}(snippetID, token)
		}
	}
	wg.Wait()
	defer func() {
		for _, bc := range clients {
			bc.conn.Close()
		}
	}()

	if len(clients) == 0 {
		return errors.New("loadgen: no client could join")
	}

	// Recipients per session are the other clients that joined it.
	perSnippet := make(map[string]int)
	for _, bc := range clients {
		perSnippet[bc.snippetID]++
	}

	readCtx, stopReading := context.WithCancel(ctx)
	var readers sync.WaitGroup
	for _, bc := range clients {
		readers.Add(1)
		go func(bc *benchClient) {
			defer readers.Done()
			receive(readCtx, bc, collector)
		}(bc)
	}

	var senders sync.WaitGroup
	for _, bc := range clients {
		senders.Add(1)
		go func(bc *benchClient) {
			defer senders.Done()
			send(ctx, bc, cfg, perSnippet[bc.snippetID]-1, collector)
		}(bc)
	}
	senders.Wait()

	waitSettled(ctx, collector, cfg.Settle)
	stopReading()
	readers.Wait()
	return nil
}

func connectAndJoin(ctx context.Context, url, token, snippetID string, collector *Collector) (*benchClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	conn, err := wsclient.Dial(dialCtx, url, token)
	if err != nil {
		return nil, err
	}
	collector.AddConnect(time.Since(start))

	start = time.Now()
	if err := conn.JoinSnippet(snippetID); err != nil {
		conn.Close()
		return nil, err
	}
	for {
		f, err := conn.Next(dialCtx)
		if err != nil {
			conn.Close()
			return nil, err
		}
		switch f.Type {
		case protocol.TypeSnippetJoined:
			collector.AddJoin(time.Since(start))
			return &benchClient{snippetID: snippetID, conn: conn}, nil
		case protocol.TypeError, protocol.TypeRateLimited:
			conn.Close()
			return nil, fmt.Errorf("loadgen: join %s refused: %s", snippetID, f.Raw)
		}
	}
}

func send(ctx context.Context, bc *benchClient, cfg Config, recipients int, collector *Collector) {
	code := strings.Repeat("x", cfg.CodeSize)
	for i := 0; i < cfg.Changes; i++ {
		cursor, _ := json.Marshal(benchCursor{SentAt: time.Now().UnixNano()})
		if err := bc.conn.SendCodeChange(bc.snippetID, code, "go", cursor); err != nil {
			collector.AddError()
			return
		}
		collector.AddSent(recipients)

		if cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.Interval):
			}
		}
	}
}

func receive(ctx context.Context, bc *benchClient, collector *Collector) {
	for {
		f, err := bc.conn.WaitFor(ctx, protocol.TypeCodeChange)
		if err != nil {
			return
		}
		var msg protocol.ServerCodeChangeMsg
		if err := f.Decode(&msg); err != nil {
			collector.AddError()
			continue
		}
		var cursor benchCursor
		if err := json.Unmarshal(msg.CursorPosition, &cursor); err != nil || cursor.SentAt == 0 {
			continue
		}
		collector.AddFanout(time.Since(time.Unix(0, cursor.SentAt)))
	}
}

// waitSettled returns once every expected delivery arrived or settle elapsed.
func waitSettled(ctx context.Context, collector *Collector, settle time.Duration) {
	deadline := time.Now().Add(settle)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if got, want := collector.Delivered(); got >= want || time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
