// Package app assembles the snippet relay from its configuration: storage,
// the authentication gate, the collaboration core, the optional Redis and
// NATS integrations, and the WebSocket server that carries it all.
package app

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/snipvault/snippet-app/internal/auth"
	"github.com/snipvault/snippet-app/internal/collab"
	"github.com/snipvault/snippet-app/internal/config"
	"github.com/snipvault/snippet-app/internal/messaging"
	"github.com/snipvault/snippet-app/internal/metrics"
	"github.com/snipvault/snippet-app/internal/protocol"
	"github.com/snipvault/snippet-app/internal/ratelimit"
	"github.com/snipvault/snippet-app/internal/session"
	"github.com/snipvault/snippet-app/internal/store"
	"github.com/snipvault/snippet-app/internal/user"
	"github.com/snipvault/snippet-app/internal/ws"
)

// Store is the persistence the relay consumes: snippet authorization and
// user profiles.
type Store interface {
	collab.Access
	user.Directory
}

var (
	_ Store = (*store.Memory)(nil)
	_ Store = (*store.Postgres)(nil)
)

// Option customizes an App.
type Option func(*App)

// WithStore replaces the store the configuration would select.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// App is a fully wired relay process.
type App struct {
	cfg        config.Config
	store      Store
	gate       *auth.Gate
	relay      *collab.Relay
	server     *ws.Server
	dispatcher *ws.MessageDispatcher
	limiter    *ratelimit.Limiter
	sessions   *session.Store
	nats       *messaging.NATSClient
	bridge     *messaging.Bridge
	closers    []func() error
}

// New builds an App from cfg. Optional integrations are enabled by their
// settings: redis.addr, nats.url and database.url.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		if err := a.openStore(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	if cfg.Redis.Addr != "" {
		sessions, err := session.NewStore(cfg.Redis.Addr, cfg.Server.InstanceName)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: %w", err)
		}
		if cfg.Heartbeat.Interval > 0 {
			// the heartbeat refreshes records once per interval
			sessions.SetConnTTL(3 * (cfg.Heartbeat.Interval + cfg.Heartbeat.Timeout))
		}
		a.sessions = sessions
		a.limiter = ratelimit.NewLimiter(sessions.Client())
		a.closers = append(a.closers, sessions.Close)
	}

	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "snippet-relay-" + cfg.Server.InstanceName
		client, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.nats = client
		a.bridge = messaging.NewBridge(client, cfg.Server.InstanceName)
		a.closers = append(a.closers, func() error { client.Close(); return nil })
	}

	a.gate = auth.NewGate(cfg.Auth.JWTSecret, a.store)

	// The dispatcher is created before the server because NewServer takes
	// its Dispatch method.
	a.dispatcher = ws.NewMessageDispatcher(nil)
	a.server = ws.NewServer(serverConfig(cfg), a.gate, a.sessions, a.dispatcher.Dispatch)
	a.dispatcher.SetServer(a.server)
	if a.limiter != nil {
		a.server.SetLimiter(a.limiter)
	}

	var relayOpts []collab.Option
	if a.bridge != nil {
		relayOpts = append(relayOpts, collab.WithBridge(a.bridge))
	}
	if a.sessions != nil {
		relayOpts = append(relayOpts, collab.WithPresenceMirror(a.sessions))
	}
	a.relay = collab.New(collab.Config{
		JoinTimeout:  cfg.Relay.JoinTimeout,
		MaxCodeBytes: cfg.Relay.MaxCodeBytes,
	}, a.store, a.server, relayOpts...)

	if a.bridge != nil {
		if err := a.bridge.Start(a.relay.DeliverRemote); err != nil {
			a.close()
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	a.server.SetOnConnect(func(c *ws.Connection) error {
		return a.relay.Connect(c.ID, c.User)
	})
	a.server.SetOnDisconnect(a.relay.Disconnect)

	a.dispatcher.Register(protocol.TypeJoinSnippet, a.handleJoin)
	a.dispatcher.Register(protocol.TypeLeaveSnippet, a.handleLeave)
	a.dispatcher.Register(protocol.TypeCodeChange, a.handleCodeChange)

	a.server.Handle("/metrics", metrics.Handler())
	a.server.Handle("GET /snippets/{id}/members", a.membersHandler())

	return a, nil
}

// openStore selects Postgres when database.url is set and the in-memory
// store otherwise. A seed file, when configured, is loaded into either.
func (a *App) openStore(ctx context.Context) error {
	var seed *store.Seed
	if a.cfg.Store.SeedFile != "" {
		s, err := store.LoadSeed(a.cfg.Store.SeedFile)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		seed = s
	}

	if a.cfg.Database.URL == "" {
		if seed == nil {
			log.Printf("[app] no database configured, using an empty in-memory store")
			a.store = store.NewMemory()
			return nil
		}
		a.store = store.NewMemoryFromSeed(seed)
		log.Printf("[app] in-memory store seeded users=%d snippets=%d", len(seed.Users), len(seed.Snippets))
		return nil
	}

	if a.cfg.Database.MigrateOnStart {
		if err := store.Migrate(a.cfg.Database.URL); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}
	pg, err := store.OpenPostgres(ctx, a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	if seed != nil {
		if err := pg.Import(ctx, seed); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}
	a.store = pg
	return nil
}

// frameHeadroom covers the JSON envelope around the code of a code-change.
const frameHeadroom = 64 << 10

func serverConfig(cfg config.Config) ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.ListenAddr = cfg.Server.ListenAddr
	sc.WorkerPoolSize = cfg.Server.WorkerPoolSize
	sc.MaxConnections = cfg.Server.MaxConnections
	sc.ReadTimeout = cfg.Server.ReadTimeout
	sc.WriteTimeout = cfg.Server.WriteTimeout
	sc.MaxFrameBytes = 2*int64(cfg.Relay.MaxCodeBytes) + frameHeadroom
	sc.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.Heartbeat.Interval,
		Timeout:  cfg.Heartbeat.Timeout,
	}
	return sc
}

// Relay returns the collaboration core.
func (a *App) Relay() *collab.Relay {
	return a.relay
}

// Server returns the WebSocket server.
func (a *App) Server() *ws.Server {
	return a.server
}

// Run listens on server.listen_addr and serves until Shutdown.
func (a *App) Run() error {
	a.logStartup()
	return a.server.Start()
}

// Serve serves on ln until Shutdown.
func (a *App) Serve(ln net.Listener) error {
	return a.server.Serve(ln)
}

// Shutdown stops the server, which disconnects every client, and then
// releases the bridge, Redis and database handles.
func (a *App) Shutdown() error {
	err := a.server.Shutdown()
	if a.bridge != nil {
		if berr := a.bridge.Stop(); berr != nil {
			log.Printf("[app] bridge stop error: %v", berr)
		}
	}
	a.close()
	return err
}

// close releases resources in reverse order of acquisition.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("[app] close error: %v", err)
		}
	}
	a.closers = nil
}

func (a *App) logStartup() {
	c := a.cfg
	log.Printf("Snippet relay starting")
	log.Printf("  listen_addr:     %s", c.Server.ListenAddr)
	log.Printf("  instance_name:   %s", c.Server.InstanceName)
	log.Printf("  worker_pool:     %d", c.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", c.Server.MaxConnections)
	log.Printf("  join_timeout:    %s", c.Relay.JoinTimeout)
	log.Printf("  redis_addr:      %s", orDisabled(c.Redis.Addr))
	log.Printf("  nats_url:        %s", orDisabled(c.NATS.URL))
	log.Printf("  database:        %s", orDisabled(redactURL(c.Database.URL)))
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}
