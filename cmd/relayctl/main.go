// Command relayctl is the operator tool for the snippet relay. It mints
// development tokens, runs database migrations, watches a live session and
// benchmarks fan-out under synthetic load.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/snipvault/snippet-app/internal/auth"
	"github.com/snipvault/snippet-app/internal/loadgen"
	"github.com/snipvault/snippet-app/internal/protocol"
	"github.com/snipvault/snippet-app/internal/store"
	"github.com/snipvault/snippet-app/internal/wsclient"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "relayctl",
		Usage:  "snippet relay operator tool",
		Writer: out,
		Commands: []*cli.Command{
			tokenCommand(),
			migrateCommand(),
			watchCommand(),
			benchCommand(),
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "mint a signed token for a user",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "secret",
				Usage:    "HS256 signing secret",
				EnvVars:  []string{"RELAY_AUTH_JWT_SECRET"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "user id placed in the userId claim",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "token lifetime",
				Value: 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			if c.Duration("ttl") <= 0 {
				return errors.New("ttl must be positive")
			}
			tok, err := auth.NewIssuer(c.String("secret")).Issue(c.String("user"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, tok)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	dbFlag := &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Postgres connection URL",
		EnvVars:  []string{"RELAY_DATABASE_URL"},
		Required: true,
	}
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply or revert the database schema",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply all pending migrations",
				Flags: []cli.Flag{dbFlag},
				Action: func(c *cli.Context) error {
					if err := store.Migrate(c.String("database-url")); err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, "migrations applied")
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "revert all migrations",
				Flags: []cli.Flag{dbFlag},
				Action: func(c *cli.Context) error {
					if err := store.MigrateDown(c.String("database-url")); err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, "migrations reverted")
					return nil
				},
			},
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "join a snippet session and print every frame received",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "relay WebSocket URL",
				Value: "ws://localhost:8080/ws",
			},
			&cli.StringFlag{
				Name:     "token",
				Usage:    "token of a user allowed to edit the snippet",
				EnvVars:  []string{"RELAY_TOKEN"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "snippet",
				Aliases:  []string{"s"},
				Usage:    "snippet id to join",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, c.App.Writer, c.String("url"), c.String("token"), c.String("snippet"))
		},
	}
}

// watch prints frames for snippetID until ctx ends or the relay hangs up. A
// refused join ends the watch with the relay's error message.
func watch(ctx context.Context, out io.Writer, url, token, snippetID string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := wsclient.Dial(dialCtx, url, token)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Fprintf(out, "connected as %s (%s)\n", client.User().Name, client.ConnectionID())
	if err := client.JoinSnippet(snippetID); err != nil {
		return err
	}

	for {
		f, err := client.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if f.Type == protocol.TypeError {
			var e protocol.ErrorMsg
			if err := f.Decode(&e); err == nil {
				return fmt.Errorf("relay refused: %s (%s)", e.Message, e.Code)
			}
		}
		fmt.Fprintln(out, string(f.Raw))
	}
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "drive synthetic editing sessions and report fan-out latency",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "relay WebSocket URL", Value: "ws://localhost:8080/ws"},
			&cli.StringFlag{Name: "metrics-url", Usage: "relay metrics URL (empty disables scraping)", Value: "http://localhost:8080/metrics"},
			&cli.StringFlag{
				Name:     "secret",
				Usage:    "HS256 signing secret used to mint a token per user",
				EnvVars:  []string{"RELAY_AUTH_JWT_SECRET"},
				Required: true,
			},
			&cli.StringSliceFlag{Name: "user", Usage: "user id allowed to edit every snippet (repeatable)", Required: true},
			&cli.StringSliceFlag{Name: "snippet", Usage: "snippet id to edit (repeatable)", Required: true},
			&cli.IntFlag{Name: "changes", Usage: "code changes per client", Value: 100},
			&cli.DurationFlag{Name: "interval", Usage: "pause between a client's changes", Value: 50 * time.Millisecond},
			&cli.IntFlag{Name: "code-size", Usage: "bytes of code per change", Value: 2048},
			&cli.DurationFlag{Name: "settle", Usage: "wait for outstanding deliveries", Value: 5 * time.Second},
			&cli.DurationFlag{Name: "scrape-interval", Usage: "interval between metrics scrapes", Value: 2 * time.Second},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			issuer := auth.NewIssuer(c.String("secret"))
			var tokens []string
			for _, id := range c.StringSlice("user") {
				tok, err := issuer.Issue(id, time.Hour)
				if err != nil {
					return err
				}
				tokens = append(tokens, tok)
			}

			collector := loadgen.NewCollector()
			var scraper *loadgen.Scraper
			if u := c.String("metrics-url"); u != "" {
				scraper = loadgen.NewScraper(u, c.Duration("scrape-interval"))
				collector.SetScraper(scraper)
				scraper.Start(ctx)
			}

			fmt.Fprintf(c.App.Writer, "Bench: %d users x %d snippets against %s\n",
				len(tokens), len(c.StringSlice("snippet")), c.String("url"))
			err := loadgen.Run(ctx, loadgen.Config{
				URL:      c.String("url"),
				Snippets: c.StringSlice("snippet"),
				Tokens:   tokens,
				Changes:  c.Int("changes"),
				Interval: c.Duration("interval"),
				CodeSize: c.Int("code-size"),
				Settle:   c.Duration("settle"),
			}, collector)
			if scraper != nil {
				scraper.Stop()
			}
			if err != nil {
				return err
			}
			collector.Report(c.App.Writer)
			return nil
		},
	}
}
