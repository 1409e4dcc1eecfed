package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/groupwarden/groupwarden/internal/session"
	"github.com/groupwarden/groupwarden/internal/setup"
	"github.com/sourcegraph/conc/pool"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var ErrGroupRequired = errors.New("GROUP argument required")

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Setup dependencies; no platform hooks in the operator tool
	app, err := setup.InitializeApp(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer app.Cleanup(ctx)

	tenantFlag := &cli.StringFlag{
		Name:     "tenant",
		Usage:    "Tenant the operation applies to",
		Required: true,
	}

	cmd := &cli.Command{
		Name:  "groupwarden",
		Usage: "Session state management tool",
		Commands: []*cli.Command{
			{
				Name:      "phase",
				Usage:     "Show a group's session phase",
				ArgsUsage: "GROUP",
				Flags:     []cli.Flag{tenantFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					tenant, group, err := tenantAndGroup(c)
					if err != nil {
						return err
					}

					phase, ok := app.Engine.GetPhase(ctx, tenant, group)
					if !ok {
						app.Logger.Info("No session",
							zap.String("tenant", tenant),
							zap.String("group", group))
						return nil
					}

					app.Logger.Info("Session phase",
						zap.String("tenant", tenant),
						zap.String("group", group),
						zap.String("phase", string(phase)))
					return nil
				},
			},
			{
				Name:      "start",
				Usage:     "Start a collection session",
				ArgsUsage: "GROUP",
				Flags:     []cli.Flag{tenantFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					tenant, group, err := tenantAndGroup(c)
					if err != nil {
						return err
					}

					created, err := app.Engine.StartSession(ctx, tenant, group)
					if err != nil {
						return err
					}

					if !created {
						app.Logger.Info("Session already active",
							zap.String("tenant", tenant),
							zap.String("group", group))
						return nil
					}

					app.Logger.Info("Session started",
						zap.String("tenant", tenant),
						zap.String("group", group))
					return nil
				},
			},
			{
				Name:      "advance",
				Usage:     "Advance a session into the verifying phase",
				ArgsUsage: "GROUP",
				Flags:     []cli.Flag{tenantFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					tenant, group, err := tenantAndGroup(c)
					if err != nil {
						return err
					}

					return app.Engine.AdvancePhase(ctx, tenant, group)
				},
			},
			{
				Name:      "close",
				Usage:     "Close a session and archive its ledger",
				ArgsUsage: "GROUP",
				Flags:     []cli.Flag{tenantFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					tenant, group, err := tenantAndGroup(c)
					if err != nil {
						return err
					}

					ledger, err := app.Engine.CloseSession(ctx, tenant, group)
					if err != nil {
						return err
					}

					app.Logger.Info("Session closed and archived",
						zap.String("tenant", tenant),
						zap.String("group", group),
						zap.Int("records", len(ledger)))
					return nil
				},
			},
			{
				Name:      "unverified",
				Usage:     "List users still awaiting verification",
				ArgsUsage: "GROUP",
				Flags:     []cli.Flag{tenantFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					tenant, group, err := tenantAndGroup(c)
					if err != nil {
						return err
					}

					users, err := app.Engine.ListUnverified(ctx, tenant, group)
					if err != nil {
						return err
					}

					for _, user := range users {
						app.Logger.Info("Unverified user",
							zap.Uint64("user", user.UserID),
							zap.String("name", user.DisplayName),
							zap.String("handle", user.Handle))
					}

					app.Logger.Info("Unverified total", zap.Int("count", len(users)))
					return nil
				},
			},
			{
				Name:      "track-stats",
				Usage:     "Show tracked-message counts per chat",
				ArgsUsage: "CHAT...",
				Flags:     []cli.Flag{tenantFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					tenant := c.String("tenant")
					if c.Args().Len() == 0 {
						return ErrGroupRequired
					}

					for _, chat := range c.Args().Slice() {
						count, err := app.Tracker.Count(ctx, tenant, chat)
						if err != nil {
							return err
						}

						app.Logger.Info("Tracked messages",
							zap.String("chat", chat),
							zap.Int64("count", count))
					}

					return nil
				},
			},
			{
				Name:      "clear",
				Usage:     "Discard tracked-message entries for chats without deleting messages",
				ArgsUsage: "CHAT...",
				Flags:     []cli.Flag{tenantFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					tenant := c.String("tenant")
					if c.Args().Len() == 0 {
						return ErrGroupRequired
					}

					p := pool.New().WithContext(ctx).WithMaxGoroutines(4)

					for _, chat := range c.Args().Slice() {
						p.Go(func(ctx context.Context) error {
							if err := app.Tracker.Clear(ctx, tenant, chat); err != nil {
								return fmt.Errorf("failed to clear %s: %w", chat, err)
							}

							app.Logger.Info("Cleared tracked entries", zap.String("chat", chat))
							return nil
						})
					}

					return p.Wait()
				},
			},
			{
				Name:      "history",
				Usage:     "Show a group's archived sessions",
				ArgsUsage: "GROUP",
				Flags: []cli.Flag{
					tenantFlag,
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum sessions to show",
						Value: 10,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					tenant, group, err := tenantAndGroup(c)
					if err != nil {
						return err
					}

					sessions, err := app.Archive.GetSessions(ctx, tenant, group, int(c.Int("limit")))
					if err != nil {
						return err
					}

					for _, s := range sessions {
						app.Logger.Info("Archived session",
							zap.String("session", s.SessionID),
							zap.Time("closed_at", s.ClosedAt),
							zap.Int("records", len(s.Ledger)),
							zap.Int("participants", participantCount(s.Ledger)))
					}

					return nil
				},
			},
		},
	}

	return cmd.Run(ctx, os.Args)
}

func tenantAndGroup(c *cli.Command) (string, string, error) {
	if c.Args().Len() != 1 {
		return "", "", ErrGroupRequired
	}

	return c.String("tenant"), c.Args().First(), nil
}

func participantCount(ledger []session.MessageRecord) int {
	users := make(map[uint64]struct{}, len(ledger))
	for _, record := range ledger {
		users[record.UserID] = struct{}{}
	}

	return len(users)
}
