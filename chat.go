package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"paperchat/internal/cli"
	"paperchat/internal/client"
	"paperchat/internal/config"
	"paperchat/internal/logger"
	"paperchat/internal/models"
	"paperchat/internal/paperchat"
	"paperchat/internal/redis"
	"paperchat/internal/storage"
)

func newChatCmd() *cobra.Command {
	var (
		pdfPath     string
		familiarity string
		goal        string
		endpoint    string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a paper in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if endpoint == "" {
				endpoint = cfg.Client.Endpoint
			}
			// keep log lines off the REPL output
			logger.SetOutput(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			kv, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			remote := client.New(endpoint, &http.Client{Timeout: cfg.Client.Timeout})
			app := paperchat.New(kv, remote, nil)
			defer app.Close()
			app.Start(ctx)

			session := cli.New(app, cmd.InOrStdin(), cmd.OutOrStdout())
			if pdfPath != "" {
				if err := session.LoadFile(ctx, pdfPath); err != nil {
					return err
				}
			}
			if familiarity != "" || goal != "" {
				p, err := parseSurveyFlags(familiarity, goal)
				if err != nil {
					return err
				}
				if err := applySurveyFlags(ctx, app, p); err != nil {
					return err
				}
			}
			return session.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&pdfPath, "pdf", "", "paper to open")
	cmd.Flags().StringVar(&familiarity, "familiarity", "", "Beginner or Expert")
	cmd.Flags().StringVar(&goal, "goal", "", `"Just skimming" or "Deep dive"`)
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "completion endpoint (overrides client.endpoint)")
	return cmd
}

func parseSurveyFlags(familiarity, goal string) (models.Preferences, error) {
	p := models.DefaultPreferences()
	if familiarity != "" {
		f, err := models.ParseFamiliarity(familiarity)
		if err != nil {
			return p, err
		}
		p.Familiarity = f
	}
	if goal != "" {
		g, err := models.ParseGoal(goal)
		if err != nil {
			return p, err
		}
		p.Goal = g
	}
	return p, nil
}

// applySurveyFlags answers a pending survey, or updates the stored
// preferences when they differ.
func applySurveyFlags(ctx context.Context, app *paperchat.App, p models.Preferences) error {
	if app.Phase() == paperchat.PhaseAwaitingSurvey {
		return app.SubmitSurvey(ctx, p)
	}
	if p == app.Preferences() {
		return nil
	}
	return app.UpdatePreferences(ctx, p)
}

// openStore returns the key-value store selected by storage.driver.
func openStore(cfg *config.Config) (storage.KV, func(), error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), func() {}, nil
	case "redis":
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("create redis client: %w", err)
		}
		return redis.NewStore(rdb, cfg.Redis.Prefix), closer(rdb), nil
	default:
		db, err := storage.Open(cfg.Storage)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := storage.Migrate(db, cfg.Storage.Driver); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		return storage.NewSQLStore(db, cfg.Storage.Driver), closer(db), nil
	}
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}
}
