package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"paperchat/internal/config"
	"paperchat/internal/logger"
)

var cfgPath string

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "paperchat",
		Short:         "Chat with research papers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (defaults to $PAPERCHAT_CONFIG or ./config.json)")
	root.AddCommand(newServeCmd(), newChatCmd())

	if err := root.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
