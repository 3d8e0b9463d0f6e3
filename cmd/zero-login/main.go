package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/gematik/zero-login/pkg/prettylog"
	"github.com/gematik/zero-login/pkg/util"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "zero-login",
	Short:        "OpenID Connect login for relying parties",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", util.GetEnv("ZERO_LOGIN_CONFIG", "config.yaml"), "path to the configuration file")
}

func main() {
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		level = slog.LevelDebug
	}
	if os.Getenv("PRETTY_LOGS") != "false" {
		slog.SetDefault(slog.New(prettylog.NewHandler(level)))
	} else {
		slog.SetLogLoggerLevel(level)
	}

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
