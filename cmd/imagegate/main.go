package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ineyio/imagegate"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	envFile    string
	logLevel   string
	logJSON    bool

	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "imagegate",
		Short:         "Admission control for paid AI image generation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(g.envFile); err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), g.logLevel, g.logJSON)
			if err != nil {
				return err
			}
			g.logger = logger
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "path to imagegate config file")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the config is read")
	pf.StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.BoolVar(&g.logJSON, "log-json", false, "write logs as JSON")

	root.AddCommand(
		newValidateCmd(g),
		newEstimateCmd(g),
		newGenerateCmd(g),
		newBudgetCmd(g),
		newSchedulerCmd(g),
		newAuditCmd(g),
	)
	return root
}

// loadEnvFile exports the variables of a dotenv file so ${VAR} references in
// the config resolve. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func newLogger(w io.Writer, level string, json bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// loadConfig reads --config, or returns the defaults when none was given.
func (g *globals) loadConfig() (imagegate.Config, error) {
	if g.configPath == "" {
		return imagegate.DefaultConfig(), nil
	}
	return imagegate.LoadConfig(g.configPath)
}
