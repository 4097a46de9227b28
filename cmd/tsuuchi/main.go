// Package main is the tsuuchi CLI entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/cli"
	"github.com/hyperjump/tsuuchi/internal/config"
	"github.com/hyperjump/tsuuchi/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/tsuuchi/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// app holds the global flags shared by every command.
type app struct {
	configPath string
	debug      bool
	output     string
}

func (a *app) format() (cli.OutputFormat, error) {
	return cli.ParseOutputFormat(a.output)
}

// setup loads the config and creates a logger. Long-running commands log in production
// format; one-shot commands log warnings to stderr only.
func (a *app) setup(longRunning bool) (*config.Config, *zap.Logger, error) {
	cfg, resolved, err := loadConfig(a.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || a.debug
	var logger *zap.Logger
	if longRunning {
		logger, err = utils.NewLogger(debugMode)
	} else {
		logger, err = utils.NewCLILogger(debugMode)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	return cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "tsuuchi",
		Short: "Submission intelligence and notification pipeline",
		Long: `tsuuchi processes archive submission updates: it extracts structured fields,
evaluates every channel's subscription rule against the submission, finds similar
earlier submissions and reports the outcome.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "config file path")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&a.output, "output", string(cli.OutputText), "output format: text or json")

	root.AddCommand(
		newServeCmd(a),
		newProcessCmd(a),
		newEvalCmd(a),
		newRelatedCmd(a),
		newIndexCmd(a),
		newSubscriptionsCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tsuuchi version %s\n", version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
