package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/cli"
	"github.com/hyperjump/tsuuchi/internal/config"
	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/internal/pipeline"
	"github.com/hyperjump/tsuuchi/internal/sandbox"
	"github.com/hyperjump/tsuuchi/internal/storage"
)

// withComponents runs fn with fully initialized components and the requested output format.
func (a *app) withComponents(cmd *cobra.Command, fn func(c *Components, format cli.OutputFormat) error) error {
	format, err := a.format()
	if err != nil {
		return err
	}
	cfg, logger, err := a.setup(false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	c, err := initializeComponents(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c, format)
}

// withStorage runs fn with only the database open.
func (a *app) withStorage(fn func(cfg *config.Config, store *storage.SQLiteStorage, logger *zap.Logger, format cli.OutputFormat) error) error {
	format, err := a.format()
	if err != nil {
		return err
	}
	cfg, logger, err := a.setup(false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	return fn(cfg, store, logger, format)
}

func newProcessCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "process FILE",
		Short: "Process one submission file: extract, match subscriptions, find related and index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := pipeline.ReadSubmissionFile(args[0])
			if err != nil {
				return err
			}
			return a.withComponents(cmd, func(c *Components, format cli.OutputFormat) error {
				if err := c.LoadVectors(cmd.Context()); err != nil {
					c.Logger.Warn("vector index unavailable", zap.Error(err))
				}
				out := c.Pipeline.Process(cmd.Context(), sub)
				c.PersistVectors()
				return cli.WriteOutcome(cmd.OutOrStdout(), out, format)
			})
		},
	}
}

// ruleCode returns the rule source from --code or --code-file.
func ruleCode(code, codeFile string) (string, error) {
	switch {
	case code != "" && codeFile != "":
		return "", errors.New("use either --code or --code-file, not both")
	case codeFile != "":
		data, err := os.ReadFile(codeFile)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case strings.TrimSpace(code) == "":
		return "", errors.New("rule code is required (--code or --code-file)")
	default:
		return code, nil
	}
}

func newEvalCmd(a *app) *cobra.Command {
	var code, codeFile string
	cmd := &cobra.Command{
		Use:   "eval FILE",
		Short: "Evaluate a rule against a submission file without storing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := ruleCode(code, codeFile)
			if err != nil {
				return err
			}
			sub, err := pipeline.ReadSubmissionFile(args[0])
			if err != nil {
				return err
			}
			return a.withStorage(func(cfg *config.Config, store *storage.SQLiteStorage, logger *zap.Logger, format cli.OutputFormat) error {
				sb, err := newRuleSandbox(cfg, logger)
				if err != nil {
					return err
				}
				archive, category, err := store.ResolveNames(cmd.Context(), sub)
				if err != nil {
					logger.Warn("name lookup failed", zap.Error(err))
					archive, category = sub.ArchiveChannelID, sub.CategoryID
				}
				res := sb.EvaluateRule(cmd.Context(), models.SubscriptionRule{ChannelID: dryRunChannel, Code: src},
					sandbox.BindingsFor(sub, archive, category))
				return cli.WriteMatchResult(cmd.OutOrStdout(), &res, format)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "rule source")
	cmd.Flags().StringVar(&codeFile, "code-file", "", "file containing the rule source")
	return cmd
}

const dryRunChannel = "dry-run"

func newRelatedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "related FILE",
		Short: "List earlier submissions similar to a submission file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := pipeline.ReadSubmissionFile(args[0])
			if err != nil {
				return err
			}
			return a.withComponents(cmd, func(c *Components, format cli.OutputFormat) error {
				if c.Finder == nil {
					return errors.New("related lookup is disabled (match.related_enabled: false)")
				}
				if err := c.LoadVectors(cmd.Context()); err != nil {
					return err
				}
				entries, err := c.Finder.Related(cmd.Context(), sub)
				if err != nil {
					return err
				}
				return cli.WriteRelated(cmd.OutOrStdout(), entries, format)
			})
		},
	}
}

func newIndexCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the search indices",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the vector and keyword indices from stored submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withComponents(cmd, func(c *Components, format cli.OutputFormat) error {
				n, err := c.Indexer.Rebuild(cmd.Context())
				if err != nil {
					return err
				}
				c.PersistVectors()
				if format == cli.OutputJSON {
					return cli.WriteJSON(cmd.OutOrStdout(), map[string]int{"vectors": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt vector index with %d entries\n", n)
				return nil
			})
		},
	})
	return cmd
}

func newSubscriptionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Manage channel subscription rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List subscriptions in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStorage(func(_ *config.Config, store *storage.SQLiteStorage, _ *zap.Logger, format cli.OutputFormat) error {
				rules, err := store.Subscriptions(cmd.Context())
				if err != nil {
					return err
				}
				return cli.WriteSubscriptions(cmd.OutOrStdout(), rules, format)
			})
		},
	})

	var code, codeFile string
	var users []string
	add := &cobra.Command{
		Use:   "add CHANNEL",
		Short: "Create or replace the rule for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := ruleCode(code, codeFile)
			if err != nil {
				return err
			}
			return a.withStorage(func(_ *config.Config, store *storage.SQLiteStorage, _ *zap.Logger, _ cli.OutputFormat) error {
				rule := models.SubscriptionRule{ChannelID: args[0], Code: src, SubscribedUserIDs: users}
				if err := store.PutSubscription(cmd.Context(), rule); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved subscription for %s\n", args[0])
				return nil
			})
		},
	}
	add.Flags().StringVar(&code, "code", "", "rule source")
	add.Flags().StringVar(&codeFile, "code-file", "", "file containing the rule source")
	add.Flags().StringSliceVar(&users, "user", nil, "subscribed user id (repeatable)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove CHANNEL",
		Short: "Delete the rule for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStorage(func(_ *config.Config, store *storage.SQLiteStorage, _ *zap.Logger, _ cli.OutputFormat) error {
				if err := store.DeleteSubscription(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed subscription for %s\n", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "name archive|category ID NAME",
		Short: "Set the display name rules see for an archive channel or category",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind storage.NameKind
			switch args[0] {
			case "archive":
				kind = storage.NameArchiveChannel
			case "category":
				kind = storage.NameCategory
			default:
				return fmt.Errorf("unknown name kind %q; use archive or category", args[0])
			}
			return a.withStorage(func(_ *config.Config, store *storage.SQLiteStorage, _ *zap.Logger, _ cli.OutputFormat) error {
				return store.SetName(cmd.Context(), kind, args[1], args[2])
			})
		},
	})
	return cmd
}
