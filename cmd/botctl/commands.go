package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nuwa/skyeye-bot/internal/archive"
	"github.com/nuwa/skyeye-bot/internal/intent"
	"github.com/nuwa/skyeye-bot/internal/lock"
	"github.com/nuwa/skyeye-bot/internal/notifications"
	"github.com/nuwa/skyeye-bot/internal/scheduler"
	"github.com/nuwa/skyeye-bot/internal/twitter"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Schema migrated (%s)\n", cfg.DatabaseDriver)
			return nil
		},
	}
}

func newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Sync the filtered stream rule for the bot account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if err := twitter.NewClient(cfg).SyncStreamRules(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Stream rule synced for @%s\n", cfg.TwitterBotUsername)
			return nil
		},
	}
}

func newClassifyCmd() *cobra.Command {
	var (
		hasImage bool
		strategy string
	)

	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Resolve the intent of a mention text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strategy != "" {
				cfg.IntentStrategy = strategy
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			resolver, err := intent.NewResolver(ctx, cfg)
			if err != nil {
				return err
			}

			text := strings.Join(args, " ")
			result := resolver.Resolve(ctx, text, hasImage)
			return printJSON(cmd, map[string]interface{}{
				"strategy":      cfg.IntentStrategy,
				"trigger_type":  result.TriggerType,
				"target_handle": result.TargetHandle,
				"confidence":    result.Confidence,
			})
		},
	}

	cmd.Flags().BoolVar(&hasImage, "image", false, "Treat the mention as carrying an image")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Override INTENT_STRATEGY (classifier or pattern)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check connectivity to the database and external services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			out := cmd.OutOrStdout()
			failed := 0
			report := func(name string, err error) {
				if err != nil {
					failed++
					fmt.Fprintf(out, "🔸 %-10s ❌ %v\n", name, err)
					return
				}
				fmt.Fprintf(out, "🔸 %-10s ✅\n", name)
			}

			store, err := openStore(ctx, cfg)
			report("database", err)
			if err == nil {
				store.Close()
			}

			_, err = twitter.NewClient(cfg).GetHomeTimeline(ctx, cfg.ActiveRoastTimelineSize)
			report("twitter", err)

			if cfg.RedisURL != "" {
				locker, err := lock.NewRedisLocker(ctx, cfg.RedisURL)
				report("redis", err)
				if err == nil {
					locker.Close()
				}
			} else {
				fmt.Fprintf(out, "🔸 %-10s ⚠️  DISABLED\n", "redis")
			}

			if cfg.StorageAccount != "" {
				blobArchive, err := archive.NewBlobArchive(ctx, cfg.StorageAccount, cfg.StorageContainer)
				if err == nil {
					_, err = blobArchive.List(ctx, time.Now())
				}
				report("archive", err)
			} else {
				fmt.Fprintf(out, "🔸 %-10s ⚠️  DISABLED\n", "archive")
			}

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func newReportCmd() *cobra.Command {
	var (
		period string
		send   bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Build the roast report and print or send it",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return validatePeriod(period)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			service, err := scheduler.NewService(cfg, store, notifications.NewService(cfg))
			if err != nil {
				return err
			}

			if send {
				if !cfg.NotificationsEnabled() {
					return fmt.Errorf("no notification channel configured")
				}
				if err := service.SendReport(ctx, period); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ %s report sent\n", period)
				return nil
			}

			report, err := service.BuildReport(ctx, period)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}

	cmd.Flags().StringVar(&period, "period", "weekly", "Report period (daily or weekly)")
	cmd.Flags().BoolVar(&send, "send", false, "Send via the configured notification channels instead of printing")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect the raw event archive",
	}

	var day string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived events for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseDay(day)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StorageAccount == "" {
				return fmt.Errorf("STORAGE_ACCOUNT is not configured")
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			blobArchive, err := archive.NewBlobArchive(ctx, cfg.StorageAccount, cfg.StorageContainer)
			if err != nil {
				return err
			}
			names, err := blobArchive.List(ctx, when)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&day, "day", "", "Day to list as YYYY-MM-DD (default: today, UTC)")

	archiveCmd.AddCommand(listCmd)
	return archiveCmd
}

func validatePeriod(period string) error {
	if scheduler.CronExpression(period) == "" {
		return fmt.Errorf("invalid period %q: must be daily or weekly", period)
	}
	return nil
}

func parseDay(day string) (time.Time, error) {
	if day == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", day, err)
	}
	return t, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
