package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/SharpBit/statsy/statsy"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var shortcutCmd = &cobra.Command{
	Use:   "shortcut",
	Short: "Manage tag shortcuts",
	Long: "List, set or delete the shortcut aliases accepted in place of " +
		"a tag. Running bots sharing a postgres database are told to reload.",
}

var shortcutListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shortcuts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withShortcutDB(
			cmd, func(ctx context.Context, db *gorm.DB) error {
				entries, err := statsy.LoadShortcuts(ctx, db)
				if err != nil {
					return err
				}
				printShortcuts(cmd.OutOrStdout(), entries)
				return nil
			},
		)
	},
}

var shortcutSetCmd = &cobra.Command{
	Use:   "set <alias> <tag>",
	Short: "Create or update a shortcut",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := statsy.NewTagValidator(nil).Validate(args[1])
		if err != nil {
			return fmt.Errorf("invalid tag %q: %w", args[1], err)
		}
		return withShortcutDB(
			cmd, func(ctx context.Context, db *gorm.DB) error {
				dbi := statsy.NewDatabase(db, nil, cfg.DatabaseType == "postgres")
				if e := statsy.SaveShortcut(ctx, dbi, args[0], tag); e != nil {
					return e
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Set shortcut %s -> %s\n", args[0], tag.Display())
				return statsy.NotifyShortcutsChanged(ctx, cfg.DatabaseType, db)
			},
		)
	},
}

var shortcutDeleteCmd = &cobra.Command{
	Use:   "delete <alias>",
	Short: "Delete a shortcut",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShortcutDB(
			cmd, func(ctx context.Context, db *gorm.DB) error {
				dbi := statsy.NewDatabase(db, nil, cfg.DatabaseType == "postgres")
				deleted, err := statsy.DeleteShortcut(ctx, dbi, args[0])
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("shortcut %q not found", args[0])
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted shortcut %s\n", args[0])
				return statsy.NotifyShortcutsChanged(ctx, cfg.DatabaseType, db)
			},
		)
	},
}

func withShortcutDB(cmd *cobra.Command, f func(context.Context, *gorm.DB) error) error {
	if cfg.DatabaseType == "" || cfg.Database == "" {
		return errors.New("database type and database must be set")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := statsy.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer func() {
		if sqlDB, e := db.DB(); e == nil {
			_ = sqlDB.Close()
		}
	}()
	return f(ctx, db)
}

func printShortcuts(w io.Writer, entries map[string]statsy.Tag) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "No shortcuts set.")
		return
	}
	aliases := make([]string, 0, len(entries))
	for alias := range entries {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", alias, entries[alias].Display())
	}
}

//nolint:gochecknoinits // cobra setup
func init() {
	shortcutCmd.AddCommand(shortcutListCmd, shortcutSetCmd, shortcutDeleteCmd)
	rootCmd.AddCommand(shortcutCmd)
}
