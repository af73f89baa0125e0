package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/SharpBit/statsy/statsy"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader reads a password without echoing it. Replaced in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var resetCredentials bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin API credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New(
				"STATSY_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
			)
		}
		if cfg.Database == "" {
			return errors.New(
				"STATSY_DATABASE not set (must be a valid database " +
					"connection string or sqlite file path)",
			)
		}

		db, err := statsy.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		credentialsSet, err := statsy.AdminCredentialsSet(ctx, db)
		if err != nil {
			return fmt.Errorf("error checking admin credentials: %w", err)
		}

		out := cmd.OutOrStdout()
		if credentialsSet && !resetCredentials {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			username, password, promptErr := promptCredentials(cmd)
			if promptErr != nil {
				return promptErr
			}
			if err = statsy.SetAdminCredentials(ctx, db, username, password); err != nil {
				return fmt.Errorf("error saving admin credentials: %w", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

// promptCredentials reads a username from stdin, then a password twice
// until both entries match.
func promptCredentials(cmd *cobra.Command) (string, string, error) {
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	fmt.Fprint(out, "Enter admin username: ")
	username, err := reader.ReadString('\n')
	username = strings.TrimSpace(username)
	if username == "" {
		if err != nil {
			return "", "", fmt.Errorf("error reading username: %w", err)
		}
		return "", "", errors.New("username is required")
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, readErr := readPassword()
		fmt.Fprintln(out)
		if readErr != nil {
			return "", "", fmt.Errorf("error reading password: %w", readErr)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, readErr := readPassword()
		fmt.Fprintln(out)
		if readErr != nil {
			return "", "", fmt.Errorf("error reading password: %w", readErr)
		}

		password := string(passwordBytes)
		switch {
		case password == "":
			fmt.Fprintln(out, "Password can't be empty. Please try again.")
		case password != string(confirmBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		default:
			return username, password, nil
		}
	}
	return "", "", errors.New("too many attempts")
}

//nolint:gochecknoinits // cobra setup
func init() {
	initCmd.Flags().BoolVar(
		&resetCredentials,
		"reset",
		false,
		"Prompt for new admin credentials even if they're already set",
	)
	rootCmd.AddCommand(initCmd)
}
