package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reqforge/gateway/internal/auth"
	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/storage/sqlite"
)

const keyPrefix = "rf_live_"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keygen",
		Short:         "Generate and hash gateway API keys",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newHashCmd(), newNewCmd(), newIssueCmd())
	return root
}

func newHashCmd() *cobra.Command {
	var legacy bool
	cmd := &cobra.Command{
		Use:   "hash <api-key>",
		Short: "Print the stored hash of an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sha256: %s\n", auth.HashAPIKey(args[0]))
			if legacy {
				h, err := auth.HashLegacyAPIKey(args[0])
				if err != nil {
					return fmt.Errorf("bcrypt: %w", err)
				}
				fmt.Fprintf(out, "bcrypt: %s\n", h)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&legacy, "legacy", false, "also print a bcrypt hash")
	return cmd
}

func newNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Mint a random API key and print it with its hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := mintKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key:    %s\nsha256: %s\n", key, auth.HashAPIKey(key))
			return nil
		},
	}
}

type issueFlags struct {
	db          string
	userID      string
	email       string
	role        string
	workspaceID string
	ttl         time.Duration
}

func newIssueCmd() *cobra.Command {
	var f issueFlags
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a user API key and store its hash in the gateway database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.New(f.db)
			if err != nil {
				return err
			}
			defer store.Close()

			key, err := mintKey()
			if err != nil {
				return err
			}
			rec := &domain.APIKeyRecord{
				UserID:      f.userID,
				Email:       f.email,
				Role:        domain.Role(f.role),
				WorkspaceID: f.workspaceID,
				KeyHash:     auth.HashAPIKey(key),
			}
			if f.ttl > 0 {
				exp := time.Now().Add(f.ttl)
				rec.ExpiresAt = &exp
			}
			if err := store.PutAPIKey(context.Background(), rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", rec.ID, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.db, "db", "gateway.db", "gateway SQLite database path")
	cmd.Flags().StringVar(&f.userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&f.email, "email", "", "owning account email")
	cmd.Flags().StringVar(&f.role, "role", "user", "role recorded on the key")
	cmd.Flags().StringVar(&f.workspaceID, "workspace", "", "workspace id")
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "key lifetime, zero for no expiry")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func mintKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
