package main

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/lexisync/internal/auth"
	"github.com/and161185/lexisync/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token for a user (development and ops)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		raw, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		user := uuid.Must(uuid.NewV4())
		if raw != "" {
			if user, err = uuid.FromString(raw); err != nil {
				return fmt.Errorf("bad --user: %w", err)
			}
		}
		if ttl <= 0 {
			ttl = cfg.Auth.AccessTTL
		}
		tok, err := auth.Issue([]byte(cfg.Auth.JWTKey), user, ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user:  %s\ntoken: %s\n", user, tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user id (uuid); a new one is generated when empty")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime; defaults to auth.access_ttl")
}
