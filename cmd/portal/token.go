package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/airfi/airfi-voucher-portal/internal/auth"
	"github.com/airfi/airfi-voucher-portal/internal/config"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dashboard token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}

			keyPair, err := auth.LoadKeyPair(cfg.Auth.PrivateKeyPath, cfg.Auth.PublicKeyPath)
			if err != nil {
				return fmt.Errorf("failed to load signing keys (run `portal genkey` first): %w", err)
			}

			token, err := auth.NewJWTService(keyPair, cfg.Auth.Issuer).GenerateToken(subject, "admin", ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config)")
	return cmd
}
