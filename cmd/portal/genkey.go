package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/airfi/airfi-voucher-portal/internal/auth"
	"github.com/airfi/airfi-voucher-portal/internal/config"
)

func newGenkeyCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate the ES256 key pair that signs dashboard tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			privPath, pubPath := cfg.Auth.PrivateKeyPath, cfg.Auth.PublicKeyPath

			if !force {
				if _, err := os.Stat(privPath); err == nil {
					return fmt.Errorf("%s already exists, use --force to replace it", privPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}

			kp, err := auth.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := kp.SaveKeys(privPath, pubPath); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "=== Dashboard Signing Keys ===")
			fmt.Fprintf(cmd.OutOrStdout(), "Private Key: %s\n", privPath)
			fmt.Fprintf(cmd.OutOrStdout(), "Public Key:  %s\n", pubPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing keys")
	return cmd
}
