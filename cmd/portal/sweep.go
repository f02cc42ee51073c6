package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/airfi/airfi-voucher-portal/internal/session"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Revoke and remove expired sessions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			enactor, err := a.enactor()
			if err != nil {
				return err
			}

			sweeper := session.NewSweeper(session.NewStore(a.db), enactor, session.SweeperConfig{}, a.logger.Named("sweeper"))
			stats := sweeper.SweepOnce(cmd.Context())

			fmt.Fprintf(cmd.OutOrStdout(), "expired %d, removed %d, failed %d, readmitted %d\n",
				stats.Expired, stats.Removed, stats.Failed, stats.Readmitted)
			if stats.Failed > 0 {
				return fmt.Errorf("%d sessions could not be revoked", stats.Failed)
			}
			return nil
		},
	}
}
