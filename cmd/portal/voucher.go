package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/airfi/airfi-voucher-portal/internal/voucher"
)

func newVoucherCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voucher",
		Short: "Manage vouchers",
	}
	cmd.AddCommand(newVoucherIssueCommand(), newVoucherListCommand(), newVoucherImportCommand())
	return cmd
}

func newVoucherIssueCommand() *cobra.Command {
	var count, minutes int
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue new vouchers and print their codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("--count must be at least 1")
			}
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ledger := a.ledger()
			for i := 0; i < count; i++ {
				v, err := ledger.Issue(cmd.Context(), minutes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d min\n", v.Code, v.DurationMinutes)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of vouchers")
	cmd.Flags().IntVarP(&minutes, "duration", "d", 0, "access minutes per voucher (default from config)")
	return cmd
}

var voucherHeader = table.Row{
	"Code",
	"Minutes",
	"Redeemed By",
	"Redeemed At",
	"Created",
}

func newVoucherListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the newest vouchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			vouchers, err := a.ledger().List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(voucherHeader)
			for _, v := range vouchers {
				redeemedAt := "-"
				if v.RedeemedAt != nil {
					redeemedAt = v.RedeemedAt.Local().Format(time.DateTime)
				}
				redeemedBy := v.RedeemedBy
				if redeemedBy == "" {
					redeemedBy = "-"
				}
				t.AppendRow(table.Row{
					v.Code,
					v.DurationMinutes,
					redeemedBy,
					redeemedAt,
					v.CreatedAt.Local().Format(time.DateTime),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "maximum number of vouchers")
	return cmd
}

func newVoucherImportCommand() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import pre-printed codes, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if minutes > voucher.MaxDurationMinutes {
				return fmt.Errorf("--duration must be at most %d minutes", voucher.MaxDurationMinutes)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ledger := a.ledger()
			added, skipped := 0, 0
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				code := strings.ToUpper(strings.TrimSpace(sc.Text()))
				if code == "" || strings.HasPrefix(code, "#") {
					continue
				}
				_, err := ledger.Add(cmd.Context(), code, minutes)
				if errors.Is(err, voucher.ErrDuplicate) {
					skipped++
					continue
				}
				if err != nil {
					return err
				}
				added++
			}
			if err := sc.Err(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %d vouchers, %d already present\n", added, skipped)
			return nil
		},
	}
	cmd.Flags().IntVarP(&minutes, "duration", "d", 0, "access minutes per voucher (default from config)")
	return cmd
}
