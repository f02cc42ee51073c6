// Package main provides the entry point for the AirFi voucher portal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	v       = viper.New()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "portal",
		Short:         "AirFi voucher captive portal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./config/config.yaml)")
	root.PersistentFlags().String("db", "", "SQLite database path")
	_ = v.BindPFlag("db.path", root.PersistentFlags().Lookup("db"))

	root.AddCommand(
		newServeCommand(),
		newVoucherCommand(),
		newSweepCommand(),
		newTokenCommand(),
		newGenkeyCommand(),
	)
	return root
}
