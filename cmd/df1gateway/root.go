package main

import (
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldlink/df1gateway/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "df1gateway",
	Short: "DF1 half-duplex serial/TCP gateway for Allen-Bradley PCCC commands",
	Long: `df1gateway speaks Allen-Bradley's DF1 point-to-point protocol to a
PLC over a direct serial link or a serial-to-TCP adapter, exposing PCCC
data-table reads and writes, a Prometheus diagnostics endpoint, and an
optional Redis command queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	if err := config.BindFlags(rootCmd, viper.New()); err != nil {
		log.Fatal("failed to register flags", "err", err)
	}
	rootCmd.AddCommand(serveCmd, readCmd, writeCmd, historyCmd)
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg, err := config.Load(cmd.Root())
	if err != nil {
		log.Fatal("failed to load configuration", "err", err)
	}
	return cfg
}
