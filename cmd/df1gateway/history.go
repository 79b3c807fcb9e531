package main

import (
	"encoding/hex"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/fieldlink/df1gateway/pkg/engine"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Connect briefly and print the comm_history ring buffer",
	Long: `History opens the configured transport, waits for the
comm-clear interlock, then prints whatever in/out frames have
accumulated in the engine's comm_history ring buffer before exiting.
Mainly useful for confirming a link is alive and framing correctly.`,
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	logger := log.Default()

	c, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	return connectAndClose(c, func(c *engine.Client) error {
		for _, e := range c.History().Snapshot() {
			fmt.Printf("%s %-5s tns=%-5d %s\n", e.Timestamp.Format("15:04:05.000"), e.Direction, e.Tns, hex.EncodeToString(e.Bytes))
		}
		return nil
	})
}
