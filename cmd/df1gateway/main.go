package main

import (
	"os"

	"github.com/charmbracelet/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("df1gateway exited with error", "err", err)
		os.Exit(1)
	}
}
