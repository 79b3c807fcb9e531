package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/fieldlink/df1gateway/pkg/engine"
)

var writeCmd = &cobra.Command{
	Use:   "write <type> <table> <start> <values>",
	Short: "Write words or floats to a PCCC data-table range",
	Long: `Write writes comma-separated values starting at start in file
table, for one of: output, binary, register, float (spec.md's closed
write_{output,binary,register,float} vocabulary).

Example: df1gateway write register 7 0 10,20,30`,
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

func runWrite(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	logger := log.Default()

	table, start, err := parseTableStart(args[1], args[2])
	if err != nil {
		return err
	}

	c, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	var ok bool
	err = connectAndClose(c, func(c *engine.Client) error {
		var writeErr error
		ok, writeErr = dispatchWrite(c, args[0], table, start, args[3])
		return writeErr
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("df1gateway: write did not succeed")
	}
	fmt.Println("write ok")
	return nil
}

func dispatchWrite(c *engine.Client, kind string, table, start byte, valuesArg string) (bool, error) {
	if kind == "float" {
		floats, err := parseFloats(valuesArg)
		if err != nil {
			return false, err
		}
		return c.WriteFloat(table, start, floats)
	}

	words, err := parseWords(valuesArg)
	if err != nil {
		return false, err
	}
	switch kind {
	case "output":
		return c.WriteOutput(table, start, words)
	case "binary":
		return c.WriteBinary(table, start, words)
	case "register":
		return c.WriteRegister(table, start, words)
	default:
		return false, fmt.Errorf("df1gateway: unknown write type %q", kind)
	}
}

func parseWords(s string) ([]uint16, error) {
	fields := strings.Split(s, ",")
	words := make([]uint16, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("df1gateway: invalid word %q: %w", f, err)
		}
		words = append(words, uint16(v))
	}
	return words, nil
}

func parseFloats(s string) ([]float32, error) {
	fields := strings.Split(s, ",")
	values := make([]float32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, fmt.Errorf("df1gateway: invalid float %q: %w", f, err)
		}
		values = append(values, float32(v))
	}
	return values, nil
}
