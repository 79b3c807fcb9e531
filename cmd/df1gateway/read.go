package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/fieldlink/df1gateway/pkg/df1proto/pccc"
	"github.com/fieldlink/df1gateway/pkg/engine"
)

var (
	readBit      int
	readCategory string
)

var readCmd = &cobra.Command{
	Use:   "read <type> <table> <start> <count>",
	Short: "Read a PCCC data-table range and print the values",
	Long: `Read reads count words (or, for float, count IEEE-754 singles)
starting at start in file table, for one of:

  output, input, binary, register, integer, float, timer, counter

--bit projects a single bit out of each word read (output/input/binary
only); --category selects a TIMER (EN/TI/DN/PRE/ACC/STATUS) or COUNTER
(CU/CD/DN/OV/UN/UA/PRE/ACC/STATUS) sub-field.`,
	Args: cobra.ExactArgs(4),
	RunE: runRead,
}

func init() {
	readCmd.Flags().IntVar(&readBit, "bit", -1, "project a single bit (0-15) out of each word; -1 reads the whole word")
	readCmd.Flags().StringVar(&readCategory, "category", "status", "TIMER/COUNTER sub-field: en, ti, dn, pre, acc, status (or cu, cd, ov, un, ua for COUNTER)")
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	logger := log.Default()

	table, start, err := parseTableStart(args[1], args[2])
	if err != nil {
		return err
	}
	count, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("df1gateway: invalid count %q: %w", args[3], err)
	}

	c, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	var res engine.ReadResult
	err = connectAndClose(c, func(c *engine.Client) error {
		var readErr error
		res, readErr = dispatchRead(c, args[0], table, start, count)
		return readErr
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("df1gateway: read did not complete (read_ok=false)")
	}
	printReadResult(res)
	return nil
}

func dispatchRead(c *engine.Client, kind string, table, start byte, count int) (engine.ReadResult, error) {
	bit := pccc.Bit(readBit)
	if readBit < 0 {
		bit = pccc.BitALL
	}
	switch kind {
	case "output":
		return c.ReadOutput(table, start, bit, count)
	case "input":
		return c.ReadInput(table, start, bit, count)
	case "binary":
		return c.ReadBinary(table, start, bit, count)
	case "register":
		return c.ReadRegister(table, start, count)
	case "integer":
		return c.ReadInteger(table, start, count)
	case "float":
		return c.ReadFloat(table, start, count)
	case "timer":
		cat, err := parseTimerCategory(readCategory)
		if err != nil {
			return engine.ReadResult{}, err
		}
		return c.ReadTimer(table, start, cat, count)
	case "counter":
		cat, err := parseCounterCategory(readCategory)
		if err != nil {
			return engine.ReadResult{}, err
		}
		return c.ReadCounter(table, start, cat, count)
	default:
		return engine.ReadResult{}, fmt.Errorf("df1gateway: unknown read type %q", kind)
	}
}

func parseTableStart(tableStr, startStr string) (byte, byte, error) {
	table, err := strconv.ParseUint(tableStr, 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("df1gateway: invalid table %q: %w", tableStr, err)
	}
	start, err := strconv.ParseUint(startStr, 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("df1gateway: invalid start %q: %w", startStr, err)
	}
	return byte(table), byte(start), nil
}

func parseTimerCategory(s string) (engine.TimerCategory, error) {
	switch s {
	case "en":
		return engine.TimerEN, nil
	case "ti":
		return engine.TimerTI, nil
	case "dn":
		return engine.TimerDN, nil
	case "pre":
		return engine.TimerPRE, nil
	case "acc":
		return engine.TimerACC, nil
	case "status":
		return engine.TimerSTATUS, nil
	default:
		return 0, fmt.Errorf("df1gateway: unknown timer category %q", s)
	}
}

func parseCounterCategory(s string) (engine.CounterCategory, error) {
	switch s {
	case "cu":
		return engine.CounterCU, nil
	case "cd":
		return engine.CounterCD, nil
	case "dn":
		return engine.CounterDN, nil
	case "ov":
		return engine.CounterOV, nil
	case "un":
		return engine.CounterUN, nil
	case "ua":
		return engine.CounterUA, nil
	case "pre":
		return engine.CounterPRE, nil
	case "acc":
		return engine.CounterACC, nil
	case "status":
		return engine.CounterSTATUS, nil
	default:
		return 0, fmt.Errorf("df1gateway: unknown counter category %q", s)
	}
}

func printReadResult(res engine.ReadResult) {
	if len(res.Floats) > 0 {
		for i, f := range res.Floats {
			fmt.Printf("[%d] %g\n", i, f)
		}
		return
	}
	for i, w := range res.Words {
		fmt.Printf("[%d] %d (0x%04x)\n", i, w, w)
	}
}
