package engine

import (
	"github.com/fieldlink/df1gateway/pkg/df1proto/frame"
	"github.com/fieldlink/df1gateway/pkg/df1proto/pccc"
)

// ReadResult is the status-return counterpart to the error a Read*
// helper also returns, per spec.md §7: "Read helpers additionally
// expose a boolean read_ok and a data field for callers that prefer
// status-return over exceptions."
type ReadResult struct {
	OK     bool
	Words  []uint16
	Floats []float32
}

// TimerCategory selects which sub-field of a TIMER word read_timer
// projects, per df1_base.py's TIMER enum.
type TimerCategory int

const (
	TimerEN TimerCategory = iota
	TimerTI
	TimerDN
	TimerPRE
	TimerACC
	TimerSTATUS
)

// CounterCategory selects which sub-field of a COUNTER word
// read_counter projects, per df1_base.py's COUNTER enum.
type CounterCategory int

const (
	CounterCU CounterCategory = iota
	CounterCD
	CounterDN
	CounterOV
	CounterUN
	CounterUA
	CounterPRE
	CounterACC
	CounterSTATUS
)

func (c *Client) readWords(table, start, startSub byte, ft pccc.FileType, count int) (ReadResult, error) {
	cmd, err := c.CreateCommand(func(tns uint16) (*pccc.Command, error) {
		return pccc.Command0FA2(c.cfg.Dst, c.cfg.Src, tns, byte(count*2), table, ft, start, startSub)
	})
	if err != nil {
		return ReadResult{}, err
	}
	reply, err := c.SendCommand(cmd)
	if err != nil {
		return ReadResult{}, err
	}
	values, err := pccc.DecodeReply4F(reply.Data, pccc.FileTypeInteger)
	if err != nil {
		return ReadResult{}, err
	}
	ok := len(values.Words) > 0 && reply.Tns == cmd.Tns
	if !ok {
		return ReadResult{}, nil
	}
	return ReadResult{OK: true, Words: values.Words}, nil
}

func (c *Client) readFloats(table, start, startSub byte, count int) (ReadResult, error) {
	cmd, err := c.CreateCommand(func(tns uint16) (*pccc.Command, error) {
		return pccc.Command0FA2(c.cfg.Dst, c.cfg.Src, tns, byte(count*4), table, pccc.FileTypeFloat, start, startSub)
	})
	if err != nil {
		return ReadResult{}, err
	}
	reply, err := c.SendCommand(cmd)
	if err != nil {
		return ReadResult{}, err
	}
	values, err := pccc.DecodeReply4F(reply.Data, pccc.FileTypeFloat)
	if err != nil {
		return ReadResult{}, err
	}
	ok := len(values.Floats) > 0 && reply.Tns == cmd.Tns
	if !ok {
		return ReadResult{}, nil
	}
	return ReadResult{OK: true, Floats: values.Floats}, nil
}

func projectBits(words []uint16, bit pccc.Bit) []uint16 {
	if bit == pccc.BitALL {
		return words
	}
	out := make([]uint16, len(words))
	for i, w := range words {
		out[i] = pccc.BitInspect(w, bit)
	}
	return out
}

// ReadOutput reads O:file_table/start as whole words (bit == pccc.BitALL)
// or a single bit projected out of every word read.
func (c *Client) ReadOutput(table, start byte, bit pccc.Bit, count int) (ReadResult, error) {
	res, err := c.readWords(table, start, 0x00, pccc.FileTypeOutLogic, count)
	if err != nil || !res.OK {
		return res, err
	}
	res.Words = projectBits(res.Words, bit)
	return res, nil
}

// ReadInput reads I:file_table/start.
func (c *Client) ReadInput(table, start byte, bit pccc.Bit, count int) (ReadResult, error) {
	res, err := c.readWords(table, start, 0x00, pccc.FileTypeInLogic, count)
	if err != nil || !res.OK {
		return res, err
	}
	res.Words = projectBits(res.Words, bit)
	return res, nil
}

// ReadBinary reads B:file_table/start.
func (c *Client) ReadBinary(table, start byte, bit pccc.Bit, count int) (ReadResult, error) {
	res, err := c.readWords(table, start, 0x00, pccc.FileTypeBit, count)
	if err != nil || !res.OK {
		return res, err
	}
	res.Words = projectBits(res.Words, bit)
	return res, nil
}

// ReadRegister reads R:file_table/start (CONTROL file type).
func (c *Client) ReadRegister(table, start byte, count int) (ReadResult, error) {
	return c.readWords(table, start, 0x00, pccc.FileTypeControl, count)
}

// ReadInteger reads N:file_table/start.
func (c *Client) ReadInteger(table, start byte, count int) (ReadResult, error) {
	return c.readWords(table, start, 0x00, pccc.FileTypeInteger, count)
}

// ReadFloat reads F:file_table/start.
func (c *Client) ReadFloat(table, start byte, count int) (ReadResult, error) {
	return c.readFloats(table, start, 0x00, count)
}

// timerSub maps a TimerCategory onto the start_sub address field the
// wire protocol actually reads (PRE, ACC) or the status word (everything
// else), per df1_base.py's read_timer.
func timerSub(category TimerCategory) byte {
	switch category {
	case TimerPRE:
		return 1
	case TimerACC:
		return 2
	default:
		return 0
	}
}

// ReadTimer reads T:file_table/start and projects the requested category
// out of the status nibble (EN/TI/DN) or returns PRE/ACC/the whole
// status word untouched.
func (c *Client) ReadTimer(table, start byte, category TimerCategory, count int) (ReadResult, error) {
	res, err := c.readWords(table, start, timerSub(category), pccc.FileTypeTimer, count)
	if err != nil || !res.OK {
		return res, err
	}
	if category == TimerPRE || category == TimerACC {
		return res, nil
	}
	out := make([]uint16, len(res.Words))
	for i, w := range res.Words {
		status := w >> 12
		switch category {
		case TimerEN:
			status = (status >> 3) & 1
		case TimerTI:
			status = (status >> 2) & 1
		case TimerDN:
			status = (status >> 1) & 1
		}
		out[i] = status
	}
	res.Words = out
	return res, nil
}

// counterSub mirrors timerSub for COUNTER reads.
func counterSub(category CounterCategory) byte {
	switch category {
	case CounterPRE:
		return 1
	case CounterACC:
		return 2
	default:
		return 0
	}
}

// ReadCounter reads C:file_table/start and projects the requested
// category out of the status bits (CU/CD/DN/OV/UN/UA) or returns
// PRE/ACC/the whole status word untouched.
func (c *Client) ReadCounter(table, start byte, category CounterCategory, count int) (ReadResult, error) {
	res, err := c.readWords(table, start, counterSub(category), pccc.FileTypeCounter, count)
	if err != nil || !res.OK {
		return res, err
	}
	if category == CounterPRE || category == CounterACC {
		return res, nil
	}
	out := make([]uint16, len(res.Words))
	for i, w := range res.Words {
		status := w >> 10
		switch category {
		case CounterCU:
			status = (status >> 5) & 1
		case CounterCD:
			status = (status >> 4) & 1
		case CounterDN:
			status = (status >> 3) & 1
		case CounterOV:
			status = (status >> 2) & 1
		case CounterUN:
			status = (status >> 1) & 1
		case CounterUA:
			status = status & 1
		}
		out[i] = status
	}
	res.Words = out
	return res, nil
}

func (c *Client) writeWords(table, start byte, ft pccc.FileType, words []uint16) (bool, error) {
	cmd, err := c.CreateCommand(func(tns uint16) (*pccc.Command, error) {
		return pccc.Command0FAA(c.cfg.Dst, c.cfg.Src, tns, table, ft, start, 0x00, words)
	})
	if err != nil {
		return false, err
	}
	reply, err := c.SendCommand(cmd)
	if err != nil {
		return false, err
	}
	return reply.Kind == frame.KindData, nil
}

// WriteOutput writes whole words to O:file_table/start (OUT_LOGIC).
func (c *Client) WriteOutput(table, start byte, words []uint16) (bool, error) {
	return c.writeWords(table, start, pccc.FileTypeOutLogic, words)
}

// WriteBinary writes whole words to B:file_table/start (BIT).
func (c *Client) WriteBinary(table, start byte, words []uint16) (bool, error) {
	return c.writeWords(table, start, pccc.FileTypeBit, words)
}

// WriteRegister writes whole words to R:file_table/start (CONTROL).
func (c *Client) WriteRegister(table, start byte, words []uint16) (bool, error) {
	return c.writeWords(table, start, pccc.FileTypeControl, words)
}

// WriteFloat writes IEEE-754 singles to F:file_table/start.
func (c *Client) WriteFloat(table, start byte, values []float32) (bool, error) {
	cmd, err := c.CreateCommand(func(tns uint16) (*pccc.Command, error) {
		return pccc.Command0FAAFloat(c.cfg.Dst, c.cfg.Src, tns, table, start, 0x00, values)
	})
	if err != nil {
		return false, err
	}
	reply, err := c.SendCommand(cmd)
	if err != nil {
		return false, err
	}
	return reply.Kind == frame.KindData, nil
}
