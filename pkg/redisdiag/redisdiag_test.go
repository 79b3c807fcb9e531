package redisdiag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand_Read(t *testing.T) {
	cmd, err := ParseCommand("read_integer:7:0:4")
	require.NoError(t, err)
	require.Equal(t, Command{Op: "read_integer", Table: 7, Start: 0, Count: 4}, cmd)
}

func TestParseCommand_Write(t *testing.T) {
	cmd, err := ParseCommand("write_register:8:0:10,20,30")
	require.NoError(t, err)
	require.Equal(t, "write_register", cmd.Op)
	require.Equal(t, byte(8), cmd.Table)
	require.Equal(t, byte(0), cmd.Start)
	require.Equal(t, []uint16{10, 20, 30}, cmd.Words)
}

func TestParseCommand_MalformedRejected(t *testing.T) {
	_, err := ParseCommand("read_integer:7")
	require.Error(t, err)

	_, err = ParseCommand("read_integer:notanumber:0:4")
	require.Error(t, err)

	_, err = ParseCommand("write_register:8:0:notaword")
	require.Error(t, err)
}

func TestParseCommand_WriteOpDetection(t *testing.T) {
	for _, op := range []string{"write_output", "write_binary", "write_register"} {
		cmd, err := ParseCommand(op + ":1:2:100")
		require.NoError(t, err)
		require.Equal(t, []uint16{100}, cmd.Words)
	}
	cmd, err := ParseCommand("read_float:1:2:3")
	require.NoError(t, err)
	require.Equal(t, 3, cmd.Count)
}

func TestParseCommand_WriteFloatParsesFloats(t *testing.T) {
	cmd, err := ParseCommand("write_float:1:2:3.5,-1.25")
	require.NoError(t, err)
	require.Equal(t, []float32{3.5, -1.25}, cmd.Floats)
	require.Nil(t, cmd.Words)
}
