package frame

import (
	"testing"

	"github.com/fieldlink/df1gateway/pkg/df1proto/pccc"
	"github.com/fieldlink/df1gateway/pkg/df1proto/symbol"
	"github.com/stretchr/testify/require"
)

// TestEncode_IntegerReadScenario is spec.md §8 scenario 1's request half.
func TestEncode_IntegerReadScenario(t *testing.T) {
	cmd, err := pccc.Command0FA2(1, 0, 0x5161, 2, 7, pccc.FileTypeInteger, 0, 0)
	require.NoError(t, err)

	want := []byte{
		0x10, 0x02,
		0x01, 0x00, 0x0f, 0x00, 0x61, 0x51, 0xa2, 0x02, 0x07, 0x89, 0x00, 0x00,
		0x10, 0x03,
		0x0e, 0x42,
	}
	require.Equal(t, want, Encode(cmd))
}

// TestDecode_IntegerReadReplyScenario is spec.md §8 scenario 1's reply half.
func TestDecode_IntegerReadReplyScenario(t *testing.T) {
	raw := []byte{
		0x10, 0x02,
		0x00, 0x01, 0x4f, 0x00, 0x61, 0x51, 0x0a, 0x00,
		0x10, 0x03,
		0xb2, 0x3f,
	}
	reply, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, KindData, reply.Kind)
	require.True(t, reply.Valid)
	require.Equal(t, uint16(0x5161), reply.Tns)
	require.Equal(t, byte(0x4f), reply.Cmd)

	vals, err := pccc.DecodeReply4F(reply.Data, pccc.FileTypeInteger)
	require.NoError(t, err)
	require.Equal(t, []uint16{0x000a}, vals.Words)
}

func TestDecode_ShortReplies(t *testing.T) {
	for _, tc := range []struct {
		raw  []byte
		kind Kind
	}{
		{[]byte{symbol.DLE, symbol.ACK}, KindAck},
		{[]byte{symbol.DLE, symbol.NAK}, KindNak},
		{[]byte{symbol.DLE, symbol.ENQ}, KindEnq},
	} {
		reply, err := Decode(tc.raw)
		require.NoError(t, err)
		require.Equal(t, tc.kind, reply.Kind)
		require.True(t, reply.Valid)
	}
}

// TestEncodeDecodeRoundTrip implements spec.md §8's command round-trip
// property for a representative command.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	cmd, err := pccc.Command0FAA(2, 3, 0x00aa, 6, pccc.FileTypeInteger, 1, 0, []uint16{0x1234, 0x5678})
	require.NoError(t, err)
	wire := Encode(cmd)

	// The outbound wire is itself a frame ReceiveBuffer would hand back;
	// decoding it strips the fnc byte the same way it would for any
	// non-0x4f command, leaving Data as the payload only.
	reply, err := Decode(wire)
	require.NoError(t, err)
	require.True(t, reply.Valid)
	require.Equal(t, cmd.Cmd, reply.Cmd)
	require.Equal(t, cmd.Tns, reply.Tns)
	require.Equal(t, cmd.Data, reply.Data)
}

// TestEncode_DLEStuffing is spec.md §8 scenario 2.
func TestEncode_DLEStuffing(t *testing.T) {
	cmd, err := pccc.Command0FAA(1, 0, 1, 7, pccc.FileTypeInteger, 0, 0, []uint16{0x1009})
	require.NoError(t, err)
	wire := Encode(cmd)

	// data word 0x1009 swaps to wire bytes 09 10; the embedded 0x10 must
	// be doubled by stuffing.
	require.Contains(t, string(wire), string([]byte{0x09, 0x10, 0x10}))

	reply, err := Decode(wire)
	require.NoError(t, err)
	require.True(t, reply.Valid)
	// The fnc byte (0xaa) is stripped from Data; the stuffed 0x10 0x10
	// must have collapsed back to a single 0x10.
	require.Equal(t, []byte{0x02, 0x07, byte(pccc.FileTypeInteger), 0x00, 0x00, 0x09, 0x10}, reply.Data)
}

func TestDecode_CRCMismatchIsInvalid(t *testing.T) {
	raw := []byte{
		0x10, 0x02,
		0x00, 0x01, 0x4f, 0x00, 0x61, 0x51, 0x0a, 0x00,
		0x10, 0x03,
		0x00, 0x00, // wrong CRC
	}
	reply, err := Decode(raw)
	require.NoError(t, err)
	require.False(t, reply.Valid)
}

func TestDecode_NonZeroStsIsInvalid(t *testing.T) {
	cmd := &pccc.Command{Dst: 0, Src: 1, Cmd: 0x4f, Tns: 0x5161, Data: []byte{0x0a, 0x00}}
	// manually build a frame with a non-zero sts by encoding then patching
	// the sts byte and recomputing CRC, since pccc.Command always encodes
	// sts=0.
	wire := Encode(cmd)
	wire[5] = 0x01 // sts byte position: DLE STX dst src cmd [sts]
	reply, err := Decode(fixCRC(wire))
	require.NoError(t, err)
	require.Equal(t, byte(0x01), reply.Sts)
	require.False(t, reply.Valid)
}

// fixCRC recomputes and patches the trailing CRC of an encoded frame
// after a test has mutated one of its header bytes in place.
func fixCRC(wire []byte) []byte {
	body := wire[2 : len(wire)-4]
	unstuffed := unstuff(body)
	crcInput := append(append([]byte{}, unstuffed...), symbol.ETX)
	crc := symbol.CRC16(crcInput)
	out := append([]byte{}, wire[:len(wire)-2]...)
	return append(out, byte(crc), byte(crc>>8))
}
