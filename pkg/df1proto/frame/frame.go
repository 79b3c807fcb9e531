// Package frame implements the DF1 FrameCodec: turning a pccc.Command
// into wire bytes, and turning an already-extracted frame (see
// pkg/df1proto/receivebuf) back into a typed Reply (spec.md §4.2).
package frame

import (
	"bytes"
	"fmt"

	"github.com/fieldlink/df1gateway/pkg/df1proto/pccc"
	"github.com/fieldlink/df1gateway/pkg/df1proto/symbol"
)

// Kind distinguishes the Reply variants named in spec.md §3, replacing
// the original's runtime type-dispatch over reply classes with an
// exhaustive tagged union (spec.md §9).
type Kind int

const (
	KindAck Kind = iota
	KindNak
	KindEnq
	KindTimeout
	KindData
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ACK"
	case KindNak:
		return "NAK"
	case KindEnq:
		return "ENQ"
	case KindTimeout:
		return "TIMEOUT"
	case KindData:
		return "DATA"
	case KindUnknown:
		return "UNKNOWN"
	default:
		return "INVALID"
	}
}

// Reply is an incoming frame, decoded. Ack/Nak/Enq/Timeout carry no
// further fields; Data and Unknown carry cmd/sts/tns/data and a Valid
// flag (CRC match and sts == 0, per spec.md §3's Reply definition).
type Reply struct {
	Kind  Kind
	Cmd   byte
	Sts   byte
	Tns   uint16
	Data  []byte
	Valid bool
}

// Timeout is the synthetic reply the transaction engine substitutes when
// no message arrives within timeout_read_msg (spec.md §4.4); FrameCodec
// never produces it, but it shares the Reply type so the engine's retry
// loop can match on Kind uniformly.
func Timeout() Reply { return Reply{Kind: KindTimeout} }

// Ack, Nak and Enq bytes are reused whenever the engine needs to emit or
// replay a short reply (e.g. retransmitting last_response on ENQ).
var (
	AckBytes = append([]byte{}, symbol.DleAck[:]...)
	NakBytes = append([]byte{}, symbol.DleNak[:]...)
	EnqBytes = append([]byte{}, symbol.DleEnq[:]...)
)

// Encode assembles a command into its wire representation: header and
// payload, CRC-16 over the unstuffed header+payload+ETX, DLE-stuffed,
// and bracketed with DLE STX ... DLE ETX CRC_lo CRC_hi (spec.md §4.2).
func Encode(cmd *pccc.Command) []byte {
	unstuffed := make([]byte, 0, 8+len(cmd.Data))
	unstuffed = append(unstuffed, cmd.Dst, cmd.Src, cmd.Cmd, 0x00, byte(cmd.Tns), byte(cmd.Tns>>8))
	if cmd.HasFnc {
		unstuffed = append(unstuffed, cmd.Fnc)
	}
	unstuffed = append(unstuffed, cmd.Data...)

	crcInput := append(append([]byte{}, unstuffed...), symbol.ETX)
	crc := symbol.CRC16(crcInput)

	wire := make([]byte, 0, 4+2*len(unstuffed)+2)
	wire = append(wire, symbol.DleStx[:]...)
	wire = append(wire, stuff(unstuffed)...)
	wire = append(wire, symbol.DleEtx[:]...)
	wire = append(wire, byte(crc), byte(crc>>8))
	return wire
}

// EncodeShortReply returns the wire bytes for a short reply frame.
func EncodeShortReply(k Kind) ([]byte, error) {
	switch k {
	case KindAck:
		return append([]byte{}, AckBytes...), nil
	case KindNak:
		return append([]byte{}, NakBytes...), nil
	case KindEnq:
		return append([]byte{}, EnqBytes...), nil
	default:
		return nil, fmt.Errorf("frame: %s is not a short reply", k)
	}
}

func stuff(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		out = append(out, c)
		if c == symbol.DLE {
			out = append(out, symbol.DLE)
		}
	}
	return out
}

// unstuff collapses every DLE DLE pair to a single DLE, per spec.md
// §4.2's decode step.
func unstuff(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		out = append(out, b[i])
		if b[i] == symbol.DLE && i+1 < len(b) && b[i+1] == symbol.DLE {
			i++
		}
	}
	return out
}

// Decode turns an already-extracted frame slice (from
// receivebuf.PopFrames) into a typed Reply.
func Decode(raw []byte) (Reply, error) {
	if len(raw) == 2 && raw[0] == symbol.DLE {
		switch raw[1] {
		case symbol.ACK:
			return Reply{Kind: KindAck, Valid: true}, nil
		case symbol.NAK:
			return Reply{Kind: KindNak, Valid: true}, nil
		case symbol.ENQ:
			return Reply{Kind: KindEnq, Valid: true}, nil
		}
	}
	return decodeDataFrame(raw)
}

func decodeDataFrame(raw []byte) (Reply, error) {
	if len(raw) < 12 || raw[0] != symbol.DleStx[0] || raw[1] != symbol.DleStx[1] {
		return Reply{}, fmt.Errorf("frame: %x is not a recognizable DF1 frame", raw)
	}
	body := raw[2:]
	etxIdx := bytes.Index(body, symbol.DleEtx[:])
	if etxIdx < 0 || len(body) < etxIdx+4 {
		return Reply{}, fmt.Errorf("frame: missing DLE ETX terminator in %x", raw)
	}
	stuffedHeader := body[:etxIdx]
	crcLo, crcHi := body[etxIdx+2], body[etxIdx+3]
	wantCRC := uint16(crcLo) | uint16(crcHi)<<8

	unstuffed := unstuff(stuffedHeader)
	if len(unstuffed) < 6 {
		return Reply{}, fmt.Errorf("frame: header too short after unstuffing: %x", unstuffed)
	}

	crcInput := append(append([]byte{}, unstuffed...), symbol.ETX)
	gotCRC := symbol.CRC16(crcInput)

	cmd := unstuffed[2]
	sts := unstuffed[3]
	tns := uint16(unstuffed[4]) | uint16(unstuffed[5])<<8

	data := unstuffed[6:]
	// cmd 0x4F (reply 4F) carries no fnc byte; every other command family
	// this client exchanges (0x0F, 0x06) does (spec.md §4.2).
	if cmd != 0x4f && len(data) > 0 {
		data = data[1:]
	}

	kind := KindUnknown
	if cmd == 0x4f {
		kind = KindData
	}

	return Reply{
		Kind:  kind,
		Cmd:   cmd,
		Sts:   sts,
		Tns:   tns,
		Data:  append([]byte{}, data...),
		Valid: gotCRC == wantCRC && sts == 0,
	}, nil
}
