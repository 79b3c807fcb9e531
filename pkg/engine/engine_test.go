package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlink/df1gateway/pkg/df1proto/frame"
	"github.com/fieldlink/df1gateway/pkg/df1proto/pccc"
	"github.com/fieldlink/df1gateway/pkg/df1proto/symbol"
)

// fakeTransport is an in-memory transport.Transport: SendBytes records
// the wire bytes the engine emits instead of touching a real socket, and
// tests drive the engine's receive path directly via OnBytesReceived.
// Receiving a short ACK produces no transport send by itself — only a
// data frame (valid or not) or an ENQ does — so tests must not wait for
// a send immediately after injecting a bare ACK.
type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeTransport) Open() error  { return nil }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) SendBytes(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte{}, b...))
	return nil
}

func (f *fakeTransport) IsClearingComm() bool { return false }

func (f *fakeTransport) SendQueueDepth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) popSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	b := f.sent[0]
	f.sent = f.sent[1:]
	return b
}

func (f *fakeTransport) waitSent(t *testing.T) []byte {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if b := f.popSent(); b != nil {
			return b
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for transport send")
		case <-time.After(time.Millisecond):
		}
	}
}

func newTestClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	cfg := Config{PlcType: "SLC 5/04", Src: 0, Dst: 1, TimeoutReadMsg: 80 * time.Millisecond}
	c := New(cfg, ft, nil, Metrics{})
	return c, ft
}

// dataFrameWire builds the wire bytes for a reply 0x4F data frame with
// the given tns and payload, reusing frame.Encode so tests don't
// duplicate its CRC/stuffing logic.
func dataFrameWire(t *testing.T, tns uint16, data []byte) []byte {
	t.Helper()
	cmd := &pccc.Command{Dst: 0, Src: 1, Cmd: 0x4f, HasFnc: false, Tns: tns, Data: data}
	return frame.Encode(cmd)
}

func TestSendCommand_IntegerReadScenario(t *testing.T) {
	c, ft := newTestClient(t)

	// spec.md §8 scenario 1.
	cmd, err := pccc.Command0FA2(1, 0, 0x5161, 2, 7, pccc.FileTypeInteger, 0, 0)
	require.NoError(t, err)

	replyCh := make(chan frame.Reply, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := c.SendCommand(cmd)
		replyCh <- r
		errCh <- err
	}()

	wire := ft.waitSent(t)
	wantPrefix := []byte{0x10, 0x02, 0x01, 0x00, 0x0f, 0x00, 0x61, 0x51, 0xa2, 0x02, 0x07, 0x89, 0x00, 0x00, 0x10, 0x03}
	require.Equal(t, wantPrefix, wire[:len(wantPrefix)])

	c.OnBytesReceived(frame.AckBytes) // no transport send results from a bare ACK

	c.OnBytesReceived(dataFrameWire(t, 0x5161, []byte{0x0a, 0x00}))
	require.Equal(t, frame.AckBytes, ft.waitSent(t), "the engine's ACK for the data frame")

	require.NoError(t, <-errCh)
	reply := <-replyCh
	require.Equal(t, uint16(0x5161), reply.Tns)
	values, err := pccc.DecodeReply4F(reply.Data, pccc.FileTypeInteger)
	require.NoError(t, err)
	require.Equal(t, []uint16{0x000a}, values.Words)
}

func TestOnBytesReceived_EnqRetransmitsLastResponse(t *testing.T) {
	c, ft := newTestClient(t)

	c.OnBytesReceived(frame.EnqBytes)
	require.Equal(t, frame.NakBytes, ft.waitSent(t), "before any activity the engine replays NAK on ENQ")
}

func TestOnBytesReceived_EnqReplaysLastAck(t *testing.T) {
	c, ft := newTestClient(t)
	c.setLastResponse(frame.AckBytes)

	c.OnBytesReceived(frame.EnqBytes)
	require.Equal(t, frame.AckBytes, ft.waitSent(t))
}

func TestSendCommand_NakTriggersNewTnsAndRetransmit(t *testing.T) {
	c, ft := newTestClient(t)
	cmd, err := pccc.Command0FA2(1, 0, 0x1000, 2, 7, pccc.FileTypeInteger, 0, 0)
	require.NoError(t, err)

	replyCh := make(chan frame.Reply, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := c.SendCommand(cmd)
		replyCh <- r
		errCh <- err
	}()

	first := ft.waitSent(t)

	c.OnBytesReceived(frame.NakBytes)

	second := ft.waitSent(t)
	require.NotEqual(t, first, second, "retransmission must carry a reallocated tns")
	require.NotEqual(t, uint16(0x1000), cmd.Tns, "NAK must reallocate the command's tns")

	c.OnBytesReceived(frame.AckBytes)
	c.OnBytesReceived(dataFrameWire(t, cmd.Tns, []byte{0x01, 0x00}))
	ft.waitSent(t) // the engine's ACK for the (now matching) data frame

	require.NoError(t, <-errCh)
	reply := <-replyCh
	require.Equal(t, cmd.Tns, reply.Tns)
}

func TestSendCommand_StaleReplyIsDroppedAndCounted(t *testing.T) {
	c, ft := newTestClient(t)
	cmd, err := pccc.Command0FA2(1, 0, 0x2000, 2, 7, pccc.FileTypeInteger, 0, 0)
	require.NoError(t, err)

	replyCh := make(chan frame.Reply, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := c.SendCommand(cmd)
		replyCh <- r
		errCh <- err
	}()

	ft.waitSent(t)
	c.OnBytesReceived(frame.AckBytes)

	before := c.MessagesDroppedTotal()
	c.OnBytesReceived(dataFrameWire(t, 0xbeef, []byte{0xff, 0xff}))
	ft.waitSent(t) // the engine still ACKs the stale-but-CRC-valid frame

	c.OnBytesReceived(dataFrameWire(t, cmd.Tns, []byte{0x02, 0x00}))
	ft.waitSent(t)

	require.NoError(t, <-errCh)
	reply := <-replyCh
	require.Equal(t, cmd.Tns, reply.Tns)
	require.Equal(t, before+1, c.MessagesDroppedTotal())
}

func TestSendCommand_TimeoutAfterAckRetriesThenFails(t *testing.T) {
	c, ft := newTestClient(t)
	cmd, err := pccc.Command0FA2(1, 0, 0x3000, 2, 7, pccc.FileTypeInteger, 0, 0)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendCommand(cmd)
		errCh <- err
	}()

	for attempt := 0; attempt < 3; attempt++ {
		ft.waitSent(t) // command (re)transmission
		c.OnBytesReceived(frame.AckBytes)
		nak := ft.waitSent(t) // engine NAKs once the inner loop times out
		require.Equal(t, frame.NakBytes, nak)
	}

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSendReceive)
	case <-time.After(2 * time.Second):
		t.Fatal("SendCommand did not return after exhausting outer attempts")
	}
}

func TestProcessFrame_CRCInvalidSendsNakAndDropsFrame(t *testing.T) {
	c, ft := newTestClient(t)
	wire := dataFrameWire(t, 0x1234, []byte{0x09, 0x00})
	wire[len(wire)-1] ^= 0xff // corrupt the trailing CRC byte

	c.OnBytesReceived(wire)
	require.Equal(t, frame.NakBytes, ft.waitSent(t))

	select {
	case <-c.sink:
		t.Fatal("a CRC-invalid frame must not be pushed to the message sink")
	default:
	}
}

func TestBitInspect(t *testing.T) {
	c, _ := newTestClient(t)
	require.Equal(t, uint16(1), c.BitInspect(0b1010, pccc.BitN(1)))
	require.Equal(t, uint16(0b1010), c.BitInspect(0b1010, pccc.BitALL))
}

func TestReadInteger_ReadOkAndDataPopulated(t *testing.T) {
	c, ft := newTestClient(t)

	resCh := make(chan ReadResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := c.ReadInteger(7, 0, 1)
		resCh <- res
		errCh <- err
	}()

	ft.waitSent(t)
	c.OnBytesReceived(frame.AckBytes)
	// The tns the engine used is whatever nextTNS() allocated; recover it
	// from the in-flight tracking rather than guessing.
	c.OnBytesReceived(dataFrameWire(t, c.inFlightTns(), []byte{0x2a, 0x00}))
	ft.waitSent(t)

	require.NoError(t, <-errCh)
	res := <-resCh
	require.True(t, res.OK)
	require.Equal(t, []uint16{0x002a}, res.Words)
}

func TestWriteFloat_ReturnsTrueOnSuccessfulReply(t *testing.T) {
	c, ft := newTestClient(t)

	okCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		ok, err := c.WriteFloat(8, 0, []float32{50.4})
		okCh <- ok
		errCh <- err
	}()

	ft.waitSent(t)
	c.OnBytesReceived(frame.AckBytes)
	c.OnBytesReceived(dataFrameWire(t, c.inFlightTns(), nil))
	ft.waitSent(t)

	require.NoError(t, <-errCh)
	require.True(t, <-okCh)
}

func TestReconnect_ClosesAndReopensTransportAndIncrementsCounter(t *testing.T) {
	c, _ := newTestClient(t)
	before := c.ReconnectTotal()
	require.NoError(t, c.Reconnect())
	require.Equal(t, before+1, c.ReconnectTotal())
}

func TestWithClient_ClosesOnReturn(t *testing.T) {
	ft := &fakeTransport{}
	cfg := Config{PlcType: "SLC 5/04", Src: 0, Dst: 1}
	err := WithClient(cfg, ft, nil, Metrics{}, func(c *Client) error {
		require.NotNil(t, c)
		return nil
	})
	require.NoError(t, err)
}

var _ = symbol.DLE // keep symbol imported; the wire assertions above spell their bytes as literals
