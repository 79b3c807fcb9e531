// Package engine implements the DF1 TransactionEngine: TNS allocation,
// the 3x3 send/retry state machine, and the typed read/write helpers
// layered over a pccc/frame/transport stack (spec.md §4.4, §6).
package engine

import (
	"encoding/hex"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/fieldlink/df1gateway/pkg/df1proto/frame"
	"github.com/fieldlink/df1gateway/pkg/df1proto/pccc"
	"github.com/fieldlink/df1gateway/pkg/df1proto/receivebuf"
	"github.com/fieldlink/df1gateway/pkg/history"
	"github.com/fieldlink/df1gateway/pkg/transport"
)

// ErrSendReceive is raised when the 3x3 transmitter loop is exhausted
// without a matching reply (spec.md §7).
var ErrSendReceive = errors.New("engine: send/receive exhausted without a valid reply")

// sinkCapacity bounds the message sink; under the one-in-flight
// discipline (spec.md §5) a handful of outstanding frames is plenty.
const sinkCapacity = 16

// Metrics lets a caller (pkg/telemetry) observe diagnostic counters as
// they change, without the engine importing a metrics library directly.
// Either field may be nil.
type Metrics struct {
	Reconnect      func()
	MessageDropped func()
}

// Config mirrors spec.md §6's "Configuration options" recognised by the
// client constructor.
type Config struct {
	PlcType        string
	Src            byte
	Dst            byte
	SeqSleepTime   time.Duration
	TimeoutReadMsg time.Duration
	HistorySize    int
}

// SupportedPlcTypes is spec.md §6's closed plc_type enumeration.
var SupportedPlcTypes = map[string]bool{
	"MicroLogix 1100": true,
	"MicroLogix 1000": true,
	"SLC 500":         true,
	"SLC 5/03":        true,
	"SLC 5/04":        true,
	"PLC-5":           true,
}

func (c *Config) setDefaults() {
	if c.TimeoutReadMsg <= 0 {
		c.TimeoutReadMsg = 500 * time.Millisecond
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 20
	}
}

// Client is the TransactionEngine (spec.md's Df1BaseClient): it owns the
// ReceiveBuffer, the TNS counter, the in-flight command pointer and the
// message sink exclusively, per spec.md §3's ownership rules.
type Client struct {
	cfg       Config
	transport transport.Transport
	log       *log.Logger
	metrics   Metrics

	history *history.Ring

	rxBuf *receivebuf.ReceiveBuffer

	tnsMu sync.Mutex
	tns   uint16

	sendMu sync.Mutex

	inFlightMu sync.Mutex
	commandTns uint16

	lastResponseMu sync.Mutex
	lastResponse   []byte

	sink chan frame.Reply

	reconnectTotal       atomic.Int64
	messagesDroppedTotal atomic.Int64
	commandInFlight      atomic.Bool
}

// New constructs a Client bound to an already-constructed Transport. The
// caller is responsible for calling Open/Close on the transport; New
// wires the engine as its BytesReceived/Disconnected callbacks, so the
// transport must be constructed with those callbacks pointed here (see
// NewWithTransportFactory for the common case).
func New(cfg Config, t transport.Transport, logger *log.Logger, metrics Metrics) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if !SupportedPlcTypes[cfg.PlcType] {
		logger.Warn("unrecognized plc_type, proceeding anyway", "plc_type", cfg.PlcType)
	}
	c := &Client{
		cfg:          cfg,
		transport:    t,
		log:          logger,
		metrics:      metrics,
		history:      history.New(cfg.HistorySize),
		rxBuf:        receivebuf.New(),
		tns:          uint16(rand.Intn(0x10000)),
		lastResponse: append([]byte{}, frame.NakBytes...),
		sink:         make(chan frame.Reply, sinkCapacity),
	}
	return c
}

// NewWithTransportFactory builds a Client and its Transport together,
// resolving the construction cycle between them (the Transport needs the
// Client's callbacks; the Client needs the Transport) the same way the
// teacher's cmd/bluetooth-service/main.go resolves its service<->usock
// cycle: construct the callback closures first, pass them to newTransport,
// then construct the Client the closures close over.
func NewWithTransportFactory(cfg Config, logger *log.Logger, metrics Metrics, newTransport func(transport.BytesReceivedFunc, transport.DisconnectedFunc) transport.Transport) *Client {
	var c *Client
	t := newTransport(
		func(b []byte) { c.OnBytesReceived(b) },
		func() { c.OnDisconnected() },
	)
	c = New(cfg, t, logger, metrics)
	return c
}

// OnBytesReceived is installed as the transport's BytesReceivedFunc.
func (c *Client) OnBytesReceived(b []byte) {
	if err := c.rxBuf.Extend(b); err != nil {
		c.log.Warn("receive buffer overflow, dropping accumulated bytes", "err", err)
		c.rxBuf.Reset()
		return
	}
	for _, raw := range c.rxBuf.PopFrames() {
		c.processFrame(raw)
	}
}

// OnDisconnected is installed as the transport's DisconnectedFunc.
func (c *Client) OnDisconnected() {
	c.reconnectTotal.Add(1)
	if c.metrics.Reconnect != nil {
		c.metrics.Reconnect()
	}
	c.rxBuf.Reset()
	c.clearSink()
	c.log.Info("transport reconnecting", "reconnect_total", c.reconnectTotal.Load())
}

// Connect opens the transport. It does not return until the worker
// goroutine has started; the comm-clear interlock then holds off the
// first SendCommand until the link is quiet (spec.md §4.6).
func (c *Client) Connect() error {
	return c.transport.Open()
}

// Close stops the transport worker.
func (c *Client) Close() error {
	return c.transport.Close()
}

// ReconnectTotal and MessagesDroppedTotal are spec.md §6's named
// diagnostic counters.
func (c *Client) ReconnectTotal() int64      { return c.reconnectTotal.Load() }
func (c *Client) MessagesDroppedTotal() int64 { return c.messagesDroppedTotal.Load() }

// History returns the engine's comm_history ring buffer.
func (c *Client) History() *history.Ring { return c.history }

// SendQueueDepth reports how many frames the transport has buffered but
// not yet written to the wire, for pkg/telemetry's send_queue_depth gauge.
func (c *Client) SendQueueDepth() int { return c.transport.SendQueueDepth() }

// CommandInFlight reports whether a SendCommand call currently owns
// sendMu, for pkg/telemetry's command_in_flight gauge.
func (c *Client) CommandInFlight() bool { return c.commandInFlight.Load() }

// BitInspect extracts a bit (or the whole word) from a data-table word
// (spec.md §4.5).
func (c *Client) BitInspect(value uint16, bit pccc.Bit) uint16 {
	return pccc.BitInspect(value, bit)
}

func (c *Client) nextTNS() uint16 {
	c.tnsMu.Lock()
	defer c.tnsMu.Unlock()
	// uint16 addition wraps mod 2^16 on overflow, which is exactly
	// spec.md's "wraps at 0xFFFF" requirement.
	c.tns++
	return c.tns
}

func (c *Client) setInFlightTns(tns uint16) {
	c.inFlightMu.Lock()
	c.commandTns = tns
	c.inFlightMu.Unlock()
}

func (c *Client) inFlightTns() uint16 {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	return c.commandTns
}

func (c *Client) setLastResponse(b []byte) {
	c.lastResponseMu.Lock()
	c.lastResponse = append(c.lastResponse[:0], b...)
	c.lastResponseMu.Unlock()
}

func (c *Client) getLastResponse() []byte {
	c.lastResponseMu.Lock()
	defer c.lastResponseMu.Unlock()
	return append([]byte{}, c.lastResponse...)
}

func (c *Client) recordDroppedMessage() {
	c.messagesDroppedTotal.Add(1)
	if c.metrics.MessageDropped != nil {
		c.metrics.MessageDropped()
	}
}

// pushSink delivers a reply to the waiting caller. Under the
// one-command-in-flight discipline the sink never needs to hold more
// than a couple of entries; if a misbehaving peer floods it anyway the
// oldest entry is dropped rather than blocking the worker goroutine.
func (c *Client) pushSink(r frame.Reply) {
	select {
	case c.sink <- r:
	default:
		select {
		case <-c.sink:
		default:
		}
		select {
		case c.sink <- r:
		default:
		}
	}
}

func (c *Client) clearSink() {
	for {
		select {
		case <-c.sink:
		default:
			return
		}
	}
}

// expectMessage pops the next reply, blocking up to timeout_read_msg
// before yielding a synthetic Timeout (spec.md §4.4).
func (c *Client) expectMessage() frame.Reply {
	select {
	case r := <-c.sink:
		return r
	case <-time.After(c.cfg.TimeoutReadMsg):
		return frame.Timeout()
	}
}

// waitWhileCommClear blocks while the transport reports it's still
// clearing communication, per spec.md §4.6's comm-clear interlock.
func (c *Client) waitWhileCommClear() {
	for c.transport.IsClearingComm() {
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *Client) sendShort(k frame.Kind, updatesLastResponse bool) {
	wire, err := frame.EncodeShortReply(k)
	if err != nil {
		c.log.Error("invalid short reply kind", "kind", k, "err", err)
		return
	}
	if updatesLastResponse {
		c.setLastResponse(wire)
	}
	c.history.Push(history.Entry{Direction: history.Out, Kind: k.String(), Bytes: wire, Timestamp: time.Now()})
	if err := c.transport.SendBytes(wire); err != nil {
		c.log.Warn("failed to send short reply", "kind", k, "err", err)
	}
}

func (c *Client) sendAck() { c.sendShort(frame.KindAck, true) }
func (c *Client) sendNak() { c.sendShort(frame.KindNak, true) }
func (c *Client) sendEnq() { c.sendShort(frame.KindEnq, false) }

// processFrame implements the receiver algorithm of spec.md §4.4.
func (c *Client) processFrame(raw []byte) {
	reply, err := frame.Decode(raw)
	if err != nil {
		c.log.Warn("failed to decode frame, dropping", "err", err, "raw", hex.EncodeToString(raw))
		return
	}
	c.history.Push(history.Entry{Direction: history.In, Kind: reply.Kind.String(), Tns: reply.Tns, Bytes: append([]byte{}, raw...), Timestamp: time.Now()})

	switch reply.Kind {
	case frame.KindEnq:
		last := c.getLastResponse()
		c.history.Push(history.Entry{Direction: history.Out, Kind: "REPLAY", Bytes: last, Timestamp: time.Now()})
		if err := c.transport.SendBytes(last); err != nil {
			c.log.Warn("failed to retransmit last response on ENQ", "err", err)
		}
	case frame.KindData, frame.KindUnknown:
		if reply.Valid {
			c.sendAck()
			// Every CRC-valid reply is handed to the transmitter loop,
			// tns mismatch and all: the loop (runInner) is what owns the
			// tns comparison and the messages_dropped count (spec.md §8
			// scenario 5 requires a tns-mismatched reply arriving after
			// an ACK to still be observed and counted there, which is
			// only possible if it reaches the sink).
			c.pushSink(reply)
		} else {
			c.sendNak()
		}
	default: // Ack, Nak short replies
		c.pushSink(reply)
		c.setLastResponse(frame.NakBytes)
	}
}

// runInner is spec.md §4.4's "Repeat inner up to 3 times" loop. It
// reports success with the matching reply, or failure — on failure the
// caller retries the whole outer attempt (send + inner loop) again,
// matching spec.md §8 scenario 6 (a bare timeout after a prior ACK still
// gets up to two more full outer attempts before SendReceive), not just
// the NAK case the step-by-step algorithm prose calls out by name.
func (c *Client) runInner(cmd *pccc.Command) (frame.Reply, bool) {
	gotAck := false
	for i := 0; i < 3; i++ {
		reply := c.expectMessage()
		switch {
		case reply.Kind == frame.KindAck:
			gotAck = true
			i = -1 // next iteration's i++ brings it back to 0
		case reply.Kind == frame.KindNak:
			cmd.Tns = c.nextTNS()
			return frame.Reply{}, false
		case reply.Kind == frame.KindTimeout || !reply.Valid:
			if gotAck {
				c.sendNak()
			} else {
				c.sendEnq()
			}
			return frame.Reply{}, false
		case gotAck:
			if reply.Tns == cmd.Tns {
				return reply, true
			}
			// Stale tns: drop and keep waiting for the real reply under the
			// same ACK — clearing gotAck here would misroute the very next
			// (correct) reply into the no-ACK-yet default branch below.
			c.recordDroppedMessage()
			i = -1
		default:
			// A data-shaped reply arrived before any ACK; the protocol
			// doesn't define this case, so treat it the same as an
			// invalid reply and ask the peer to resend status.
			c.sendEnq()
			return frame.Reply{}, false
		}
		if c.cfg.SeqSleepTime > 0 {
			time.Sleep(c.cfg.SeqSleepTime)
		}
	}
	return frame.Reply{}, false
}

// SendCommand delivers one command, obtains its matching data reply, or
// fails definitively, implementing spec.md §4.4's transmitter algorithm.
// Only one command is in flight at a time; concurrent callers serialize
// on sendMu rather than the original's busy-wait is_pending_command poll
// (spec.md §9's note on replacing busy-wait polling).
func (c *Client) SendCommand(cmd *pccc.Command) (frame.Reply, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.commandInFlight.Store(true)
	defer c.commandInFlight.Store(false)

	attemptID := uuid.NewString()
	for outer := 0; outer < 3; outer++ {
		c.waitWhileCommClear()

		c.setInFlightTns(cmd.Tns)
		wire := frame.Encode(cmd)
		c.history.Push(history.Entry{Direction: history.Out, Kind: "CMD", Tns: cmd.Tns, Bytes: wire, Timestamp: time.Now()})
		c.log.Debug("sending command", "attempt_id", attemptID, "outer", outer, "cmd", cmd.Cmd, "fnc", cmd.Fnc, "tns", cmd.Tns)
		if err := c.transport.SendBytes(wire); err != nil {
			return frame.Reply{}, err
		}

		if reply, ok := c.runInner(cmd); ok {
			c.log.Debug("command succeeded", "attempt_id", attemptID, "tns", reply.Tns)
			return reply, nil
		}
	}
	c.log.Warn("send/receive exhausted", "attempt_id", attemptID, "cmd", cmd.Cmd, "fnc", cmd.Fnc)
	return frame.Reply{}, ErrSendReceive
}

// CreateCommand allocates a fresh TNS and hands it to build, the Go
// shape of spec.md's `create_command(type, **params)`: Go has no kwargs,
// so the command type and its parameters are supplied as a closure over
// one of the pccc.CommandXXX constructors instead.
func (c *Client) CreateCommand(build func(tns uint16) (*pccc.Command, error)) (*pccc.Command, error) {
	return build(c.nextTNS())
}

// Reconnect forces the transport closed and reopened, the engine-level
// counterpart to the automatic reconnect the transport worker performs
// on an unexpected disconnect (spec.md §6's "Supplemented features").
func (c *Client) Reconnect() error {
	c.reconnectTotal.Add(1)
	if c.metrics.Reconnect != nil {
		c.metrics.Reconnect()
	}
	_ = c.transport.Close()
	c.rxBuf.Reset()
	c.clearSink()
	return c.transport.Open()
}

// WithClient opens a Client, runs fn, and closes it afterward regardless
// of fn's outcome — the Go shape of the Python original's
// `with Df1TCPClient(...) as client:` context manager.
func WithClient(cfg Config, t transport.Transport, logger *log.Logger, metrics Metrics, fn func(*Client) error) error {
	c := New(cfg, t, logger, metrics)
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
