// Package transport implements the DF1 transport layer: a bounded send
// queue and a reconnecting worker goroutine sitting on top of either a
// TCP socket or a serial port (spec.md §4.6).
package transport

import (
	"errors"
	"time"
)

// SendQueueCapacity bounds how many unsent frames a Transport will buffer
// before SendBytes starts failing (spec.md §5 "Backpressure").
const SendQueueCapacity = 100

// ErrSendQueueOverflow is returned by SendBytes when the send queue is
// already full.
var ErrSendQueueOverflow = errors.New("transport: send queue overflow")

// ErrThreadStart is returned by Open when the worker goroutine fails to
// report readiness within threadStartTimeout (spec.md §7's Thread kind).
var ErrThreadStart = errors.New("transport: worker failed to start")

const threadStartTimeout = 1 * time.Second

// receiveChunkSize is the read buffer size for both TCP and serial
// drivers, matching the Python original's RCV_BUFFER_SIZE.
const receiveChunkSize = 1024

// reconnectDelay is how long the worker waits after a failed dial before
// retrying.
const reconnectDelay = 500 * time.Millisecond

// commClearQuietPeriod is how long inbound bytes must stay silent before
// the comm-clear phase considers the link clear.
const commClearQuietPeriod = 250 * time.Millisecond

// BytesReceivedFunc is invoked on the worker goroutine for each inbound
// chunk once the transport is past its comm-clear phase.
type BytesReceivedFunc func([]byte)

// DisconnectedFunc is invoked on the worker goroutine whenever the
// underlying connection is lost, before the worker attempts to reconnect.
type DisconnectedFunc func()

// Transport is the uniform contract spec.md §4.6 requires of both
// drivers: blocking open/close, a fire-and-forget bounded send, and an
// is-clearing-comm flag the engine polls before issuing a new command.
type Transport interface {
	Open() error
	Close() error
	SendBytes(b []byte) error
	IsClearingComm() bool
	// SendQueueDepth reports how many frames are currently buffered
	// waiting for the write loop, for the send_queue_depth gauge.
	SendQueueDepth() int
}
