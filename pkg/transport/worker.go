package transport

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// medium is what a concrete driver (TCP, Serial) contributes to worker:
// a way to establish one connection. Everything else — the send queue,
// the reconnect loop, the comm-clear phase — is shared, consolidating
// what were duplicated base/TCP/serial client branches in the original
// (spec.md §9's "Duplicated inheritance branches" note).
type medium interface {
	dial() (io.ReadWriteCloser, error)
}

// worker is the shared transport engine embedded by TCP and Serial.
type worker struct {
	medium  medium
	onBytes BytesReceivedFunc
	onDisc  DisconnectedFunc
	log     *log.Logger

	sendCh       chan []byte
	rxCh         chan []byte
	stopCh       chan struct{}
	wg           sync.WaitGroup
	quietResetCh chan struct{}

	clearing atomic.Bool

	connMu sync.Mutex
	conn   io.ReadWriteCloser
}

func newWorker(m medium, onBytes BytesReceivedFunc, onDisc DisconnectedFunc, logger *log.Logger) *worker {
	if logger == nil {
		logger = log.Default()
	}
	return &worker{
		medium:  m,
		onBytes: onBytes,
		onDisc:  onDisc,
		log:     logger,
		sendCh:       make(chan []byte, SendQueueCapacity),
		rxCh:         make(chan []byte, SendQueueCapacity),
		quietResetCh: make(chan struct{}, 1),
	}
}

// open starts the worker goroutines, matching spec.md §5's "transport
// worker" thread of control; it returns ErrThreadStart if the goroutine
// never reports readiness, per spec.md §7's Thread error kind.
func (w *worker) open() error {
	w.stopCh = make(chan struct{})
	started := make(chan struct{})

	w.wg.Add(2)
	go func() {
		close(started)
		w.connectLoop()
	}()
	go w.dispatchLoop()

	select {
	case <-started:
		return nil
	case <-time.After(threadStartTimeout):
		return ErrThreadStart
	}
}

func (w *worker) close() error {
	if w.stopCh == nil {
		return nil
	}
	close(w.stopCh)
	// Closing the live connection unblocks any in-flight blocking
	// Read/Write so the goroutines can observe stopCh and exit.
	w.connMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.connMu.Unlock()
	w.wg.Wait()
	w.setConn(nil)
	return nil
}

func (w *worker) sendBytes(b []byte) error {
	select {
	case w.sendCh <- b:
		return nil
	default:
		return ErrSendQueueOverflow
	}
}

func (w *worker) isClearingComm() bool {
	return w.clearing.Load()
}

func (w *worker) sendQueueDepth() int {
	return len(w.sendCh)
}

func (w *worker) setConn(c io.ReadWriteCloser) {
	w.connMu.Lock()
	w.conn = c
	w.connMu.Unlock()
}

// connectLoop owns one connection at a time: dial, comm-clear, run a
// session until it drops, report disconnection, repeat until stopped.
func (w *worker) connectLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		conn, err := w.medium.dial()
		if err != nil {
			w.log.Warn("dial failed, retrying", "err", err)
			select {
			case <-w.stopCh:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		w.setConn(conn)
		w.log.Info("connected")
		w.runSession(conn)
		w.setConn(nil)
		_ = conn.Close()

		select {
		case <-w.stopCh:
			return
		default:
			w.log.Warn("disconnected, reconnecting")
			if w.onDisc != nil {
				w.onDisc()
			}
		}
	}
}

// runSession clears any leftover inbound bytes, then pumps reads and
// writes until the connection drops or the worker is stopped.
func (w *worker) runSession(conn io.ReadWriteCloser) {
	done := make(chan struct{})
	var readWG sync.WaitGroup
	readWG.Add(1)
	go func() {
		defer readWG.Done()
		w.readLoop(conn, done)
	}()

	w.clearComm(conn, done)
	w.writeLoop(conn, done)
	readWG.Wait()
}

func (w *worker) readLoop(conn io.ReadWriteCloser, done chan struct{}) {
	buf := make([]byte, receiveChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case w.rxCh <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			close(done)
			return
		}
	}
}

func (w *worker) writeLoop(conn io.ReadWriteCloser, done <-chan struct{}) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-done:
			return
		case b := <-w.sendCh:
			if _, err := conn.Write(b); err != nil {
				w.log.Warn("write failed", "err", err)
				return
			}
		}
	}
}

// dispatchLoop is the sole consumer of rxCh for the worker's lifetime: it
// either feeds the comm-clear quiet timer or hands chunks to the
// engine's BytesReceived callback, never both (spec.md §4.6's comm-clear
// interlock: "while is_clearing_comm is true the engine must not emit
// commands", and transitively must not see that traffic either).
func (w *worker) dispatchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case chunk := <-w.rxCh:
			if w.clearing.Load() {
				w.notifyQuietReset()
				continue
			}
			if w.onBytes != nil {
				w.onBytes(chunk)
			}
		}
	}
}

var quietResetSentinel = struct{}{}

// bufferFlusher is implemented by go.bug.st/serial's Port, the Go analog
// of pyserial's reset_input_buffer()/reset_output_buffer() used by
// df1_serial_plc.py's clear_buffer() (df1_serial_plc.py:87-90). net.Conn
// (the TCP medium's connection type) has no such operation, so this is
// checked with a type assertion rather than added to the Transport
// interface.
type bufferFlusher interface {
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// clearComm flushes any hardware-buffered bytes on conn (serial only),
// then drains inbound traffic for one connection until
// commClearQuietPeriod passes with nothing arriving, or the session ends
// first. This approximates the original's "sleep, select, read, repeat
// until a read attempt sees nothing" loop (df1_tcp_plc.py's _clear_comm),
// plus df1_serial_plc.py's clear_buffer() flush, with a single
// quiet-period timer instead of polling.
func (w *worker) clearComm(conn io.ReadWriteCloser, done <-chan struct{}) {
	w.clearing.Store(true)
	defer w.clearing.Store(false)

	if bf, ok := conn.(bufferFlusher); ok {
		if err := bf.ResetInputBuffer(); err != nil {
			w.log.Warn("failed to reset serial input buffer", "err", err)
		}
		if err := bf.ResetOutputBuffer(); err != nil {
			w.log.Warn("failed to reset serial output buffer", "err", err)
		}
	}

	select {
	case <-w.quietResetCh:
	default:
	}
	timer := time.NewTimer(commClearQuietPeriod)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return
		case <-w.stopCh:
			return
		case <-w.quietResetCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(commClearQuietPeriod)
		case <-timer.C:
			return
		}
	}
}

func (w *worker) notifyQuietReset() {
	select {
	case w.quietResetCh <- quietResetSentinel:
	default:
	}
}
