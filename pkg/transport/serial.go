package transport

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"go.bug.st/serial"
)

// SerialConfig mirrors spec.md §6's serial configuration fields.
type SerialConfig struct {
	Port     string
	BaudRate int
	Parity   serial.Parity
	StopBits serial.StopBits
	DataBits int
	Timeout  time.Duration // per-read timeout, bounds the worker's blocking read
}

// Serial is the Transport driver for a direct DF1 serial link, grounded
// on the teacher's pkg/usock/usock.go (go.bug.st/serial instead of
// tarm/serial; see DESIGN.md for why).
type Serial struct {
	cfg    SerialConfig
	worker *worker
}

func NewSerial(cfg SerialConfig, onBytes BytesReceivedFunc, onDisc DisconnectedFunc, logger *log.Logger) *Serial {
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	s := &Serial{cfg: cfg}
	s.worker = newWorker(s, onBytes, onDisc, logger)
	return s
}

func (s *Serial) Open() error              { return s.worker.open() }
func (s *Serial) Close() error             { return s.worker.close() }
func (s *Serial) SendBytes(b []byte) error { return s.worker.sendBytes(b) }
func (s *Serial) IsClearingComm() bool     { return s.worker.isClearingComm() }
func (s *Serial) SendQueueDepth() int      { return s.worker.sendQueueDepth() }

func (s *Serial) dial() (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: s.cfg.DataBits,
		Parity:   s.cfg.Parity,
		StopBits: s.cfg.StopBits,
	}
	port, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial port %s: %w", s.cfg.Port, err)
	}
	if err := port.SetReadTimeout(s.cfg.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: set read timeout on %s: %w", s.cfg.Port, err)
	}
	return port, nil
}
