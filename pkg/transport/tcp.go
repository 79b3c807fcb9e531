package transport

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// TCPConfig mirrors spec.md §6's TCP configuration fields.
type TCPConfig struct {
	Address string
	Port    int
	Timeout time.Duration // connect deadline, default 5s per spec.md §5
}

// TCP is the Transport driver for a DF1-over-TCP adapter (spec.md §4.6),
// grounded on df1_tcp_plc.py's socket-thread shape: TCP_NODELAY plus a
// TCP_KEEPCNT of 3 so a silently dead peer is dropped instead of wedging
// the single in-flight command forever.
type TCP struct {
	cfg    TCPConfig
	worker *worker
}

// NewTCP constructs a TCP transport. logger may be nil.
func NewTCP(cfg TCPConfig, onBytes BytesReceivedFunc, onDisc DisconnectedFunc, logger *log.Logger) *TCP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	t := &TCP{cfg: cfg}
	t.worker = newWorker(t, onBytes, onDisc, logger)
	return t
}

func (t *TCP) Open() error              { return t.worker.open() }
func (t *TCP) Close() error             { return t.worker.close() }
func (t *TCP) SendBytes(b []byte) error { return t.worker.sendBytes(b) }
func (t *TCP) IsClearingComm() bool     { return t.worker.isClearingComm() }
func (t *TCP) SendQueueDepth() int      { return t.worker.sendQueueDepth() }

func (t *TCP) dial() (io.ReadWriteCloser, error) {
	addr := fmt.Sprintf("%s:%d", t.cfg.Address, t.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, t.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp dial %s: %w", addr, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, nil
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		t.worker.log.Warn("failed to set TCP_NODELAY", "err", err)
	}
	if err := setKeepCnt(tcpConn, 3); err != nil {
		t.worker.log.Warn("failed to set TCP_KEEPCNT", "err", err)
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		t.worker.log.Warn("failed to enable TCP keepalive", "err", err)
	}
	return tcpConn, nil
}

// setKeepCnt sets TCP_KEEPCNT (drop the connection after n unanswered
// keepalive probes), matching df1_tcp_plc.py's
// `setsockopt(IPPROTO_TCP, TCP_KEEPCNT, 3)`. The stdlib has no portable
// wrapper for this option, so it's reached through the raw socket fd.
func setKeepCnt(conn *net.TCPConn, n int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, n)
	})
	if err != nil {
		return err
	}
	return sockErr
}
