package transport

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeMedium hands out one side of an in-memory net.Pipe per dial call,
// optionally failing the first N dials to exercise the reconnect path.
type fakeMedium struct {
	mu        sync.Mutex
	failFirst int
	dials     int
	peers     []net.Conn // the other side of each pipe, for the test to drive
}

func (f *fakeMedium) dial() (io.ReadWriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dials <= f.failFirst {
		return nil, errFakeDial
	}
	client, peer := net.Pipe()
	f.peers = append(f.peers, peer)
	return client, nil
}

var errFakeDial = fakeErr("dial refused")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func waitForPeer(t *testing.T, f *fakeMedium) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.peers)
		f.mu.Unlock()
		if n > 0 {
			f.mu.Lock()
			p := f.peers[n-1]
			f.mu.Unlock()
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for worker to dial")
	return nil
}

func TestWorker_BytesReceivedAfterCommClear(t *testing.T) {
	var mu sync.Mutex
	var received [][]byte
	onBytes := func(b []byte) {
		mu.Lock()
		received = append(received, append([]byte{}, b...))
		mu.Unlock()
	}

	f := &fakeMedium{}
	w := newWorker(f, onBytes, nil, nil)
	require.NoError(t, w.open())
	defer w.close()

	peer := waitForPeer(t, f)

	require.Eventually(t, func() bool { return !w.isClearingComm() }, time.Second, 5*time.Millisecond)

	_, err := peer.Write([]byte{0xAA, 0xBB})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []byte{0xAA, 0xBB}, received[0])
	mu.Unlock()
}

func TestWorker_SendBytesOverflow(t *testing.T) {
	f := &fakeMedium{}
	w := newWorker(f, nil, nil, nil)
	require.NoError(t, w.open())
	defer w.close()

	waitForPeer(t, f)
	require.Eventually(t, func() bool { return !w.isClearingComm() }, time.Second, 5*time.Millisecond)

	// Fill the queue; the write loop is draining it concurrently, so send
	// a lot more than capacity in a tight loop without reading the peer
	// to force at least one overflow.
	overflowed := false
	for i := 0; i < SendQueueCapacity*4; i++ {
		if err := w.sendBytes([]byte{byte(i)}); err == ErrSendQueueOverflow {
			overflowed = true
			break
		}
	}
	require.True(t, overflowed, "expected at least one SendQueueOverflow under sustained unread sends")
}

func TestWorker_DisconnectTriggersReconnect(t *testing.T) {
	var mu sync.Mutex
	disconnects := 0
	onDisc := func() {
		mu.Lock()
		disconnects++
		mu.Unlock()
	}

	f := &fakeMedium{}
	w := newWorker(f, nil, onDisc, nil)
	require.NoError(t, w.open())
	defer w.close()

	peer := waitForPeer(t, f)
	require.NoError(t, peer.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects == 1
	}, 2*time.Second, 10*time.Millisecond)

	// worker should have redialed for a second session.
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.dials >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_DialFailureRetriesUntilSuccess(t *testing.T) {
	f := &fakeMedium{failFirst: 2}
	w := newWorker(f, nil, nil, nil)
	require.NoError(t, w.open())
	defer w.close()

	waitForPeer(t, f)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.GreaterOrEqual(t, f.dials, 3)
}
