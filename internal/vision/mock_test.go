package vision

import (
	"net"
	"sync"
	"time"
)

// mockSocket replays scripted datagrams, then reports read timeouts the
// way a socket with a deadline does.
type mockSocket struct {
	mu       sync.Mutex
	packets  [][]byte
	readErr  error
	closed   bool
	rcvBuf   int
	deadline time.Time
}

func (m *mockSocket) push(data []byte) {
	m.mu.Lock()
	m.packets = append(m.packets, data)
	m.mu.Unlock()
}

func (m *mockSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.readErr != nil {
		err := m.readErr
		m.readErr = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if len(m.packets) == 0 {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.packets[0]
	m.packets = m.packets[1:]
	m.mu.Unlock()
	return copy(b, pkt), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000}, nil
}

func (m *mockSocket) SetReadBuffer(n int) error {
	m.mu.Lock()
	m.rcvBuf = n
	m.mu.Unlock()
	return nil
}

func (m *mockSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.deadline = t
	m.mu.Unlock()
	return nil
}

func (m *mockSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5800}
}

type mockFactory struct {
	socket *mockSocket
	err    error
	addrs  []*net.UDPAddr
}

func (f *mockFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.addrs = append(f.addrs, laddr)
	if f.err != nil {
		return nil, f.err
	}
	return f.socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
