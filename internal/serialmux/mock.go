package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with scripted reads and
// captured writes. Reads block until data is added or the port is closed.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	readBuffer  bytes.Buffer
	writeBuffer bytes.Buffer

	// WriteError is returned by the next Write call if set
	WriteError error
	// ShortWrite makes Write report one byte fewer than it was given
	ShortWrite bool
	// CloseError is returned by Close if set
	CloseError error

	closed bool
	eof    bool
}

// NewTestableSerialPort creates a port with nothing to read.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && !p.eof && p.readBuffer.Len() == 0 {
		p.cond.Wait()
	}
	if p.closed {
		return 0, errPortClosed
	}
	return p.readBuffer.Read(b) // io.EOF once drained after EndOfInput
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	n, _ := p.writeBuffer.Write(b)
	if p.ShortWrite && n > 0 {
		n--
	}
	return n, nil
}

// Close marks the port closed and wakes blocked readers.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return p.CloseError
}

// AddReadData queues bytes for subsequent reads.
func (p *TestableSerialPort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuffer.WriteString(data)
	p.cond.Broadcast()
}

// EndOfInput makes reads return io.EOF once queued data is consumed.
func (p *TestableSerialPort) EndOfInput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
	p.cond.Broadcast()
}

// Written returns everything written to the port so far.
func (p *TestableSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuffer.String()
}

// Closed reports whether Close was called.
func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
