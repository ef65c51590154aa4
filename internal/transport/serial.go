// Package transport implements line framing over a serial port.
package transport

import (
	"bytes"
	"sync"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate   = 115200
	DefaultTerminator = "\r"
	readChunk         = 256
	// Upper bound for a single blocking read; the deadline loop re-arms it.
	maxReadSlice = 100 * time.Millisecond
)

// Options configure a serial connection.
type Options struct {
	BaudRate   int
	Terminator string
}

// Line is a Conn over a Port.
type Line struct {
	mu         sync.Mutex
	port       Port
	terminator string
	pending    []byte
	closed     bool
}

// Open opens a serial device at 8N1 with the given options.
func Open(path string, opts Options) (*Line, error) {
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}

	port, err := serial.Open(path, &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrConnection, err).WithMessage("failed to open " + path)
	}

	return NewLine(port, opts.Terminator), nil
}

// NewLine wraps an already opened port.
func NewLine(port Port, terminator string) *Line {
	if terminator == "" {
		terminator = DefaultTerminator
	}

	return &Line{port: port, terminator: terminator}
}

// ListPorts returns the serial devices present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrResourceNotFound, err)
	}

	return ports, nil
}

func (l *Line) SendLine(cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New().WithMessage(errors.ErrConnection, "port closed")
	}

	if _, err := l.port.Write([]byte(cmd + l.terminator)); err != nil {
		return errors.New().Wrap(errors.ErrConnection, err)
	}

	return nil
}

func (l *Line) ReadLine(timeout time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", errors.New().WithMessage(errors.ErrConnection, "port closed")
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, readChunk)

	for {
		if line, ok := l.nextLine(); ok {
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errors.New().WithData(errors.ErrTimeout, timeout)
		}

		if err := l.port.SetReadTimeout(min(remaining, maxReadSlice)); err != nil {
			return "", errors.New().Wrap(errors.ErrConnection, err)
		}

		n, err := l.port.Read(buf)
		if err != nil {
			return "", errors.New().Wrap(errors.ErrConnection, err)
		}
		l.pending = append(l.pending, buf[:n]...)
	}
}

// nextLine pops the first non-empty line from pending. CR and LF both end a
// line, so CRLF replies produce one line and one skipped empty line.
func (l *Line) nextLine() (string, bool) {
	for {
		idx := bytes.IndexAny(l.pending, "\r\n")
		if idx < 0 {
			return "", false
		}

		line := string(bytes.TrimSpace(l.pending[:idx]))
		l.pending = l.pending[idx+1:]
		if line != "" {
			return line, true
		}
	}
}

func (l *Line) ResetInput() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New().WithMessage(errors.ErrConnection, "port closed")
	}

	l.pending = l.pending[:0]
	if err := l.port.ResetInputBuffer(); err != nil {
		return errors.New().Wrap(errors.ErrConnection, err)
	}

	return nil
}

// Close releases the port. It waits for an in-flight read and is safe to
// call more than once.
func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.port.Close(); err != nil {
		return errors.New().Wrap(errors.ErrConnection, err)
	}

	return nil
}
