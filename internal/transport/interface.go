package transport

import (
	"io"
	"time"
)

// Conn is a line-oriented, request/response link to an instrument.
type Conn interface {
	// SendLine writes cmd followed by the configured terminator.
	SendLine(cmd string) error
	// ReadLine returns the next non-empty line, waiting at most timeout.
	ReadLine(timeout time.Duration) (string, error)
	// ResetInput discards unread input so a stale reply cannot be taken as
	// the answer to the next query.
	ResetInput() error
	Close() error
}

// Port is the subset of a serial port the transport drives.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}
