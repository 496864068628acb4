package vesc

import (
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/utils"
)

var errLinkClosed = errors.New("serial link not open")

// link is the transport the codec and motor talk through. Satisfied by
// serialLink; tests substitute a fake.
type link interface {
	write(p []byte) error
	read(n int, timeout time.Duration) ([]byte, error)
	flushInput() error
	flushOutput() error
	isOpen() bool
	close() error
}

// serialLink owns the open serial channel to the controller. It is not safe
// for concurrent use on its own; the motor serializes access to it.
type serialLink struct {
	port        serial.Port
	portName    string
	readTimeout time.Duration
	open        bool
}

// openLink opens portName at the given baud rate with the controller's fixed
// line settings (8 data bits, no parity, 1 stop bit).
func openLink(portName string, baud int, readTimeout time.Duration) (*serialLink, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", portName)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		utils.UncheckedError(port.Close())
		return nil, errors.Wrapf(err, "failed to set read timeout on %s", portName)
	}
	return &serialLink{
		port:        port,
		portName:    portName,
		readTimeout: readTimeout,
		open:        true,
	}, nil
}

func (l *serialLink) write(p []byte) error {
	if !l.open {
		return errLinkClosed
	}
	n, err := l.port.Write(p)
	if err != nil {
		return errors.Wrapf(err, "serial write to %s failed", l.portName)
	}
	if n != len(p) {
		return errors.Errorf("short write to %s: %d of %d bytes", l.portName, n, len(p))
	}
	return errors.Wrapf(l.port.Drain(), "serial drain on %s failed", l.portName)
}

// read returns up to n bytes, fewer if the timeout expires first. The
// configured default read timeout is restored before returning.
func (l *serialLink) read(n int, timeout time.Duration) ([]byte, error) {
	if !l.open {
		return nil, errLinkClosed
	}
	if timeout != l.readTimeout {
		if err := l.port.SetReadTimeout(timeout); err != nil {
			return nil, errors.Wrapf(err, "failed to set read timeout on %s", l.portName)
		}
		defer func() {
			utils.UncheckedError(l.port.SetReadTimeout(l.readTimeout))
		}()
	}

	buf := make([]byte, n)
	total := 0
	for total < n {
		c, err := l.port.Read(buf[total:])
		if err != nil {
			return buf[:total], errors.Wrapf(err, "serial read from %s failed", l.portName)
		}
		if c == 0 {
			// Timed out with no further bytes.
			break
		}
		total += c
	}
	return buf[:total], nil
}

func (l *serialLink) flushInput() error {
	if !l.open {
		return errLinkClosed
	}
	return l.port.ResetInputBuffer()
}

func (l *serialLink) flushOutput() error {
	if !l.open {
		return errLinkClosed
	}
	return l.port.ResetOutputBuffer()
}

func (l *serialLink) isOpen() bool {
	return l.open
}

func (l *serialLink) close() error {
	if !l.open {
		return nil
	}
	l.open = false
	return l.port.Close()
}
