// Package transport implements the framed byte-level channel an
// instrument driver speaks over, plus serial-port enumeration and the
// remembered-port cache used by discovery.
package transport

import (
	"fmt"
	"time"

	goserial "github.com/tarm/serial"
)

// Transport is the framed request/response channel a driver speaks over:
// open/close, a synchronous query, an optional binary query for
// IEEE-488.2 definite-length blocks, and a fire-and-forget write.
type Transport interface {
	Open() error
	Close() error
	IsOpen() bool
	Query(cmd string) (string, error)
	QueryBinary(cmd string) ([]byte, error)
	Write(cmd string) error
}

// SerialTransport is a line-oriented Transport over a serial port
// (tarm/serial), honoring a configurable inter-command delay for
// instruments that need time to prepare a response. Queries are serialized
// by the caller (a session holds one outstanding driver call at a time);
// SerialTransport itself is not safe for concurrent use.
type SerialTransport struct {
	port     *goserial.Port
	portName string
	baud     int
	timeout  time.Duration

	// InterCommandDelay is slept between Write and the subsequent read, to
	// accommodate instruments that need time to prepare a response.
	InterCommandDelay time.Duration
}

// NewSerialTransport constructs a SerialTransport. It does not open the
// port; call Open before use.
func NewSerialTransport(portName string, baud int, readTimeout, interCommandDelay time.Duration) *SerialTransport {
	return &SerialTransport{
		portName:          portName,
		baud:              baud,
		timeout:           readTimeout,
		InterCommandDelay: interCommandDelay,
	}
}

func (t *SerialTransport) Open() error {
	cfg := &goserial.Config{
		Name:        t.portName,
		Baud:        t.baud,
		Parity:      goserial.ParityNone,
		Size:        8,
		StopBits:    goserial.Stop1,
		ReadTimeout: t.timeout,
	}
	port, err := goserial.OpenPort(cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.portName, err)
	}
	t.port = port
	return nil
}

func (t *SerialTransport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *SerialTransport) IsOpen() bool { return t.port != nil }

// Query writes cmd terminated by "\n" and reads a single newline-terminated
// response line.
func (t *SerialTransport) Query(cmd string) (string, error) {
	if t.port == nil {
		return "", fmt.Errorf("transport not open")
	}
	if err := t.Write(cmd); err != nil {
		return "", err
	}
	if t.InterCommandDelay > 0 {
		time.Sleep(t.InterCommandDelay)
	}
	return t.readLine()
}

// QueryBinary reads an IEEE-488.2 "#NXXXX..." definite-length block
// following cmd, e.g. for oscilloscope waveform transfer.
func (t *SerialTransport) QueryBinary(cmd string) ([]byte, error) {
	if t.port == nil {
		return nil, fmt.Errorf("transport not open")
	}
	if err := t.Write(cmd); err != nil {
		return nil, err
	}
	if t.InterCommandDelay > 0 {
		time.Sleep(t.InterCommandDelay)
	}
	header := make([]byte, 2)
	if _, err := t.port.Read(header); err != nil {
		return nil, err
	}
	if header[0] != '#' {
		return nil, fmt.Errorf("not a definite-length block: %q", header)
	}
	nDigits := int(header[1] - '0')
	if nDigits <= 0 || nDigits > 9 {
		return nil, fmt.Errorf("invalid definite-length digit count: %d", nDigits)
	}
	lenBuf := make([]byte, nDigits)
	if _, err := t.port.Read(lenBuf); err != nil {
		return nil, err
	}
	var length int
	if _, err := fmt.Sscanf(string(lenBuf), "%d", &length); err != nil {
		return nil, fmt.Errorf("parse block length: %w", err)
	}
	data := make([]byte, length)
	read := 0
	for read < length {
		n, err := t.port.Read(data[read:])
		if n > 0 {
			read += n
		}
		if err != nil {
			return data[:read], err
		}
	}
	return data, nil
}

func (t *SerialTransport) Write(cmd string) error {
	if t.port == nil {
		return fmt.Errorf("transport not open")
	}
	_, err := t.port.Write([]byte(cmd + "\n"))
	return err
}

func (t *SerialTransport) readLine() (string, error) {
	deadline := time.Now().Add(t.timeout)
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 128)
	for time.Now().Before(deadline) {
		n, err := t.port.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for i, b := range buf {
				if b == '\n' {
					return string(buf[:i]), nil
				}
			}
		}
		if err != nil {
			return string(buf), err
		}
	}
	return string(buf), fmt.Errorf("read timeout after %s; got %d bytes", t.timeout, len(buf))
}
