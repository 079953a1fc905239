package serialmux

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultReadTimeout bounds each blocking read so the reader notices a
// closed port promptly.
const DefaultReadTimeout = 100 * time.Millisecond

// RealSerialPortFactory opens ports with go.bug.st/serial.
type RealSerialPortFactory struct {
	ReadTimeout time.Duration
}

// Open opens the port and applies the read timeout.
func (f RealSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	timeout := f.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return port, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions, muxOpts MuxOptions) (*SerialMux[SerialPorter], error) {
	return OpenSerialMux(RealSerialPortFactory{}, path, opts, muxOpts)
}

// OpenSerialMux opens a port through factory and wraps it in a mux.
func OpenSerialMux(factory SerialPortFactory, path string, opts PortOptions, muxOpts MuxOptions) (*SerialMux[SerialPorter], error) {
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, err
	}
	if muxOpts.Name == "" {
		muxOpts.Name = path
	}
	return NewSerialMux(port, muxOpts), nil
}
