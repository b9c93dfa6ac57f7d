package transport

import (
	"context"
	"fmt"
	"io"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// DefaultBaudRate is the radio's USB serial speed.
const DefaultBaudRate = 115200

// NewSerial returns a stream transport over a USB/UART serial port.
func NewSerial(portName string, baud int, log *zap.Logger) *StreamTransport {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	dial := func(_ context.Context) (io.ReadWriteCloser, error) {
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("serial: open %s: %w", portName, err)
		}
		return port, nil
	}
	return NewStreamTransport("serial "+portName, dial, log)
}

// SerialPorts lists candidate serial ports on this machine.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
