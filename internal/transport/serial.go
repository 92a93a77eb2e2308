// Package transport provides the serial-like byte channels the emulator
// speaks over: a real serial port for deployment and an in-memory duplex
// pair for tests and embedding.
package transport

import (
	"fmt"
	"io"

	"github.com/tarm/serial"
)

// DefaultBaudRate matches the transceiver's factory setting.
const DefaultBaudRate = 19200

// OpenSerial opens the serial device at path. A baud of 0 selects
// DefaultBaudRate.
func OpenSerial(path string, baud int) (io.ReadWriteCloser, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.OpenPort(&serial.Config{Name: path, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}
