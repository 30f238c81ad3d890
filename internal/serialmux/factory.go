package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the serial device at path with the given options.
func NewRealSerialMux(path string, opts PortOptions, initCommands ...string) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return NewSerialMux[serial.Port](port, initCommands...), nil
}

// ListPorts returns the serial devices present on this host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
