package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}

	got, _ = PortOptions{BaudRate: -5}.Normalize()
	if got.BaudRate != DefaultBaudRate {
		t.Errorf("negative baud rate should default to %d, got %d", DefaultBaudRate, got.BaudRate)
	}
}

func TestPortOptions_Normalize_Parity(t *testing.T) {
	tests := map[string]string{
		"":     "N",
		"n":    "N",
		"none": "N",
		" e ":  "E",
		"EVEN": "E",
		"o":    "O",
		"Odd":  "O",
	}
	for in, want := range tests {
		got, err := PortOptions{Parity: in}.Normalize()
		if err != nil {
			t.Errorf("Parity %q: unexpected error %v", in, err)
			continue
		}
		if got.Parity != want {
			t.Errorf("Parity %q normalised to %q, want %q", in, got.Parity, want)
		}
	}
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"data bits low", PortOptions{DataBits: 4}},
		{"data bits high", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "mark"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Normalize(); err == nil {
				t.Errorf("expected error for %+v", tt.opts)
			}
			if _, err := tt.opts.SerialMode(); err == nil {
				t.Errorf("SerialMode should reject %+v", tt.opts)
			}
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	tests := []struct {
		name   string
		opts   PortOptions
		parity serial.Parity
		stop   serial.StopBits
	}{
		{"default", PortOptions{}, serial.NoParity, serial.OneStopBit},
		{"even", PortOptions{Parity: "E"}, serial.EvenParity, serial.OneStopBit},
		{"odd two stop", PortOptions{Parity: "O", StopBits: 2}, serial.OddParity, serial.TwoStopBits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := tt.opts.SerialMode()
			if err != nil {
				t.Fatalf("SerialMode() error = %v", err)
			}
			if mode.BaudRate != DefaultBaudRate || mode.DataBits != 8 {
				t.Errorf("mode = %+v", mode)
			}
			if mode.Parity != tt.parity {
				t.Errorf("Parity = %v, want %v", mode.Parity, tt.parity)
			}
			if mode.StopBits != tt.stop {
				t.Errorf("StopBits = %v, want %v", mode.StopBits, tt.stop)
			}
		})
	}
}
