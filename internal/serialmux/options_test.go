package serialmux

import (
	"testing"

	"github.com/banshee-data/uartsniff/internal/uart"
	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := PortOptions{BaudRate: 38400, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestPortOptions_Normalize_Parity(t *testing.T) {
	tests := map[string]string{
		"even":  "E",
		"o":     "O",
		"MARK":  "M",
		"space": "S",
		"none":  "N",
	}
	for in, want := range tests {
		got, err := PortOptions{Parity: in}.Normalize()
		if err != nil {
			t.Fatalf("Normalize(%q) error = %v", in, err)
		}
		if got.Parity != want {
			t.Errorf("Normalize(%q).Parity = %q, want %q", in, got.Parity, want)
		}
	}
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	for _, opts := range []PortOptions{
		{DataBits: 9},
		{DataBits: 4},
		{StopBits: 3},
		{Parity: "Z"},
	} {
		if _, err := opts.Normalize(); err == nil {
			t.Errorf("Normalize(%+v) expected error", opts)
		}
	}
}

func TestPortOptions_Equal(t *testing.T) {
	if !(PortOptions{Parity: "even"}).Equal(PortOptions{BaudRate: 38400, Parity: "E", DataBits: 8, StopBits: 1}) {
		t.Error("expected normalized options to be equal")
	}
	if (PortOptions{BaudRate: 9600}).Equal(PortOptions{BaudRate: 19200}) {
		t.Error("different baud rates should not be equal")
	}
	if (PortOptions{DataBits: 9}).Equal(PortOptions{DataBits: 9}) {
		t.Error("invalid options are never equal")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptionsFor(38400, uart.DefaultTemplate()).SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != 38400 || mode.DataBits != 8 {
		t.Errorf("unexpected mode %+v", mode)
	}
	if mode.Parity != serial.EvenParity {
		t.Errorf("Parity = %v, want EvenParity", mode.Parity)
	}
	if mode.StopBits != serial.TwoStopBits {
		t.Errorf("StopBits = %v, want TwoStopBits", mode.StopBits)
	}

	mode, err = PortOptions{Parity: "M", StopBits: 1}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.Parity != serial.MarkParity || mode.StopBits != serial.OneStopBit {
		t.Errorf("unexpected mode %+v", mode)
	}

	if _, err := (PortOptions{StopBits: 5}).SerialMode(); err == nil {
		t.Error("expected error for invalid stop bits")
	}
}
