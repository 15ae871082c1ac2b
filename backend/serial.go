package backend

import "github.com/teensyctl/teensyctl/pkg"

// Parity selects the serial parity discipline.
type Parity int

// Parity options.
const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
	ParityMark
	ParitySpace
)

// Flow selects the serial flow-control discipline.
type Flow int

// Flow control options.
const (
	FlowNone Flow = iota
	FlowXonXoff
	FlowRtsCts
)

// SerialParams carries the recognized serial line options. The zero
// value is not usable; DefaultSerialParams fills the common case.
type SerialParams struct {
	Baud     uint32
	DataBits int // 5, 6, 7 or 8
	Parity   Parity
	StopBits int // 1 or 2
	Flow     Flow
	HupCl    bool // Drop modem lines on close
}

// DefaultSerialParams returns 8N1 with no flow control at the given rate.
func DefaultSerialParams(baud uint32) SerialParams {
	return SerialParams{Baud: baud, DataBits: 8, StopBits: 1}
}

// portableBauds are the rates every backend supports. 134 doubles as the
// Teensy reboot trigger. Rates outside this set may still work on a
// given platform but are not guaranteed.
var portableBauds = map[uint32]bool{
	110: true, 134: true, 150: true, 200: true, 300: true, 600: true,
	1200: true, 1800: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// IsPortableBaud reports whether the rate is in the cross-platform set.
func IsPortableBaud(baud uint32) bool {
	return portableBauds[baud]
}

func (p SerialParams) validate() error {
	switch p.DataBits {
	case 5, 6, 7, 8:
	default:
		return pkg.Errf(pkg.KindParam, "invalid data bits %d", p.DataBits)
	}
	switch p.StopBits {
	case 1, 2:
	default:
		return pkg.Errf(pkg.KindParam, "invalid stop bits %d", p.StopBits)
	}
	if p.Baud == 0 {
		return pkg.Errf(pkg.KindParam, "baud rate must be non-zero")
	}
	return nil
}
