// Package slcan speaks the serial-line CAN (slcan / LAWICEL) ASCII framing
// over a serial port and adapts it to the can.Driver contract as a single
// interface.
package slcan

import (
	"errors"
	"fmt"
)

// ErrMalformed reports a line that does not parse as an slcan frame.
var ErrMalformed = errors.New("slcan: malformed frame")

const (
	stdIDDigits = 3
	extIDDigits = 8
	maxStdID    = 0x7FF
	maxExtID    = 0x1FFFFFFF
)

// Frame is the subset of a CAN frame slcan can carry (classic CAN only).
type Frame struct {
	ID       uint32 // masked identifier, no flag bits
	Extended bool
	Remote   bool
	Data     []byte // nil for remote frames
}

// Encode renders a frame as an slcan line:
//
//	tIIIL[DD..]\r  standard data    TIIIIIIIIL[DD..]\r  extended data
//	rIIIL\r        standard remote  RIIIIIIIIL\r        extended remote
func Encode(f Frame) ([]byte, error) {
	if len(f.Data) > 8 {
		return nil, fmt.Errorf("%w: dlc %d", ErrMalformed, len(f.Data))
	}
	var cmd byte
	digits := stdIDDigits
	switch {
	case f.Remote && f.Extended:
		cmd, digits = 'R', extIDDigits
	case f.Remote:
		cmd = 'r'
	case f.Extended:
		cmd, digits = 'T', extIDDigits
	default:
		cmd = 't'
	}
	maxID := uint32(maxStdID)
	if f.Extended {
		maxID = maxExtID
	}
	if f.ID > maxID {
		return nil, fmt.Errorf("%w: id 0x%X out of range", ErrMalformed, f.ID)
	}

	out := make([]byte, 0, 2+digits+2*len(f.Data)+1)
	out = append(out, cmd)
	for i := digits - 1; i >= 0; i-- {
		out = append(out, hexDigit(byte(f.ID>>(4*i))&0xF))
	}
	out = append(out, hexDigit(byte(len(f.Data))))
	for _, b := range f.Data {
		out = append(out, hexDigit(b>>4), hexDigit(b&0xF))
	}
	return append(out, '\r'), nil
}

// Decode parses one complete slcan line (without the trailing CR).
func Decode(line []byte) (Frame, error) {
	if len(line) == 0 {
		return Frame{}, ErrMalformed
	}
	var f Frame
	digits := stdIDDigits
	switch line[0] {
	case 't':
	case 'T':
		f.Extended = true
		digits = extIDDigits
	case 'r':
		f.Remote = true
	case 'R':
		f.Remote, f.Extended = true, true
		digits = extIDDigits
	default:
		return Frame{}, fmt.Errorf("%w: command %q", ErrMalformed, line[0])
	}
	if len(line) < 1+digits+1 {
		return Frame{}, fmt.Errorf("%w: truncated header", ErrMalformed)
	}
	for _, c := range line[1 : 1+digits] {
		v, ok := hexVal(c)
		if !ok {
			return Frame{}, fmt.Errorf("%w: bad id digit %q", ErrMalformed, c)
		}
		f.ID = f.ID<<4 | uint32(v)
	}
	dlc, ok := hexVal(line[1+digits])
	if !ok || dlc > 8 {
		return Frame{}, fmt.Errorf("%w: bad dlc", ErrMalformed)
	}
	if f.Remote {
		if len(line) != 1+digits+1 {
			return Frame{}, fmt.Errorf("%w: remote frame carries data", ErrMalformed)
		}
		return f, nil
	}
	if len(line) != 1+digits+1+2*int(dlc) {
		return Frame{}, fmt.Errorf("%w: data length mismatch", ErrMalformed)
	}
	f.Data = make([]byte, 0, dlc)
	for i := 0; i < int(dlc); i++ {
		hi, ok1 := hexVal(line[1+digits+1+2*i])
		lo, ok2 := hexVal(line[1+digits+2+2*i])
		if !ok1 || !ok2 {
			return Frame{}, fmt.Errorf("%w: bad data digit", ErrMalformed)
		}
		f.Data = append(f.Data, hi<<4|lo)
	}
	return f, nil
}

func hexDigit(v byte) byte {
	if v < 10 {
		return '0' + v
	}
	return 'A' + v - 10
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
