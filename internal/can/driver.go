package can

import (
	"errors"
	"time"
)

// MaxIfaces is the highest number of redundant interfaces a driver may
// expose. The limit comes from the transport specification.
const MaxIfaces = 3

// IOFlags qualify a single send or receive operation.
type IOFlags uint16

const (
	// FlagLoopback requests the frame to be looped back to RX with true
	// TX timestamps.
	FlagLoopback IOFlags = 1 << iota
	// FlagAbortOnError aborts transmission on the first bus error instead
	// of retransmitting. Arbitration loss still retransmits as usual.
	FlagAbortOnError
)

// RxFrame is a received frame plus reception metadata.
type RxFrame struct {
	Frame
	TsMono     time.Duration // monotonic timestamp, mandatory
	TsUTC      time.Time     // zero if the driver cannot provide it
	IfaceIndex uint8
	Flags      IOFlags
}

// SelectMasks describe interface readiness for Driver.Select.
// Bit position defines iface index, e.g. Read = 1 << 2 for the third iface.
type SelectMasks struct {
	Read  uint8
	Write uint8
}

// ErrDriver wraps hardware or multiplex level failures. Callers of the IO
// manager can match it with errors.Is.
var ErrDriver = errors.New("can: driver error")

// Iface is a single non-blocking CAN interface.
type Iface interface {
	// Send transmits one frame without blocking. The driver should discard
	// the frame if it was not on the wire by deadline (monotonic).
	// Returns 1 when the frame was accepted, 0 when the TX buffer is full.
	Send(frame Frame, deadline time.Duration, flags IOFlags) (int, error)

	// Receive reads one frame without blocking, filling in timestamps and
	// flags. Returns 1 when a frame was read, 0 when the RX buffer is empty.
	Receive(out *RxFrame) (int, error)

	// NumFilters reports how many hardware acceptance filters are available.
	NumFilters() int

	// ErrorCount is a continuously incrementing hardware error counter.
	// Arbitration loss is not an error.
	ErrorCount() uint64
}

// Driver is a set of redundant CAN interfaces sharing one multiplex
// primitive.
type Driver interface {
	// Iface returns the interface at the given index, or nil when the index
	// is out of range.
	Iface(index int) Iface

	// NumIfaces reports the number of interfaces; constant after init.
	NumIfaces() int

	// Select blocks until the deadline or until one of the interfaces
	// flagged in masks becomes ready, narrowing masks to the ready set.
	// A zero deadline means a single non-blocking poll.
	//
	// pendingTX carries, per interface, the frame the caller is most likely
	// to transmit next so the driver can arbitrate; entries are nil when
	// nothing is pending. Drivers may return early with no ready interface
	// (spurious wake) and may over-report readiness.
	Select(masks *SelectMasks, pendingTX *[MaxIfaces]*Frame, deadline time.Duration) (int, error)
}
