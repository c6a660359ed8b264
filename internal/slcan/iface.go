package slcan

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/clock"
	"github.com/kstaniek/go-canio/internal/metrics"
)

// Iface adapts an slcan serial link to the can.Iface contract.
type Iface struct {
	mu       sync.Mutex
	port     Port
	clk      clock.Clock
	rxbuf    bytes.Buffer
	errCount uint64
}

// NewIface wraps an open serial port.
func NewIface(port Port, clk clock.Clock) *Iface {
	return &Iface{port: port, clk: clk}
}

func (ifc *Iface) Close() error { return ifc.port.Close() }

// Send writes one frame to the serial line. Serial links buffer deeply, so
// a successful write counts as transmitted.
func (ifc *Iface) Send(fr can.Frame, _ time.Duration, _ can.IOFlags) (int, error) {
	if fr.DataLength() > 8 {
		return 0, fmt.Errorf("%w: classic CAN only", ErrMalformed)
	}
	wire, err := Encode(Frame{
		ID:       fr.CANID & can.CAN_EFF_MASK,
		Extended: fr.IsExtended(),
		Remote:   fr.IsRTR(),
		Data:     dataOf(fr),
	})
	if err != nil {
		return 0, err
	}
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if _, err := ifc.port.Write(wire); err != nil {
		ifc.errCount++
		metrics.IncError(metrics.ErrSLCAN)
		return 0, fmt.Errorf("slcan write: %w", err)
	}
	return 1, nil
}

func dataOf(fr can.Frame) []byte {
	if fr.IsRTR() {
		return nil
	}
	return fr.Data[:fr.DataLength()]
}

// Receive pulls buffered bytes off the line and returns the next complete
// frame, if any. Malformed lines are counted and skipped, not fatal; the
// line may glitch without taking the transport down.
func (ifc *Iface) Receive(out *can.RxFrame) (int, error) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.fill()
	for {
		line, ok := ifc.nextLine()
		if !ok {
			return 0, nil
		}
		if len(line) == 0 {
			continue
		}
		f, err := Decode(line)
		if err != nil {
			ifc.errCount++
			metrics.IncError(metrics.ErrSLCAN)
			continue
		}
		id := f.ID
		if f.Extended {
			id |= can.CAN_EFF_FLAG
		}
		if f.Remote {
			id |= can.CAN_RTR_FLAG
		}
		out.Frame = can.NewFrame(id, f.Data)
		out.TsMono = ifc.clk.Monotonic()
		out.TsUTC = ifc.clk.UTC()
		out.Flags = 0
		return 1, nil
	}
}

// fill drains whatever the port has ready; the port's read timeout bounds
// the wait on a quiet line.
func (ifc *Iface) fill() {
	var chunk [256]byte
	n, err := ifc.port.Read(chunk[:])
	if n > 0 {
		ifc.rxbuf.Write(chunk[:n])
	}
	_ = err // timeouts and EOF are normal on a quiet line
}

func (ifc *Iface) nextLine() ([]byte, bool) {
	data := ifc.rxbuf.Bytes()
	i := bytes.IndexByte(data, '\r')
	if i < 0 {
		return nil, false
	}
	line := make([]byte, i)
	copy(line, data[:i])
	ifc.rxbuf.Next(i + 1)
	return line, true
}

// Buffered reports whether a complete frame is waiting; used by the driver
// to compute read readiness without consuming input.
func (ifc *Iface) Buffered() bool {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.fill()
	return bytes.IndexByte(ifc.rxbuf.Bytes(), '\r') >= 0
}

func (ifc *Iface) NumFilters() int { return 0 }

func (ifc *Iface) ErrorCount() uint64 {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.errCount
}

// Driver exposes one slcan interface through the can.Driver contract.
type Driver struct {
	iface *Iface
	clk   clock.Clock
}

// NewDriver wraps a single slcan interface.
func NewDriver(iface *Iface, clk clock.Clock) *Driver {
	return &Driver{iface: iface, clk: clk}
}

func (d *Driver) NumIfaces() int { return 1 }

func (d *Driver) Iface(index int) can.Iface {
	if index != 0 {
		return nil
	}
	return d.iface
}

// Select reports the serial link write-ready whenever asked (the UART
// buffers frames) and read-ready when a complete line is buffered, pacing
// the wait with the port's own read timeout.
func (d *Driver) Select(masks *can.SelectMasks, _ *[can.MaxIfaces]*can.Frame, blockingDeadline time.Duration) (int, error) {
	for {
		var ready can.SelectMasks
		n := 0
		if masks.Write&1 != 0 {
			ready.Write = 1
			n++
		}
		if masks.Read&1 != 0 && d.iface.Buffered() {
			ready.Read = 1
			n++
		}
		if n > 0 {
			*masks = ready
			return n, nil
		}
		if blockingDeadline == 0 || d.clk.Monotonic() >= blockingDeadline {
			*masks = can.SelectMasks{}
			return 0, nil
		}
		// Buffered already blocked on the port read timeout; loop.
	}
}

var _ can.Driver = (*Driver)(nil)
var _ can.Iface = (*Iface)(nil)
