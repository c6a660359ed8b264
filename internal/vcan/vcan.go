// Package vcan provides an in-memory CAN driver with up to three virtual
// interfaces. It backs the demo binary and the transport tests: frames
// injected into an interface appear on its RX side, transmitted frames are
// captured for inspection, and TX readiness and fault injection are
// scriptable.
package vcan

import (
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/clock"
)

// DefaultRxCapacity bounds each interface's RX buffer.
const DefaultRxCapacity = 256

// wakeGranularity paces the blocking Select loop between wake events.
const wakeGranularity = time.Millisecond

var errRxOverflow = errors.New("vcan: rx queue full")

type iface struct {
	bus   *Bus
	index int

	mu       sync.Mutex
	rxq      *queue.Queue // of can.RxFrame
	rxCap    int
	sent     []can.Frame
	txReady  bool
	sendErr  error
	recvErr  error
	errCount uint64
}

// Bus is a virtual CAN driver.
type Bus struct {
	clk       clock.Clock
	ifaces    []*iface
	wake      chan struct{}
	mu        sync.Mutex
	selectErr error
}

// New creates a bus with numIfaces virtual interfaces, all TX-ready.
func New(clk clock.Clock, numIfaces int) *Bus {
	if numIfaces < 1 {
		numIfaces = 1
	}
	if numIfaces > can.MaxIfaces {
		numIfaces = can.MaxIfaces
	}
	b := &Bus{clk: clk, wake: make(chan struct{}, 1)}
	for i := 0; i < numIfaces; i++ {
		b.ifaces = append(b.ifaces, &iface{
			bus:     b,
			index:   i,
			rxq:     queue.New(),
			rxCap:   DefaultRxCapacity,
			txReady: true,
		})
	}
	return b
}

func (b *Bus) NumIfaces() int { return len(b.ifaces) }

func (b *Bus) Iface(index int) can.Iface {
	if index < 0 || index >= len(b.ifaces) {
		return nil
	}
	return b.ifaces[index]
}

// Inject places a frame on the RX side of an interface, stamped with the
// bus clock.
func (b *Bus) Inject(index int, f can.Frame) error {
	if index < 0 || index >= len(b.ifaces) {
		return errors.New("vcan: no such iface")
	}
	ifc := b.ifaces[index]
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if ifc.rxq.Length() >= ifc.rxCap {
		return errRxOverflow
	}
	ifc.rxq.Add(can.RxFrame{
		Frame:      f,
		TsMono:     b.clk.Monotonic(),
		TsUTC:      b.clk.UTC(),
		IfaceIndex: uint8(index),
	})
	b.wakeUp()
	return nil
}

// Sent drains and returns the frames transmitted on an interface so far.
func (b *Bus) Sent(index int) []can.Frame {
	ifc := b.ifaces[index]
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	out := ifc.sent
	ifc.sent = nil
	return out
}

// SetTxReady controls whether an interface reports write readiness and
// accepts frames. A non-ready interface returns 0 from Send (TX buffer
// full), which is how arbitration loss is simulated.
func (b *Bus) SetTxReady(index int, ready bool) {
	ifc := b.ifaces[index]
	ifc.mu.Lock()
	ifc.txReady = ready
	ifc.mu.Unlock()
	b.wakeUp()
}

// FailSend makes Send on an interface return err until cleared with nil.
func (b *Bus) FailSend(index int, err error) {
	ifc := b.ifaces[index]
	ifc.mu.Lock()
	ifc.sendErr = err
	ifc.mu.Unlock()
}

// FailReceive makes Receive on an interface return err until cleared.
func (b *Bus) FailReceive(index int, err error) {
	ifc := b.ifaces[index]
	ifc.mu.Lock()
	ifc.recvErr = err
	ifc.mu.Unlock()
}

// FailSelect makes Select return err until cleared with nil.
func (b *Bus) FailSelect(err error) {
	b.mu.Lock()
	b.selectErr = err
	b.mu.Unlock()
	b.wakeUp()
}

func (b *Bus) wakeUp() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Select reports interface readiness, blocking up to the monotonic deadline.
// A zero deadline performs a single non-blocking poll. The pending TX hints
// are ignored; the virtual bus accepts frames in call order.
func (b *Bus) Select(masks *can.SelectMasks, _ *[can.MaxIfaces]*can.Frame, blockingDeadline time.Duration) (int, error) {
	for {
		b.mu.Lock()
		err := b.selectErr
		b.mu.Unlock()
		if err != nil {
			return 0, err
		}

		var ready can.SelectMasks
		n := 0
		for _, ifc := range b.ifaces {
			bit := uint8(1) << ifc.index
			ifc.mu.Lock()
			if masks.Read&bit != 0 && ifc.rxq.Length() > 0 {
				ready.Read |= bit
				n++
			}
			if masks.Write&bit != 0 && ifc.txReady {
				ready.Write |= bit
				n++
			}
			ifc.mu.Unlock()
		}
		if n > 0 {
			*masks = ready
			return n, nil
		}
		if blockingDeadline == 0 || b.clk.Monotonic() >= blockingDeadline {
			*masks = can.SelectMasks{}
			return 0, nil
		}
		select {
		case <-b.wake:
		case <-time.After(wakeGranularity):
		}
	}
}

func (ifc *iface) Send(f can.Frame, _ time.Duration, flags can.IOFlags) (int, error) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if ifc.sendErr != nil {
		ifc.errCount++
		return 0, ifc.sendErr
	}
	if !ifc.txReady {
		return 0, nil
	}
	ifc.sent = append(ifc.sent, f)
	if flags&can.FlagLoopback != 0 && ifc.rxq.Length() < ifc.rxCap {
		ifc.rxq.Add(can.RxFrame{
			Frame:      f,
			TsMono:     ifc.bus.clk.Monotonic(),
			TsUTC:      ifc.bus.clk.UTC(),
			IfaceIndex: uint8(ifc.index),
			Flags:      can.FlagLoopback,
		})
	}
	return 1, nil
}

func (ifc *iface) Receive(out *can.RxFrame) (int, error) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if ifc.recvErr != nil {
		ifc.errCount++
		return 0, ifc.recvErr
	}
	if ifc.rxq.Length() == 0 {
		return 0, nil
	}
	*out = ifc.rxq.Remove().(can.RxFrame)
	return 1, nil
}

func (ifc *iface) NumFilters() int { return 0 }

func (ifc *iface) ErrorCount() uint64 {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.errCount
}

var _ can.Driver = (*Bus)(nil)
