package canio

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/clock"
	"github.com/kstaniek/go-canio/internal/logging"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/pool"
)

// PerfCounters aggregates per-interface observability counters.
type PerfCounters struct {
	FramesTx uint64
	FramesRx uint64
	Errors   uint64
}

type ifaceCounters struct {
	framesTx uint64
	framesRx uint64
}

// IOManager multiplexes send/receive across the driver's redundant
// interfaces. It holds one TX queue per interface and drains queued backlog
// opportunistically on every call that touches the hardware, so a queued
// low-priority frame cannot starve behind a caller that only ever receives.
//
// The manager is stateless between calls apart from the queues and counters.
// It expects a single cooperative execution context; concurrent callers need
// external serialization.
type IOManager struct {
	driver    can.Driver
	clk       clock.Clock
	queues    [can.MaxIfaces]*TxQueue
	counters  [can.MaxIfaces]ifaceCounters
	numIfaces int
}

// NewIOManager wires the manager to a driver, a shared block pool and a
// clock. blocksPerIface caps each queue's draw from the pool; zero selects
// capacity/(n+1)+1, leaving headroom for other pool consumers.
func NewIOManager(driver can.Driver, p *pool.Pool, clk clock.Clock, blocksPerIface int) (*IOManager, error) {
	n := driver.NumIfaces()
	if n < 1 || n > can.MaxIfaces {
		return nil, fmt.Errorf("canio: driver reports %d ifaces, want 1..%d", n, can.MaxIfaces)
	}
	if blocksPerIface <= 0 {
		blocksPerIface = p.Capacity()/(n+1) + 1
	}
	m := &IOManager{driver: driver, clk: clk, numIfaces: n}
	for i := 0; i < n; i++ {
		m.queues[i] = NewTxQueue(pool.Limit(p, blocksPerIface), clk, i)
	}
	return m, nil
}

// NumIfaces reports the number of configured interfaces.
func (m *IOManager) NumIfaces() int { return m.numIfaces }

// Driver exposes the underlying CAN driver.
func (m *IOManager) Driver() can.Driver { return m.driver }

// IfacePerfCounters returns the observability counters of one interface.
// Errors combine hardware errors with frames rejected by the TX queue.
func (m *IOManager) IfacePerfCounters(ifaceIndex int) PerfCounters {
	if ifaceIndex < 0 || ifaceIndex >= m.numIfaces {
		return PerfCounters{}
	}
	var cnt PerfCounters
	if iface := m.driver.Iface(ifaceIndex); iface != nil {
		cnt.Errors = iface.ErrorCount()
	}
	cnt.Errors += uint64(m.queues[ifaceIndex].RejectedFrames())
	cnt.FramesTx = m.counters[ifaceIndex].framesTx
	cnt.FramesRx = m.counters[ifaceIndex].framesRx
	return cnt
}

// TxQueue exposes the per-interface queue, mainly for diagnostics.
func (m *IOManager) TxQueue(ifaceIndex int) *TxQueue {
	if ifaceIndex < 0 || ifaceIndex >= m.numIfaces {
		return nil
	}
	return m.queues[ifaceIndex]
}

// pendingTxMask flags every interface with queued backlog.
func (m *IOManager) pendingTxMask() uint8 {
	var mask uint8
	for i := 0; i < m.numIfaces; i++ {
		if !m.queues[i].Empty() {
			mask |= 1 << i
		}
	}
	return mask
}

func (m *IOManager) sendToIface(ifaceIndex int, frame can.Frame, deadline time.Duration, flags can.IOFlags) (int, error) {
	iface := m.driver.Iface(ifaceIndex)
	if iface == nil {
		return 0, fmt.Errorf("%w: no iface %d", can.ErrDriver, ifaceIndex)
	}
	res, err := iface.Send(frame, deadline, flags)
	if err != nil {
		metrics.IncError(metrics.ErrIfaceSend)
		return 0, fmt.Errorf("%w: iface %d send: %v", can.ErrDriver, ifaceIndex, err)
	}
	if res > 0 {
		m.counters[ifaceIndex].framesTx += uint64(res)
		metrics.IncTx(ifaceIndex)
	} else {
		logging.L().Debug("iface_tx_not_accepted", "iface", ifaceIndex, "id", frame.CANID)
	}
	return res, nil
}

// sendFromTxQueue drains at most one frame from the interface's queue.
func (m *IOManager) sendFromTxQueue(ifaceIndex int) (int, error) {
	entry := m.queues[ifaceIndex].Peek()
	if entry == nil {
		return 0, nil
	}
	res, err := m.sendToIface(ifaceIndex, entry.Frame, entry.Deadline, entry.Flags)
	if res > 0 {
		m.queues[ifaceIndex].Remove(entry)
	}
	return res, err
}

// callSelect invokes the driver multiplex primitive and narrows the returned
// masks to the requested set; drivers are not required to clean them.
func (m *IOManager) callSelect(masks *can.SelectMasks, pendingTX *[can.MaxIfaces]*can.Frame, blockingDeadline time.Duration) (int, error) {
	in := *masks
	res, err := m.driver.Select(masks, pendingTX, blockingDeadline)
	if err != nil {
		metrics.IncError(metrics.ErrSelect)
		return 0, fmt.Errorf("%w: select: %v", can.ErrDriver, err)
	}
	masks.Read &= in.Read
	masks.Write &= in.Write
	return res, nil
}

// Send transmits a frame on every interface flagged in ifaceMask. It blocks
// up to blockingDeadline (clamped to txDeadline, never waiting past the
// point the frame itself becomes useless). Interfaces that could not take
// the frame directly get it enqueued for later with txDeadline.
//
// The return value counts direct transmissions only; an enqueued frame is
// not sent yet. Driver-level failures abort immediately.
func (m *IOManager) Send(frame can.Frame, txDeadline, blockingDeadline time.Duration,
	ifaceMask uint8, qos QoS, flags can.IOFlags) (int, error) {

	allIfacesMask := uint8(1<<m.numIfaces) - 1
	ifaceMask &= allIfacesMask

	if blockingDeadline > txDeadline {
		blockingDeadline = txDeadline
	}

	sent := 0
	for ifaceMask != 0 {
		masks := can.SelectMasks{Write: ifaceMask | m.pendingTxMask()}

		// Advertise the next likely frame per interface so the driver can
		// arbitrate when it can only take one frame per wake-up: the new
		// frame wherever it would win against the queue head, else the head.
		var pendingTX [can.MaxIfaces]*can.Frame
		for i := 0; i < m.numIfaces; i++ {
			var peekFrame *can.Frame
			if entry := m.queues[i].Peek(); entry != nil {
				peekFrame = &entry.Frame
			}
			if ifaceMask&(1<<i) != 0 {
				if peekFrame != nil && !frame.PriorityHigherThan(*peekFrame) {
					pendingTX[i] = peekFrame
				} else {
					f := frame
					pendingTX[i] = &f
				}
			} else {
				pendingTX[i] = peekFrame
			}
		}

		if _, err := m.callSelect(&masks, &pendingTX, blockingDeadline); err != nil {
			return sent, err
		}

		for i := 0; i < m.numIfaces; i++ {
			if masks.Write&(1<<i) == 0 {
				continue
			}
			res := 0
			var err error
			if ifaceMask&(1<<i) != 0 {
				if m.queues[i].TopPriorityHigherOrEqual(frame) {
					// May send nothing if the head expired meanwhile.
					res, err = m.sendFromTxQueue(i)
				}
				if err == nil && res <= 0 {
					res, err = m.sendToIface(i, frame, txDeadline, flags)
					if res > 0 {
						ifaceMask &^= 1 << i // transmitted, iface done
					}
				}
			} else {
				res, err = m.sendFromTxQueue(i)
			}
			if err != nil {
				return sent, err
			}
			if res > 0 {
				sent++
			}
		}

		// Timeout: enqueue for the interfaces that missed out and leave.
		timedOut := m.clk.Monotonic() >= blockingDeadline
		if masks.Write == 0 || timedOut {
			if !timedOut {
				logging.L().Debug("send_premature_select_wake")
				continue
			}
			for i := 0; i < m.numIfaces; i++ {
				if ifaceMask&(1<<i) != 0 {
					m.queues[i].Push(frame, txDeadline, qos, flags)
				}
			}
			break
		}
	}
	return sent, nil
}

// Receive blocks up to blockingDeadline for one frame from any interface,
// stamping it with the interface index. Every pass also drains one queued
// frame per write-ready interface, whatever the outcome; the requested
// operation is receive, not send. Returns 0 frames on timeout.
func (m *IOManager) Receive(out *can.RxFrame, blockingDeadline time.Duration) (int, error) {
	for {
		masks := can.SelectMasks{
			Read:  uint8(1<<m.numIfaces) - 1,
			Write: m.pendingTxMask(),
		}

		var pendingTX [can.MaxIfaces]*can.Frame
		for i := 0; i < m.numIfaces; i++ {
			if entry := m.queues[i].Peek(); entry != nil {
				pendingTX[i] = &entry.Frame
			}
		}

		if _, err := m.callSelect(&masks, &pendingTX, blockingDeadline); err != nil {
			return 0, err
		}

		for i := 0; i < m.numIfaces; i++ {
			if masks.Write&(1<<i) != 0 {
				if _, err := m.sendFromTxQueue(i); err != nil {
					logging.L().Debug("rx_drain_failed", "iface", i, "error", err)
				}
			}
		}

		for i := 0; i < m.numIfaces; i++ {
			if masks.Read&(1<<i) == 0 {
				continue
			}
			iface := m.driver.Iface(i)
			if iface == nil {
				continue
			}
			res, err := iface.Receive(out)
			if err != nil {
				metrics.IncError(metrics.ErrIfaceRecv)
				return 0, fmt.Errorf("%w: iface %d receive: %v", can.ErrDriver, i, err)
			}
			if res == 0 {
				// select() over-reported; tolerate and move on.
				logging.L().Debug("rx_ready_but_empty", "iface", i)
				continue
			}
			out.IfaceIndex = uint8(i)
			if out.Flags&can.FlagLoopback == 0 {
				m.counters[i].framesRx++
				metrics.IncRx(i)
			}
			return res, nil
		}

		// Deadline checked last so an already expired deadline still gets
		// one full pass.
		if m.clk.Monotonic() >= blockingDeadline {
			return 0, nil
		}
	}
}
