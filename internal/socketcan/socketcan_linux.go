//go:build linux

// Package socketcan implements the can.Driver contract over Linux raw
// AF_CAN sockets, one socket per interface, with a poll(2)-backed multiplex
// primitive.
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/clock"
)

type device struct {
	fd       int
	name     string
	clk      clock.Clock
	errCount atomic.Uint64
}

// Driver is a set of SocketCAN interfaces.
type Driver struct {
	clk     clock.Clock
	devices []*device
}

// Open binds one raw CAN socket per interface name (e.g. "can0", "can1").
func Open(clk clock.Clock, names ...string) (*Driver, error) {
	if len(names) < 1 || len(names) > can.MaxIfaces {
		return nil, fmt.Errorf("socketcan: want 1..%d interfaces, got %d", can.MaxIfaces, len(names))
	}
	d := &Driver{clk: clk}
	for _, name := range names {
		dev, err := open(clk, name)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.devices = append(d.devices, dev)
	}
	return d, nil
}

func open(clk clock.Clock, name string) (*device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", name, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", name, err)
	}
	return &device{fd: fd, name: name, clk: clk}, nil
}

// Close releases all sockets.
func (d *Driver) Close() error {
	var first error
	for _, dev := range d.devices {
		if err := unix.Close(dev.fd); err != nil && first == nil {
			first = err
		}
	}
	d.devices = nil
	return first
}

func (d *Driver) NumIfaces() int { return len(d.devices) }

func (d *Driver) Iface(index int) can.Iface {
	if index < 0 || index >= len(d.devices) {
		return nil
	}
	return d.devices[index]
}

// Select polls the sockets for the readiness requested in masks, blocking
// up to the monotonic deadline (zero = single non-blocking poll). The
// pending TX hints are not used; the kernel queues frames in write order.
func (d *Driver) Select(masks *can.SelectMasks, _ *[can.MaxIfaces]*can.Frame, blockingDeadline time.Duration) (int, error) {
	fds := make([]unix.PollFd, 0, len(d.devices))
	idx := make([]int, 0, len(d.devices))
	for i, dev := range d.devices {
		var events int16
		if masks.Read&(1<<i) != 0 {
			events |= unix.POLLIN
		}
		if masks.Write&(1<<i) != 0 {
			events |= unix.POLLOUT
		}
		if events == 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(dev.fd), Events: events})
		idx = append(idx, i)
	}

	timeout := 0
	if blockingDeadline > 0 {
		if remaining := blockingDeadline - d.clk.Monotonic(); remaining > 0 {
			timeout = int(remaining / time.Millisecond)
			if timeout == 0 {
				timeout = 1
			}
		}
	}

	n, err := unix.Poll(fds, timeout)
	if err == unix.EINTR {
		n, err = 0, nil // spurious wake; the caller tolerates it
	}
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}

	var ready can.SelectMasks
	for k, fd := range fds {
		bit := uint8(1) << idx[k]
		if fd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			ready.Read |= bit
		}
		if fd.Revents&unix.POLLOUT != 0 {
			ready.Write |= bit
		}
	}
	ready.Read &= masks.Read
	ready.Write &= masks.Write
	*masks = ready
	return n, nil
}

// Send writes one classic CAN frame to the raw socket. A full kernel TX
// queue reports 0 without error; the TX deadline is enforced by the queue
// layer above, not the kernel.
func (dev *device) Send(fr can.Frame, _ time.Duration, _ can.IOFlags) (int, error) {
	if fr.DataLength() > 8 {
		return 0, fmt.Errorf("socketcan: classic CAN carries at most 8 bytes, got %d", fr.DataLength())
	}
	// struct can_frame (linux/can.h):
	//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
	//   can_dlc u8    [4]
	//   pad     3B    [5:8]
	//   data    [8]   [8:16]
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	n := fr.DataLength()
	buf[4] = uint8(n)
	copy(buf[8:], fr.Data[:n])
	if _, err := unix.Write(dev.fd, buf[:]); err != nil {
		if err == unix.EAGAIN || err == unix.ENOBUFS {
			return 0, nil
		}
		dev.errCount.Add(1)
		return 0, fmt.Errorf("write(can@%s): %w", dev.name, err)
	}
	return 1, nil
}

// Receive reads one classic CAN frame, stamping it with the driver clock.
func (dev *device) Receive(out *can.RxFrame) (int, error) {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(dev.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		dev.errCount.Add(1)
		return 0, fmt.Errorf("read(can@%s): %w", dev.name, err)
	}
	if n != unix.CAN_MTU {
		dev.errCount.Add(1)
		return 0, fmt.Errorf("read(can@%s): short read %d", dev.name, n)
	}
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}
	out.Frame = can.Frame{CANID: binary.LittleEndian.Uint32(buf[0:4])}
	out.Frame.SetDataLength(dlc)
	copy(out.Frame.Data[:], buf[8:8+dlc])
	out.TsMono = dev.clk.Monotonic()
	out.TsUTC = dev.clk.UTC()
	out.Flags = 0
	return 1, nil
}

func (dev *device) NumFilters() int { return 0 }

func (dev *device) ErrorCount() uint64 { return dev.errCount.Load() }

var _ can.Driver = (*Driver)(nil)
