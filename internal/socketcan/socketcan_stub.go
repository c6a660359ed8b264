//go:build !linux

package socketcan

import (
	"errors"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/clock"
)

// ErrUnsupported is returned on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: only supported on linux")

// Driver is unavailable on this platform.
type Driver struct{}

func Open(clock.Clock, ...string) (*Driver, error) { return nil, ErrUnsupported }

func (*Driver) Close() error        { return nil }
func (*Driver) NumIfaces() int      { return 0 }
func (*Driver) Iface(int) can.Iface { return nil }
func (*Driver) Select(*can.SelectMasks, *[can.MaxIfaces]*can.Frame, time.Duration) (int, error) {
	return 0, ErrUnsupported
}
