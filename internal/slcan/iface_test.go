package slcan

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/clock"
)

// fakePort feeds scripted RX bytes and captures TX bytes.
type fakePort struct {
	rx     bytes.Buffer
	tx     bytes.Buffer
	wrErr  error
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.rx.Len() == 0 {
		return 0, io.EOF // quiet line, like a serial read timeout
	}
	return p.rx.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.wrErr != nil {
		return 0, p.wrErr
	}
	return p.tx.Write(b)
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestIfaceSendWritesWireFormat(t *testing.T) {
	port := &fakePort{}
	ifc := NewIface(port, &clock.Mock{})
	n, err := ifc.Send(can.NewFrame(0x123, []byte{0xAB}), 0, 0)
	if err != nil || n != 1 {
		t.Fatalf("send n=%d err=%v", n, err)
	}
	if got := port.tx.String(); got != "t1231AB\r" {
		t.Fatalf("wire %q", got)
	}
}

func TestIfaceSendRejectsFDPayload(t *testing.T) {
	ifc := NewIface(&fakePort{}, &clock.Mock{})
	if _, err := ifc.Send(can.NewFrame(0x100, make([]byte, 12)), 0, 0); err == nil {
		t.Fatal("send accepted a CAN FD payload")
	}
}

func TestIfaceReceiveParsesLines(t *testing.T) {
	port := &fakePort{}
	port.rx.WriteString("t1232ABCD\rT18DA00F1101\r")
	clk := &clock.Mock{}
	clk.Set(7 * time.Millisecond)
	ifc := NewIface(port, clk)

	var rx can.RxFrame
	n, err := ifc.Receive(&rx)
	if err != nil || n != 1 {
		t.Fatalf("receive n=%d err=%v", n, err)
	}
	if rx.CANID != 0x123 || rx.DataLength() != 2 || rx.Data[0] != 0xAB || rx.Data[1] != 0xCD {
		t.Fatalf("rx=%+v", rx.Frame)
	}
	if rx.TsMono != 7*time.Millisecond {
		t.Fatalf("mono stamp %v", rx.TsMono)
	}

	n, err = ifc.Receive(&rx)
	if err != nil || n != 1 {
		t.Fatalf("second receive n=%d err=%v", n, err)
	}
	if !rx.IsExtended() || rx.CANID&can.CAN_EFF_MASK != 0x18DA00F1 {
		t.Fatalf("rx=%+v", rx.Frame)
	}

	if n, _ := ifc.Receive(&rx); n != 0 {
		t.Fatal("receive returned a frame on a drained line")
	}
}

func TestIfaceReceiveSkipsMalformedLines(t *testing.T) {
	port := &fakePort{}
	port.rx.WriteString("garbage\rt1231FF\r")
	ifc := NewIface(port, &clock.Mock{})

	var rx can.RxFrame
	n, err := ifc.Receive(&rx)
	if err != nil || n != 1 {
		t.Fatalf("receive n=%d err=%v", n, err)
	}
	if rx.CANID != 0x123 {
		t.Fatalf("rx id 0x%X", rx.CANID)
	}
	if ifc.ErrorCount() != 1 {
		t.Fatalf("errorCount=%d, want 1", ifc.ErrorCount())
	}
}

func TestIfaceReceiveWaitsForCompleteLine(t *testing.T) {
	port := &fakePort{}
	port.rx.WriteString("t123") // partial frame
	ifc := NewIface(port, &clock.Mock{})

	var rx can.RxFrame
	if n, _ := ifc.Receive(&rx); n != 0 {
		t.Fatal("receive returned a frame from a partial line")
	}
	port.rx.WriteString("1FF\r")
	if n, _ := ifc.Receive(&rx); n != 1 || rx.CANID != 0x123 {
		t.Fatalf("n=%d id=0x%X after completing the line", n, rx.CANID)
	}
}

func TestIfaceRemoteFrameMapsToRTR(t *testing.T) {
	port := &fakePort{}
	port.rx.WriteString("r1000\r")
	ifc := NewIface(port, &clock.Mock{})
	var rx can.RxFrame
	if n, _ := ifc.Receive(&rx); n != 1 {
		t.Fatal("remote frame not received")
	}
	if !rx.IsRTR() || rx.CANID&can.CAN_EFF_MASK != 0x100 {
		t.Fatalf("rx id 0x%X", rx.CANID)
	}
}

func TestDriverSelect(t *testing.T) {
	port := &fakePort{}
	clk := &clock.Mock{}
	ifc := NewIface(port, clk)
	d := NewDriver(ifc, clk)

	if d.NumIfaces() != 1 || d.Iface(1) != nil {
		t.Fatal("driver shape wrong")
	}

	// Write is always ready; read only once a full line is buffered.
	masks := can.SelectMasks{Read: 1, Write: 1}
	var pending [can.MaxIfaces]*can.Frame
	n, err := d.Select(&masks, &pending, 0)
	if err != nil || n != 1 || masks.Write != 1 || masks.Read != 0 {
		t.Fatalf("n=%d read=%b write=%b err=%v", n, masks.Read, masks.Write, err)
	}

	port.rx.WriteString("t1230\r")
	masks = can.SelectMasks{Read: 1}
	n, err = d.Select(&masks, &pending, 0)
	if err != nil || n != 1 || masks.Read != 1 {
		t.Fatalf("n=%d read=%b err=%v with buffered line", n, masks.Read, err)
	}
}

func TestIfaceClose(t *testing.T) {
	port := &fakePort{}
	ifc := NewIface(port, &clock.Mock{})
	if err := ifc.Close(); err != nil || !port.closed {
		t.Fatalf("close err=%v closed=%v", err, port.closed)
	}
}
