package can

import "testing"

func TestDLCRoundTrip(t *testing.T) {
	cases := []struct {
		n   int
		dlc uint8
		len int
	}{
		{0, 0, 0},
		{1, 1, 1},
		{8, 8, 8},
		{9, 9, 12},
		{12, 9, 12},
		{13, 10, 16},
		{20, 11, 20},
		{33, 14, 48},
		{48, 14, 48},
		{49, 15, 64},
		{64, 15, 64},
	}
	for _, c := range cases {
		if got := LengthToDLC(c.n); got != c.dlc {
			t.Errorf("LengthToDLC(%d)=%d, want %d", c.n, got, c.dlc)
		}
		if got := DLCToLength(c.dlc); got != c.len {
			t.Errorf("DLCToLength(%d)=%d, want %d", c.dlc, got, c.len)
		}
	}
	if LengthToDLC(65) != 16 {
		t.Error("LengthToDLC(65) should return the invalid code")
	}
	if DLCToLength(16) != 0 {
		t.Error("DLCToLength(16) should be 0")
	}
}

func TestNewFrameRoundsPayloadUp(t *testing.T) {
	f := NewFrame(0x123, make([]byte, 9))
	if f.DLC != 9 || f.DataLength() != 12 {
		t.Fatalf("dlc=%d len=%d for 9-byte payload", f.DLC, f.DataLength())
	}
	// Padding must stay zero so frames stay comparable by value.
	for i := 9; i < 12; i++ {
		if f.Data[i] != 0 {
			t.Fatalf("padding byte %d is %d", i, f.Data[i])
		}
	}
}

func TestFrameFlagAccessors(t *testing.T) {
	f := NewFrame(0x18DA00F1|CAN_EFF_FLAG, nil)
	if !f.IsExtended() || f.IsRTR() || f.IsError() {
		t.Fatalf("flags ext=%v rtr=%v err=%v", f.IsExtended(), f.IsRTR(), f.IsError())
	}
	r := NewFrame(0x100|CAN_RTR_FLAG, nil)
	if !r.IsRTR() {
		t.Fatal("RTR flag not reported")
	}
	e := NewFrame(CAN_ERR_FLAG, nil)
	if !e.IsError() {
		t.Fatal("error flag not reported")
	}
}

func TestPriorityLowerIDWins(t *testing.T) {
	a := NewFrame(0x100, nil)
	b := NewFrame(0x101, nil)
	if !a.PriorityHigherThan(b) || b.PriorityHigherThan(a) {
		t.Fatal("lower identifier must win arbitration")
	}
	if a.ComparePriority(b) != 1 || b.ComparePriority(a) != -1 {
		t.Fatal("ComparePriority disagrees with PriorityHigherThan")
	}
	if a.ComparePriority(a) != 0 {
		t.Fatal("frame must tie with itself")
	}
}

func TestPriorityExtendedLosesOnEqualBase(t *testing.T) {
	// Both frames present 0x100 in the 11 arbitration bits; the standard
	// frame's dominant IDE bit wins.
	std := NewFrame(0x100, nil)
	ext := NewFrame(0x100<<18|CAN_EFF_FLAG, nil)
	if !std.PriorityHigherThan(ext) {
		t.Fatal("standard frame must win against extended on equal base ID")
	}
	if ext.PriorityHigherThan(std) {
		t.Fatal("extended frame must lose against standard on equal base ID")
	}

	// Different 11-bit fields: the smaller field wins regardless of IDE.
	extLow := NewFrame(0x0FF<<18|CAN_EFF_FLAG, nil)
	if !extLow.PriorityHigherThan(std) {
		t.Fatal("extended 0x0FF must win against standard 0x100")
	}
}

func TestPriorityRTRLosesOnEqualID(t *testing.T) {
	data := NewFrame(0x200, nil)
	rtr := NewFrame(0x200|CAN_RTR_FLAG, nil)
	if !data.PriorityHigherThan(rtr) || rtr.PriorityHigherThan(data) {
		t.Fatal("RTR frame must lose against data frame with the same ID")
	}
}

func TestPriorityExtendedVsExtended(t *testing.T) {
	a := NewFrame(0x1000000|CAN_EFF_FLAG, nil)
	b := NewFrame(0x1000001|CAN_EFF_FLAG, nil)
	if !a.PriorityHigherThan(b) {
		t.Fatal("lower extended identifier must win")
	}
	if a.PriorityHigherThan(a) {
		t.Fatal("frame cannot outrank itself")
	}
}

func TestSetDataLength(t *testing.T) {
	var f Frame
	f.SetDataLength(20)
	if f.DLC != 11 || f.DataLength() != 20 {
		t.Fatalf("dlc=%d len=%d after SetDataLength(20)", f.DLC, f.DataLength())
	}
}
