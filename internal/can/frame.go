package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the largest payload a single frame can carry (CAN FD).
const MaxDataLen = 64

// dlcToLen maps a CAN FD data length code to the payload length it encodes.
var dlcToLen = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// LengthToDLC returns the smallest DLC whose payload length accommodates n,
// or 16 (an invalid code) when n exceeds 64.
func LengthToDLC(n int) uint8 {
	for code, l := range dlcToLen {
		if n <= int(l) {
			return uint8(code)
		}
	}
	return 16
}

// DLCToLength returns the payload length encoded by the given DLC,
// or 0 for invalid codes.
func DLCToLength(dlc uint8) int {
	if dlc >= 16 {
		return 0
	}
	return int(dlcToLen[dlc])
}

// Frame is a single CAN or CAN FD bus frame.
// CANID contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// DLC is a CAN FD data length code; only the first DataLength() bytes
// of Data are meaningful. Frames are value types and comparable; the
// constructors zero-fill the payload so == behaves as expected.
type Frame struct {
	CANID uint32
	DLC   uint8
	Data  [MaxDataLen]byte
}

// NewFrame builds a frame from an identifier (with flag bits) and payload.
// Payloads longer than 64 bytes are truncated. The DLC is rounded up to the
// nearest representable CAN FD length; the padding bytes stay zero.
func NewFrame(id uint32, data []byte) Frame {
	if len(data) > MaxDataLen {
		data = data[:MaxDataLen]
	}
	f := Frame{CANID: id, DLC: LengthToDLC(len(data))}
	copy(f.Data[:], data)
	return f
}

func (f Frame) IsExtended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) IsRTR() bool      { return f.CANID&CAN_RTR_FLAG != 0 }
func (f Frame) IsError() bool    { return f.CANID&CAN_ERR_FLAG != 0 }

// DataLength returns the payload length encoded by the frame's DLC.
func (f Frame) DataLength() int { return DLCToLength(f.DLC) }

// SetDataLength updates the DLC to accommodate a payload of n bytes.
func (f *Frame) SetDataLength(n int) { f.DLC = LengthToDLC(n) }

// PriorityHigherThan reports whether this frame wins bus arbitration
// against rhs.
//
// CAN frame arbitration rules, particularly STD vs EXT:
//
//	Marco Di Natale - "Understanding and using the Controller Area Network"
func (f Frame) PriorityHigherThan(rhs Frame) bool {
	cleanID := f.CANID & CAN_EFF_MASK
	rhsCleanID := rhs.CANID & CAN_EFF_MASK

	// STD vs EXT - if the 11 most significant bits are the same, EXT loses.
	ext := f.CANID&CAN_EFF_FLAG != 0
	rhsExt := rhs.CANID&CAN_EFF_FLAG != 0
	if ext != rhsExt {
		arb11 := cleanID
		if ext {
			arb11 = cleanID >> 18
		}
		rhsArb11 := rhsCleanID
		if rhsExt {
			rhsArb11 = rhsCleanID >> 18
		}
		if arb11 != rhsArb11 {
			return arb11 < rhsArb11
		}
		return rhsExt
	}

	// RTR vs data frame - same identifier and frame type, RTR loses.
	rtr := f.CANID&CAN_RTR_FLAG != 0
	rhsRtr := rhs.CANID&CAN_RTR_FLAG != 0
	if cleanID == rhsCleanID && rtr != rhsRtr {
		return rhsRtr
	}

	// Plain ID arbitration - greater value loses.
	return cleanID < rhsCleanID
}

// PriorityLowerThan is the inverse comparison; equal-priority frames are
// neither higher nor lower.
func (f Frame) PriorityLowerThan(rhs Frame) bool { return rhs.PriorityHigherThan(f) }

// ComparePriority orders frames for the TX queue: positive when f wins
// arbitration against rhs, negative when it loses, zero when the
// priority-relevant bits are equal.
func (f Frame) ComparePriority(rhs Frame) int {
	if f.PriorityHigherThan(rhs) {
		return 1
	}
	if f.PriorityLowerThan(rhs) {
		return -1
	}
	return 0
}
