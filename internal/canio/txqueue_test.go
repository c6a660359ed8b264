package canio

import (
	"testing"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/clock"
	"github.com/kstaniek/go-canio/internal/pool"
)

func newTestQueue(blocks int) (*TxQueue, *pool.Pool, *clock.Mock) {
	clk := &clock.Mock{}
	p := pool.New(blocks)
	q := NewTxQueue(pool.Limit(p, blocks), clk, 0)
	return q, p, clk
}

func frameWithID(id uint32, payload ...byte) can.Frame {
	return can.NewFrame(id, payload)
}

func TestPushChargesTwoBlocksPerEntry(t *testing.T) {
	q, p, _ := newTestQueue(8)
	q.Push(frameWithID(100, 1), time.Second, Volatile, 0)
	if q.Len() != 1 {
		t.Fatalf("len=%d, want 1", q.Len())
	}
	if p.Used() != 2 {
		t.Fatalf("pool used %d after one push, want 2", p.Used())
	}
	q.Push(frameWithID(200, 2), time.Second, Volatile, 0)
	if p.Used() != 4 {
		t.Fatalf("pool used %d after two pushes, want 4", p.Used())
	}
}

func TestDrainOrderFollowsArbitration(t *testing.T) {
	q, p, _ := newTestQueue(16)
	// Insertion order deliberately scrambled; lower CAN ID wins arbitration.
	for _, id := range []uint32{0x300, 0x100, 0x700, 0x200} {
		q.Push(frameWithID(id), time.Second, Volatile, 0)
	}
	want := []uint32{0x100, 0x200, 0x300, 0x700}
	for _, id := range want {
		e := q.Peek()
		if e == nil {
			t.Fatalf("queue empty, want id 0x%X", id)
		}
		if e.Frame.CANID != id {
			t.Fatalf("peek id 0x%X, want 0x%X", e.Frame.CANID, id)
		}
		q.Remove(e)
	}
	if !q.Empty() || p.Used() != 0 {
		t.Fatalf("len=%d used=%d after drain", q.Len(), p.Used())
	}
}

func TestExtendedLosesToStandardOnEqualArbField(t *testing.T) {
	q, _, _ := newTestQueue(16)
	std := frameWithID(0x100)
	ext := frameWithID(0x100<<18 | can.CAN_EFF_FLAG)
	q.Push(ext, time.Second, Volatile, 0)
	q.Push(std, time.Second, Volatile, 0)
	if e := q.Peek(); e.Frame != std {
		t.Fatalf("peek id 0x%X, want standard frame to win", e.Frame.CANID)
	}
}

func TestEqualPriorityDrainsFIFO(t *testing.T) {
	q, _, _ := newTestQueue(16)
	first := frameWithID(0x42, 1)
	second := frameWithID(0x42, 2)
	third := frameWithID(0x42, 3)
	for _, f := range []can.Frame{first, second, third} {
		q.Push(f, time.Second, Volatile, 0)
	}
	for i, want := range []can.Frame{first, second, third} {
		e := q.Peek()
		if e.Frame != want {
			t.Fatalf("drain %d returned data %v, want %v", i, e.Frame.Data[0], want.Data[0])
		}
		q.Remove(e)
	}
}

func TestPushRejectsExpiredFrame(t *testing.T) {
	q, p, clk := newTestQueue(8)
	clk.Set(100 * time.Millisecond)
	q.Push(frameWithID(1), 100*time.Millisecond, Volatile, 0) // deadline == now
	if !q.Empty() {
		t.Fatal("expired frame was queued")
	}
	if q.RejectedFrames() != 1 {
		t.Fatalf("rejected=%d, want 1", q.RejectedFrames())
	}
	if p.Used() != 0 {
		t.Fatalf("pool used %d after rejected push", p.Used())
	}
}

func TestPeekPrunesExpiredEntries(t *testing.T) {
	q, p, clk := newTestQueue(16)
	q.Push(frameWithID(0x10), 10*time.Millisecond, Volatile, 0)  // wins, expires first
	q.Push(frameWithID(0x20), 10*time.Millisecond, Volatile, 0)  // expires too
	q.Push(frameWithID(0x30), 500*time.Millisecond, Volatile, 0) // survives
	clk.Set(50 * time.Millisecond)

	e := q.Peek()
	if e == nil || e.Frame.CANID != 0x30 {
		t.Fatalf("peek=%+v, want surviving id 0x30", e)
	}
	if q.Len() != 1 {
		t.Fatalf("len=%d after pruning, want 1", q.Len())
	}
	if p.Used() != 2 {
		t.Fatalf("pool used %d after pruning, want 2", p.Used())
	}
}

func TestPeekEmptyAfterAllExpired(t *testing.T) {
	q, p, clk := newTestQueue(8)
	q.Push(frameWithID(1), time.Millisecond, Volatile, 0)
	clk.Set(time.Second)
	if e := q.Peek(); e != nil {
		t.Fatalf("peek returned %+v on fully expired queue", e)
	}
	if p.Used() != 0 {
		t.Fatalf("pool used %d, want 0", p.Used())
	}
}

func TestPoolExhaustionRejectsVolatile(t *testing.T) {
	q, p, _ := newTestQueue(8) // room for 4 entries at 2 blocks each
	for i := uint32(0); i < 4; i++ {
		q.Push(frameWithID(0x100+i), time.Second, Volatile, 0)
	}
	if q.Len() != 4 || p.Used() != 8 {
		t.Fatalf("len=%d used=%d after filling", q.Len(), p.Used())
	}
	q.Push(frameWithID(0x500), time.Second, Volatile, 0)
	if q.Len() != 4 {
		t.Fatalf("len=%d, overflow push was queued", q.Len())
	}
	if q.RejectedFrames() != 1 {
		t.Fatalf("rejected=%d, want 1", q.RejectedFrames())
	}
	if p.Used() != 8 {
		t.Fatalf("pool used %d after rejected push, want 8", p.Used())
	}
}

func TestPersistentEvictsLowerPriorityVolatile(t *testing.T) {
	q, p, _ := newTestQueue(4) // room for 2 entries
	q.Push(frameWithID(0x100), time.Second, Volatile, 0)
	q.Push(frameWithID(0x700), time.Second, Volatile, 0)

	// Pool is full; the persistent frame outranks 0x700 and takes its place.
	q.Push(frameWithID(0x200), time.Second, Persistent, 0)
	if q.Len() != 2 {
		t.Fatalf("len=%d after eviction, want 2", q.Len())
	}
	ids := drainIDs(q)
	if ids[0] != 0x100 || ids[1] != 0x200 {
		t.Fatalf("queue holds %v, want [0x100 0x200]", ids)
	}
	if p.Used() != 0 {
		t.Fatalf("pool used %d after drain", p.Used())
	}
}

func TestPersistentRejectedWithoutVictim(t *testing.T) {
	q, _, _ := newTestQueue(4)
	q.Push(frameWithID(0x100), time.Second, Persistent, 0)
	q.Push(frameWithID(0x110), time.Second, Volatile, 0)

	// The only volatile entry outranks the newcomer, so nothing is evictable.
	q.Push(frameWithID(0x700), time.Second, Persistent, 0)
	if q.Len() != 2 {
		t.Fatalf("len=%d, want 2", q.Len())
	}
	if q.RejectedFrames() != 1 {
		t.Fatalf("rejected=%d, want 1", q.RejectedFrames())
	}
	ids := drainIDs(q)
	if ids[0] != 0x100 || ids[1] != 0x110 {
		t.Fatalf("queue holds %v", ids)
	}
}

func TestRemoveAbsentEntryKeepsAccounting(t *testing.T) {
	q, p, _ := newTestQueue(8)
	q.Push(frameWithID(0x100), time.Second, Volatile, 0)
	e := q.Peek()
	q.Remove(e)
	if p.Used() != 0 {
		t.Fatalf("pool used %d after removal", p.Used())
	}
	q.Remove(e) // second removal of the same entry is a no-op
	q.Remove(nil)
	if p.Used() != 0 {
		t.Fatalf("pool used %d after double removal, want 0", p.Used())
	}
}

func TestContains(t *testing.T) {
	q, _, clk := newTestQueue(16)
	queued := frameWithID(0x42, 0xAA)
	samePrioOther := frameWithID(0x42, 0xBB)
	q.Push(queued, time.Second, Volatile, 0)

	if !q.Contains(queued) {
		t.Fatal("queued frame not found")
	}
	if q.Contains(samePrioOther) {
		t.Fatal("found frame with equal priority but different payload")
	}
	if q.Contains(frameWithID(0x99)) {
		t.Fatal("found absent frame")
	}

	clk.Set(2 * time.Second)
	if q.Contains(queued) {
		t.Fatal("found expired frame")
	}
	if !q.Empty() {
		t.Fatal("expired entry not pruned by Contains")
	}
}

func TestTopPriorityHigherOrEqual(t *testing.T) {
	q, _, _ := newTestQueue(8)
	if q.TopPriorityHigherOrEqual(frameWithID(0x100)) {
		t.Fatal("empty queue reported a winning head")
	}
	q.Push(frameWithID(0x200), time.Second, Volatile, 0)
	if !q.TopPriorityHigherOrEqual(frameWithID(0x300)) {
		t.Fatal("head 0x200 should win against 0x300")
	}
	if !q.TopPriorityHigherOrEqual(frameWithID(0x200)) {
		t.Fatal("head should win a priority tie")
	}
	if q.TopPriorityHigherOrEqual(frameWithID(0x100)) {
		t.Fatal("head 0x200 should lose against 0x100")
	}
}

func TestClearReturnsAllBlocks(t *testing.T) {
	q, p, _ := newTestQueue(16)
	for _, id := range []uint32{0x100, 0x100, 0x200, 0x300} { // one chained dup
		q.Push(frameWithID(id), time.Second, Volatile, 0)
	}
	if p.Used() != 8 {
		t.Fatalf("pool used %d before clear", p.Used())
	}
	q.Clear()
	if !q.Empty() || p.Used() != 0 {
		t.Fatalf("len=%d used=%d after clear", q.Len(), p.Used())
	}
}

func TestRejectedCounterSaturates(t *testing.T) {
	q, _, clk := newTestQueue(2)
	clk.Set(time.Second)
	q.rejected = ^uint32(0) - 1
	q.Push(frameWithID(1), time.Millisecond, Volatile, 0) // expired
	q.Push(frameWithID(2), time.Millisecond, Volatile, 0) // expired
	if q.RejectedFrames() != ^uint32(0) {
		t.Fatalf("rejected=%d, want saturation at max", q.RejectedFrames())
	}
}

func drainIDs(q *TxQueue) []uint32 {
	var ids []uint32
	for {
		e := q.Peek()
		if e == nil {
			return ids
		}
		ids = append(ids, e.Frame.CANID)
		q.Remove(e)
	}
}
