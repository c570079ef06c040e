package autotune

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/autotune/hal"
)

// slotSize is the size of one sample-counter pair in device memory:
// samples_start at offset 0, samples_end at offset 8, both uint64.
const slotSize = 16

// resultsBuffer holds the per-command-buffer device memory the hardware
// writes sample-counter pairs into.
//
// Storage grows one fixed-size allocation at a time; allocations are never
// shrunk or reordered, so a reserved slot's address stays valid for the
// buffer's whole life. Slot i lives in allocation i/slotsPerAlloc at byte
// offset (i%slotsPerAlloc)*slotSize.
//
// The buffer is jointly owned by the recording command buffer and by every
// pending submission that referenced it; the command buffer may be freed
// long before the GPU writes the last slot.
type resultsBuffer struct {
	refs atomic.Int32

	dev           hal.Device
	allocSize     int
	slotsPerAlloc uint32

	bufs []hal.Buffer

	// written counts committed slots. reserveSlot addresses slot
	// `written` without advancing; commitSlot advances.
	written uint32
}

// newResultsBuffer returns an empty buffer with one reference, held by the
// recording command buffer.
func newResultsBuffer(dev hal.Device, allocSize int) *resultsBuffer {
	b := &resultsBuffer{
		dev:           dev,
		allocSize:     allocSize,
		slotsPerAlloc: uint32(allocSize / slotSize),
	}
	b.refs.Store(1)
	return b
}

func (b *resultsBuffer) ref() {
	b.refs.Add(1)
}

// unref drops one reference and frees every owned allocation on the 1→0
// transition.
func (b *resultsBuffer) unref() {
	if b.refs.Add(-1) == 0 {
		for _, buf := range b.bufs {
			buf.Free()
		}
		b.bufs = nil
	}
}

// reserveSlot returns the CPU mapping and device address of the slot at
// the current write cursor, allocating and mapping a fresh device buffer
// when the cursor sits on an allocation boundary. The cursor does not
// advance; commitSlot does that once the slot's packets are recorded.
func (b *resultsBuffer) reserveSlot() ([]byte, hal.GPUAddr, error) {
	off := (b.written % b.slotsPerAlloc) * slotSize
	if off == 0 {
		buf, err := b.dev.AllocBuffer(b.allocSize)
		if err != nil {
			return nil, 0, fmt.Errorf("result slot: %w", err)
		}
		b.bufs = append(b.bufs, buf)
	}
	cur := b.bufs[len(b.bufs)-1]
	return cur.Bytes()[off : off+slotSize], cur.Addr() + hal.GPUAddr(off), nil
}

// commitSlot advances the write cursor past the reserved slot.
func (b *resultsBuffer) commitSlot() {
	b.written++
}

// RenderPassResult is one instrumented render-pass instance: where the
// hardware will write its sample-counter pair, which history the outcome
// belongs to, and the fence that tells us when the pair is readable.
//
// Created by UseBypass, bound to a slot by BeginRenderPass, appended to
// the command buffer's local list by EndRenderPass, and queued to the
// autotuner at submit time.
type RenderPassResult struct {
	fp Fingerprint

	// slot is the CPU view of the sample-counter pair; slotAddr is the
	// same bytes in the device address space. Both are borrowed from a
	// resultsBuffer and valid while any owner keeps that buffer alive.
	slot     []byte
	slotAddr hal.GPUAddr

	// fence is 0 until the result is queued for submission.
	fence uint32

	// hist is a non-owning backlink resolved at submit time and read
	// only on the submission path.
	hist *history

	// samplesPassed is valid after finalize.
	samplesPassed uint64

	next *RenderPassResult
}

func newResult(fp Fingerprint) *RenderPassResult {
	return &RenderPassResult{fp: fp}
}

// bindSlot reserves the buffer's current slot for this result.
func (r *RenderPassResult) bindSlot(b *resultsBuffer) error {
	slot, addr, err := b.reserveSlot()
	if err != nil {
		return err
	}
	r.slot = slot
	r.slotAddr = addr
	return nil
}

// startAddr and endAddr are the device addresses of the two counters.
func (r *RenderPassResult) startAddr() hal.GPUAddr { return r.slotAddr }
func (r *RenderPassResult) endAddr() hal.GPUAddr   { return r.slotAddr + 8 }

// finalize computes samples_end − samples_start. Only valid once the
// result's fence has been observed retired: before that the slot content
// is undefined. The counter fits in 64 bits and never wraps within a
// frame, so plain subtraction suffices.
func (r *RenderPassResult) finalize() {
	start := binary.LittleEndian.Uint64(r.slot[0:8])
	end := binary.LittleEndian.Uint64(r.slot[8:16])
	r.samplesPassed = end - start
}

// SamplesPassed returns the measured sample count. Zero until the result
// retires.
func (r *RenderPassResult) SamplesPassed() uint64 { return r.samplesPassed }

// resultList is a singly linked FIFO of RenderPassResults with O(1)
// append and O(1) whole-list splice. Results are queued in non-decreasing
// fence order, so retirement can walk from the head and stop at the first
// non-retired element.
type resultList struct {
	head *RenderPassResult
	tail *RenderPassResult
	n    int
}

func (l *resultList) empty() bool { return l.head == nil }

func (l *resultList) len() int { return l.n }

func (l *resultList) pushTail(r *RenderPassResult) {
	r.next = nil
	if l.tail == nil {
		l.head = r
	} else {
		l.tail.next = r
	}
	l.tail = r
	l.n++
}

// popHead removes and returns the head, or nil.
func (l *resultList) popHead() *RenderPassResult {
	r := l.head
	if r == nil {
		return nil
	}
	l.head = r.next
	if l.head == nil {
		l.tail = nil
	}
	r.next = nil
	l.n--
	return r
}

// spliceTail moves every element of o onto the tail of l and resets o.
// This is the ownership-transfer point between a one-time-submit command
// buffer and the autotuner's pending queue.
func (l *resultList) spliceTail(o *resultList) {
	if o.head == nil {
		return
	}
	if l.tail == nil {
		l.head = o.head
	} else {
		l.tail.next = o.head
	}
	l.tail = o.tail
	l.n += o.n
	o.head = nil
	o.tail = nil
	o.n = 0
}

func (l *resultList) clear() {
	l.head = nil
	l.tail = nil
	l.n = 0
}
