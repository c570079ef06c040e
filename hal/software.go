package hal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/core"
)

// pageSize is the allocation granularity of the software address space.
const pageSize = 4096

// init registers the software device on package import.
func init() {
	Register(DeviceSoftware, func() (Device, error) {
		return NewSoftwareDevice(), nil
	})
}

// SoftwareDevice implements Device on the heap.
//
// Buffers live in a fabricated GPU address space; Execute replays a
// recorded stream against that space, standing in for GPU retirement.
// Tests drive the sample-counter register with SetSampleCounter between
// recorded render passes, then Execute the begin/end/fence streams in
// submission order.
type SoftwareDevice struct {
	mu     sync.Mutex
	id     core.DeviceID
	next   GPUAddr
	allocs []*softwareBuffer

	// global holds the device-global state, including the autotune
	// fence cell at offset 0.
	global *softwareBuffer

	// samples is the hardware sample-counter register.
	samples uint64

	// budget limits further allocations when >= 0. Used to exercise
	// out-of-device-memory paths.
	budget int
}

// NewSoftwareDevice creates a software device with an allocated global
// buffer holding the fence cell.
func NewSoftwareDevice() *SoftwareDevice {
	d := &SoftwareDevice{
		next:   pageSize, // keep address 0 invalid
		budget: -1,
	}
	d.global = d.alloc(pageSize)
	return d
}

// ID returns the opaque device identifier.
func (d *SoftwareDevice) ID() core.DeviceID { return d.id }

// AllocBuffer allocates size bytes of mapped memory in the fake address
// space. Fails with ErrOutOfDeviceMemory once the configured allocation
// budget is exhausted.
func (d *SoftwareDevice) AllocBuffer(size int) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.budget == 0 {
		return nil, fmt.Errorf("allocating %d bytes: %w", size, ErrOutOfDeviceMemory)
	}
	if d.budget > 0 {
		d.budget--
	}
	return d.alloc(size), nil
}

// alloc must be called with d.mu held (or before the device is shared).
func (d *SoftwareDevice) alloc(size int) *softwareBuffer {
	// Page-aligned, like a real buffer object.
	rounded := (size + pageSize - 1) &^ (pageSize - 1)
	b := &softwareBuffer{
		dev:  d,
		addr: d.next,
		data: make([]byte, size),
	}
	d.next += GPUAddr(rounded)
	d.allocs = append(d.allocs, b)
	return b
}

// NewStream returns an empty software stream.
func (d *SoftwareDevice) NewStream(hint int) Stream {
	return &SoftwareStream{packets: make([]packet, 0, hint)}
}

// FenceAddr returns the address of the autotune fence cell.
func (d *SoftwareDevice) FenceAddr() GPUAddr { return d.global.addr }

// ReadFence returns the current fence cell value.
func (d *SoftwareDevice) ReadFence() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return binary.LittleEndian.Uint32(d.global.data[:4])
}

// SetAllocBudget permits n further AllocBuffer calls; n < 0 removes the
// limit.
func (d *SoftwareDevice) SetAllocBudget(n int) {
	d.mu.Lock()
	d.budget = n
	d.mu.Unlock()
}

// SetSampleCounter sets the sample-counter register replayed by ZPASS-done
// events.
func (d *SoftwareDevice) SetSampleCounter(v uint64) {
	d.mu.Lock()
	d.samples = v
	d.mu.Unlock()
}

// Execute replays a recorded stream against device memory, in packet
// order, the way the GPU would once the containing submission retires.
func (d *SoftwareDevice) Execute(s Stream) error {
	ss, ok := s.(*SoftwareStream)
	if !ok {
		return fmt.Errorf("hal: cannot execute foreign stream %T", s)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Destination register latched by CopySampleCounter.
	var sampleAddr GPUAddr

	for _, p := range ss.packets {
		switch p.op {
		case opWriteAfterFlush:
			mem, err := d.resolve(p.addr, 4)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(mem, p.value)
		case opCopySampleCounter:
			sampleAddr = p.addr
		case opZPassDone:
			mem, err := d.resolve(sampleAddr, 8)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(mem, d.samples)
		}
	}
	return nil
}

// resolve maps a device address range onto the owning allocation.
func (d *SoftwareDevice) resolve(addr GPUAddr, size int) ([]byte, error) {
	for _, b := range d.allocs {
		if b.freed {
			continue
		}
		if addr >= b.addr && addr+GPUAddr(size) <= b.addr+GPUAddr(len(b.data)) {
			off := addr - b.addr
			return b.data[off : off+GPUAddr(size)], nil
		}
	}
	return nil, fmt.Errorf("hal: unmapped device address %#x", uint64(addr))
}

// softwareBuffer is one allocation in the fake address space.
type softwareBuffer struct {
	dev   *SoftwareDevice
	addr  GPUAddr
	data  []byte
	freed bool
}

// Addr returns the buffer's device address.
func (b *softwareBuffer) Addr() GPUAddr { return b.addr }

// Bytes returns the CPU mapping.
func (b *softwareBuffer) Bytes() []byte { return b.data }

// Free marks the allocation dead. The address range stops resolving.
func (b *softwareBuffer) Free() {
	b.dev.mu.Lock()
	b.freed = true
	b.dev.mu.Unlock()
}

type packetOp uint8

const (
	opWriteAfterFlush packetOp = iota
	opCopySampleCounter
	opZPassDone
)

type packet struct {
	op    packetOp
	addr  GPUAddr
	value uint32
}

// SoftwareStream records packets for later Execute.
type SoftwareStream struct {
	packets []packet
}

// WriteAfterFlush records a cache-flush timestamp write packet.
func (s *SoftwareStream) WriteAfterFlush(addr GPUAddr, value uint32) {
	s.packets = append(s.packets, packet{op: opWriteAfterFlush, addr: addr, value: value})
}

// CopySampleCounter records a sample-counter destination latch packet.
func (s *SoftwareStream) CopySampleCounter(addr GPUAddr) {
	s.packets = append(s.packets, packet{op: opCopySampleCounter, addr: addr})
}

// ZPassDone records a ZPASS-done event packet.
func (s *SoftwareStream) ZPassDone() {
	s.packets = append(s.packets, packet{op: opZPassDone})
}

// Len returns the number of packets recorded.
func (s *SoftwareStream) Len() int { return len(s.packets) }
