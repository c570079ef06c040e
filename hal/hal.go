// Package hal defines the narrow hardware contracts the autotuner records
// against: mapped device memory, a command-stream packet emitter, and the
// device-global fence cell the GPU writes after prior work retires.
//
// The package deliberately knows nothing about render passes or tuning; it
// is the seam between the autotuner core and the surrounding driver. A
// production driver implements Device on top of its buffer-object allocator
// and command-stream encoder. SoftwareDevice implements the same contracts
// on the heap and can replay recorded packets, which is how the test suite
// and the examples simulate GPU retirement.
package hal

import (
	"errors"

	"github.com/gogpu/wgpu/core"
)

// Common hal errors.
var (
	// ErrOutOfDeviceMemory is returned when a device allocation fails.
	ErrOutOfDeviceMemory = errors.New("hal: out of device memory")

	// ErrBufferFreed is returned when a freed buffer is accessed.
	ErrBufferFreed = errors.New("hal: buffer already freed")

	// ErrDeviceNotAvailable is returned when no device provider is registered.
	ErrDeviceNotAvailable = errors.New("hal: no device available")
)

// GPUAddr is a device address. On a real driver this is an iova; the
// software device fabricates a private address space with the same
// semantics: a buffer's CPU mapping and its GPUAddr address the same bytes.
type GPUAddr uint64

// Device abstracts the driver services the autotuner needs.
//
// All allocations are page-aligned and CPU-visible. The fence cell is a
// 32-bit word inside a device-global buffer; the GPU writes it through a
// cache-flushing timestamp packet and the CPU polls it with ReadFence.
type Device interface {
	// ID returns the opaque device identifier.
	ID() core.DeviceID

	// AllocBuffer allocates size bytes of mapped, CPU-visible device
	// memory. Returns ErrOutOfDeviceMemory (possibly wrapped) on failure.
	AllocBuffer(size int) (Buffer, error)

	// NewStream returns an empty command stream. hint is the expected
	// packet count; streams grow as needed.
	NewStream(hint int) Stream

	// FenceAddr returns the device address of the global autotune fence
	// cell.
	FenceAddr() GPUAddr

	// ReadFence returns the current value of the fence cell as visible
	// to the CPU.
	ReadFence() uint32
}

// Buffer is one mapped device allocation.
type Buffer interface {
	// Addr returns the buffer's device address.
	Addr() GPUAddr

	// Bytes returns the CPU mapping. The slice aliases device memory:
	// GPU writes land in it once the containing submission retires.
	Bytes() []byte

	// Free releases the allocation. The buffer must not be used after
	// Free returns.
	Free()
}

// Stream is an append-only GPU command stream. Each method emits one
// packet and advances the write cursor.
type Stream interface {
	// WriteAfterFlush emits a cache-flush timestamp write of value to
	// addr. By the time a CPU read of addr observes value, all device
	// memory writes from prior packets in the submission are visible.
	WriteAfterFlush(addr GPUAddr, value uint32)

	// CopySampleCounter latches addr as the destination for the next
	// sample-counter copy event.
	CopySampleCounter(addr GPUAddr)

	// ZPassDone emits a ZPASS-done event, copying the current value of
	// the hardware sample counter to the latched destination address.
	ZPassDone()

	// Len returns the number of packets recorded so far.
	Len() int
}
