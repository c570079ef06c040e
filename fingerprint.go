package autotune

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/gogpu/gputypes"
	types "github.com/gogpu/wgpu"
)

// Fingerprint is a 64-bit structural hash identifying a render-pass shape.
//
// Two passes with field-by-field equal descriptors hash equal across runs
// of the same binary; no heap address ever enters the hash. Frameworks
// routinely recreate descriptor objects that describe the same logical
// render pass (DXVK rebuilds framebuffers every frame, frame replay
// resubmits one frame in a loop), so pointer identity is useless as a key.
// A 64-bit collision merely risks a suboptimal mode pick.
type Fingerprint uint64

// FramebufferDesc describes the framebuffer a render pass targets.
type FramebufferDesc struct {
	Width  uint32
	Height uint32
	Layers uint32
}

// AttachmentDesc is one render-pass attachment descriptor.
type AttachmentDesc struct {
	Format  gputypes.TextureFormat
	Samples uint32
	LoadOp  types.LoadOp
	StoreOp types.StoreOp
}

// SubpassDesc is one subpass within a render pass.
type SubpassDesc struct {
	// Samples is the rasterization sample count (1 = single-sampled).
	Samples uint32

	InputCount   uint32
	ColorCount   uint32
	ResolveCount uint32

	// RasterOrderAttachmentAccess marks subpasses that require
	// rasterization-order access to their attachments. GMEM handles
	// this natively; sysmem would need a per-primitive flush mode.
	RasterOrderAttachmentAccess bool

	// FeedbackLoopColor and FeedbackLoopDS mark subpasses that read an
	// attachment they also write.
	FeedbackLoopColor bool
	FeedbackLoopDS    bool
}

// RenderPassDesc describes a render pass shape.
type RenderPassDesc struct {
	Attachments []AttachmentDesc
	Subpasses   []SubpassDesc
}

// AttachmentView describes the image view bound to one attachment slot.
type AttachmentView struct {
	Width      uint32
	Height     uint32
	Format     gputypes.TextureFormat
	LayerCount uint32
	LevelCount uint32
}

// hasher appends fixed-width little-endian fields to an XXH64 state.
type hasher struct {
	d   xxhash.Digest
	buf [4]byte
}

func (h *hasher) u32(v uint32) {
	binary.LittleEndian.PutUint32(h.buf[:], v)
	_, _ = h.d.Write(h.buf[:]) // Digest.Write never returns an error
}

// FingerprintOf computes the structural fingerprint of a render pass
// instance from its render pass, framebuffer and bound attachment views.
// views is indexed like pass.Attachments; extra entries are ignored.
func FingerprintOf(pass *RenderPassDesc, fb *FramebufferDesc, views []AttachmentView) Fingerprint {
	var h hasher
	h.d.Reset()

	h.u32(fb.Width)
	h.u32(fb.Height)
	h.u32(fb.Layers)

	h.u32(uint32(len(pass.Attachments)))
	for i := range pass.Attachments {
		a := &pass.Attachments[i]
		h.u32(uint32(a.Format))
		h.u32(a.Samples)
		h.u32(uint32(a.LoadOp))
		h.u32(uint32(a.StoreOp))
	}

	for i := range pass.Attachments {
		v := &views[i]
		h.u32(v.Width)
		h.u32(v.Height)
		h.u32(uint32(v.Format))
		h.u32(v.LayerCount)
		h.u32(v.LevelCount)
	}

	h.u32(uint32(len(pass.Subpasses)))
	for i := range pass.Subpasses {
		s := &pass.Subpasses[i]
		h.u32(s.Samples)
		h.u32(s.InputCount)
		h.u32(s.ColorCount)
		h.u32(s.ResolveCount)
	}

	return Fingerprint(h.d.Sum64())
}
