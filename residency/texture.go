package residency

import (
	"context"
	"log/slog"
	"sync/atomic"
	"weak"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/residency/descriptor"
	"github.com/vkngwrapper/residency/devmem"
	"github.com/vkngwrapper/residency/dirty"
	"github.com/vkngwrapper/residency/memutils"
)

// TextureUsage describes how a texture is accessed
type TextureUsage int32

var textureUsageMapping = common.NewFlagStringMapping[TextureUsage]()

func (u TextureUsage) Register(str string) {
	textureUsageMapping.Register(u, str)
}
func (u TextureUsage) String() string {
	return textureUsageMapping.FlagsToString(u)
}

const (
	// TextureShaderRead textures get a KindTexture2D or KindTexture3D descriptor
	TextureShaderRead TextureUsage = 1 << iota
	// TextureShaderWrite textures get a KindRWTexture2D or KindRWTexture3D descriptor
	TextureShaderWrite
	// TextureCPUBacked textures keep their texels on the CPU, and regions of them can be marked dirty
	// at any time. Other textures are uploaded once.
	TextureCPUBacked
)

func init() {
	TextureShaderRead.Register("TextureShaderRead")
	TextureShaderWrite.Register("TextureShaderWrite")
	TextureCPUBacked.Register("TextureCPUBacked")
}

type TextureType int32

const (
	TextureType2D TextureType = iota
	TextureType3D
)

func (t TextureType) String() string {
	switch t {
	case TextureType2D:
		return "2D"
	case TextureType3D:
		return "3D"
	default:
		return "Unknown"
	}
}

const (
	// MaxTextureSize is the largest width or height of a texture
	MaxTextureSize = 16384
	// MaxTextureDepth is the largest depth of a 3D texture
	MaxTextureDepth = 256
	// MaxPixelSize is the largest texel in bytes
	MaxPixelSize = 16

	textureAlignment = 4096
)

// TextureDesc is the shape of a texture. Texels are stored row by row, then slice by slice, each
// PixelSize bytes.
type TextureDesc struct {
	Type   TextureType
	Width  int
	Height int
	// Depth is 1 for 2D textures
	Depth     int
	PixelSize int
}

// Size is the number of bytes the texture's texels take
func (d TextureDesc) Size() int {
	return d.Width * d.Height * d.Depth * d.PixelSize
}

func (d TextureDesc) extent() [3]int {
	return [3]int{d.Width, d.Height, d.Depth}
}

func (d TextureDesc) validate() error {
	if d.Type != TextureType2D && d.Type != TextureType3D {
		return errors.Wrapf(memutils.ErrInvalidArgument, "texture type %d is invalid", d.Type)
	}

	if d.Width <= 0 || d.Height <= 0 || d.Depth <= 0 ||
		d.Width > MaxTextureSize || d.Height > MaxTextureSize || d.Depth > MaxTextureDepth {
		return errors.Wrapf(memutils.ErrInvalidArgument,
			"texture of %dx%dx%d is out of range: width and height are limited to %d, depth to %d",
			d.Width, d.Height, d.Depth, MaxTextureSize, MaxTextureDepth)
	}

	if d.Depth > 1 && d.Type != TextureType3D {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%s textures have a depth of 1, not %d", d.Type, d.Depth)
	}

	if d.PixelSize <= 0 || d.PixelSize > MaxPixelSize || memutils.CheckPow2(d.PixelSize, "PixelSize") != nil {
		return errors.Wrapf(memutils.ErrInvalidArgument,
			"pixel size %d must be a power of two no larger than %d", d.PixelSize, MaxPixelSize)
	}

	return nil
}

func (d TextureDesc) readKind() descriptor.Kind {
	if d.Type == TextureType3D {
		return descriptor.KindTexture3D
	}
	return descriptor.KindTexture2D
}

func (d TextureDesc) writeKind() descriptor.Kind {
	if d.Type == TextureType3D {
		return descriptor.KindRWTexture3D
	}
	return descriptor.KindRWTexture2D
}

// TextureView is the descriptor view written for a texture's descriptors
type TextureView struct {
	Native devmem.NativeBlock
	Offset int
	Desc   TextureDesc
}

// Texture is a reference-counted GPU texture in non-linear device memory. Its texels are only ever
// written through the staging buffer.
type Texture struct {
	device *Device
	name   string
	usage  TextureUsage
	desc   TextureDesc

	refs atomic.Int32

	// CPU copy of the texels. Dropped after the first upload unless the texture is CPU backed.
	data atomic.Pointer[[]byte]

	allocation  devmem.Allocation
	readHandle  descriptor.Handle
	writeHandle descriptor.Handle

	tracker dirty.BoxTracker
}

var _ Resource = &Texture{}

func (t *Texture) Name() string { return t.name }
func (t *Texture) Usage() TextureUsage { return t.usage }
func (t *Texture) Desc() TextureDesc { return t.desc }
func (t *Texture) CPUBacked() bool { return t.usage&TextureCPUBacked != 0 }
func (t *Texture) Allocation() devmem.Allocation { return t.allocation }

// ReadHandle is the texture's KindTexture2D or KindTexture3D descriptor, or descriptor.NoHandle
func (t *Texture) ReadHandle() descriptor.Handle { return t.readHandle }

// WriteHandle is the texture's KindRWTexture2D or KindRWTexture3D descriptor, or descriptor.NoHandle
func (t *Texture) WriteHandle() descriptor.Handle { return t.writeHandle }

// Data returns the CPU copy of the texels, or nil once a texture that isn't CPU backed was uploaded
func (t *Texture) Data() []byte {
	data := t.data.Load()
	if data == nil {
		return nil
	}
	return *data
}

// MarkDirty schedules a region of Data for upload with the next submission. A size of 0 on an axis
// means the rest of the texture along it.
func (t *Texture) MarkDirty(x, y, z, width, height, depth int) error {
	if t.refs.Load() <= 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "texture %q was already released", t.name)
	}

	if t.Data() == nil {
		return errors.Wrapf(memutils.ErrInvalidArgument, "texture %q has no CPU data to upload", t.name)
	}

	err := t.tracker.MarkDirty([3]int{x, y, z}, [3]int{width, height, depth}, func() error {
		return t.device.register(pendingRef{texture: weak.Make(t)}, t.name)
	})
	if err != nil {
		return errors.Wrapf(err, "marking texture %q dirty", t.name)
	}

	return nil
}

func (t *Texture) Retain() {
	t.refs.Add(1)
}

func (t *Texture) tryRetain() bool {
	for {
		refs := t.refs.Load()
		if refs <= 0 {
			return false
		}
		if t.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (t *Texture) Release() error {
	refs := t.refs.Add(-1)
	if refs > 0 {
		return nil
	} else if refs < 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "texture %q was released too many times", t.name)
	}

	return t.device.destroyTexture(t)
}

func (t *Texture) Refs() int {
	return int(t.refs.Load())
}

// Pending returns true while the texture has uploads waiting for the next submission
func (t *Texture) Pending() bool {
	return t.tracker.Pending()
}

// PendingBoxes returns the regions waiting for upload. It is empty when the whole texture is pending.
func (t *Texture) PendingBoxes() []dirty.Box {
	return t.tracker.Boxes()
}

func (t *Texture) PendingFullCopy() bool {
	return t.tracker.FullCopy()
}

func (t *Texture) target() TextureTarget {
	return TextureTarget{Allocation: t.allocation, Desc: t.desc}
}

func (t *Texture) writeDescriptors(ctx context.Context, space *descriptor.Space) error {
	view := TextureView{Native: t.allocation.Native, Offset: t.allocation.Offset, Desc: t.desc}

	for _, handle := range []descriptor.Handle{t.readHandle, t.writeHandle} {
		if handle == descriptor.NoHandle {
			continue
		}

		if err := space.Write(ctx, handle, view); err != nil {
			return errors.Wrapf(err, "writing descriptors of texture %q", t.name)
		}
	}

	return nil
}

// CreateTexture creates a texture whose texels are uploaded with the next submission. data must hold
// exactly desc.Size() bytes.
func (d *Device) CreateTexture(ctx context.Context, usage TextureUsage, name string, desc TextureDesc, data []byte) (texture *Texture, err error) {
	if d.closed.Load() {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "creating texture %q on a destroyed device", name)
	}

	if err := desc.validate(); err != nil {
		return nil, errors.Wrapf(err, "creating texture %q", name)
	}

	if len(data) != desc.Size() {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument,
			"texture %q needs %d bytes of data, got %d", name, desc.Size(), len(data))
	}

	allocation, err := d.allocator.Allocate(ctx, devmem.AllocationRequest{
		Size:         desc.Size(),
		Alignment:    textureAlignment,
		ResourceType: devmem.ResourceTexture,
		NonLinear:    true,
		Name:         name,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating texture %q", name)
	}

	texture = &Texture{
		device:     d,
		name:       name,
		usage:      usage,
		desc:       desc,
		allocation: allocation,
	}
	texture.refs.Store(1)
	texture.tracker.Init(desc.Width, desc.Height, desc.Depth, usage&TextureCPUBacked != 0)

	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, texture.Release())
			texture = nil
		}
	}()

	if usage&TextureShaderRead != 0 {
		texture.readHandle, err = d.descriptors.Allocate(ctx, desc.readKind(), name)
		if err != nil {
			return texture, errors.Wrapf(err, "creating texture %q", name)
		}
	}

	if usage&TextureShaderWrite != 0 {
		texture.writeHandle, err = d.descriptors.Allocate(ctx, desc.writeKind(), name)
		if err != nil {
			return texture, errors.Wrapf(err, "creating texture %q", name)
		}
	}

	if err = texture.writeDescriptors(ctx, d.descriptors); err != nil {
		return texture, err
	}

	contents := make([]byte, len(data))
	copy(contents, data)
	texture.data.Store(&contents)

	if err = texture.MarkDirty(0, 0, 0, 0, 0, 0); err != nil {
		return texture, err
	}

	return texture, nil
}

func (d *Device) destroyTexture(texture *Texture) error {
	d.forget(texture)
	texture.data.Store(nil)

	var err error
	if _, freeErr := d.descriptors.Free(context.Background(), texture.readHandle, texture.writeHandle); freeErr != nil {
		err = errors.Wrapf(freeErr, "releasing texture %q", texture.name)
	}

	if freeErr := d.allocator.Free(texture.allocation); freeErr != nil {
		err = errors.CombineErrors(err, errors.Wrapf(freeErr, "releasing texture %q", texture.name))
	}

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Released texture",
		slog.String("name", texture.name),
		slog.String("type", texture.desc.Type.String()),
		slog.Int("size", texture.desc.Size()))
	return err
}
