package dirty

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/memutils"
	"golang.org/x/exp/slices"
)

const (
	// BoxPadding is the number of texels around a dirty box within which another box is merged into it
	BoxPadding = 4
	// MaxBoxes is the number of pending boxes above which a tracker uploads the whole texture
	MaxBoxes = 256
)

// Box is a half-open texel region: x in [Min[0], Max[0]), y in [Min[1], Max[1]), z in [Min[2], Max[2])
type Box struct {
	Min [3]int
	Max [3]int
}

// Texels is the number of texels inside the box
func (b Box) Texels() int {
	return (b.Max[0] - b.Min[0]) * (b.Max[1] - b.Min[1]) * (b.Max[2] - b.Min[2])
}

func (b Box) union(other Box) Box {
	for axis := range 3 {
		b.Min[axis] = min(b.Min[axis], other.Min[axis])
		b.Max[axis] = max(b.Max[axis], other.Max[axis])
	}
	return b
}

func (b Box) overlaps(other Box) bool {
	for axis := range 3 {
		if b.Min[axis] > other.Max[axis] || other.Min[axis] > b.Max[axis] {
			return false
		}
	}
	return true
}

// BoxPending is a snapshot of the uploads a BoxTracker is waiting for. When FullCopy is set, Boxes is empty.
type BoxPending struct {
	FullCopy bool
	Boxes    []Box
}

// Texels is the number of texels the snapshot uploads from a texture with the given extent
func (p BoxPending) Texels(extent [3]int) int {
	if p.FullCopy {
		return extent[0] * extent[1] * extent[2]
	}

	var texels int
	for _, box := range p.Boxes {
		texels += box.Texels()
	}
	return texels
}

// BoxTracker coalesces the dirty regions of one texture. It follows the same protocol as Tracker:
// MarkDirty registers the texture the first time it becomes pending, and the submitting side calls
// Drain, then Complete or Restore.
//
// Boxes whose padded extents touch are merged into their bounding box. Unlike byte ranges, the stored
// boxes are not padded: a padded texel box could cover far more texels than were written.
type BoxTracker struct {
	mutex sync.Mutex

	extent     [3]int
	cpuBacked  bool
	firstFrame bool

	pending  bool
	fullCopy bool
	boxes    []Box
}

// Init resets the tracker for a texture of width x height x depth texels
func (t *BoxTracker) Init(width, height, depth int, cpuBacked bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.extent = [3]int{width, height, depth}
	t.cpuBacked = cpuBacked
	t.firstFrame = true
	t.pending = false
	t.fullCopy = false
	t.boxes = nil
}

// MarkDirty records that the texels at origin with the given size must be uploaded. A size of 0 on
// any axis means the rest of the texture along that axis.
func (t *BoxTracker) MarkDirty(origin, size [3]int, register func() error) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for axis := range 3 {
		if origin[axis] < 0 || size[axis] < 0 || origin[axis] >= t.extent[axis] || origin[axis]+size[axis] > t.extent[axis] {
			return errors.Wrapf(memutils.ErrInvalidArgument,
				"region at %v of size %v is out of bounds of a %v texture", origin, size, t.extent)
		}
	}

	if !t.cpuBacked && !t.firstFrame {
		return errors.Wrap(memutils.ErrInvalidArgument,
			"only CPU-backed textures can be marked dirty after their first upload")
	}

	if t.fullCopy {
		return nil
	}

	var box Box
	full := true
	for axis := range 3 {
		if size[axis] == 0 {
			size[axis] = t.extent[axis] - origin[axis]
		}
		box.Min[axis] = origin[axis]
		box.Max[axis] = origin[axis] + size[axis]
		full = full && size[axis] == t.extent[axis]
	}

	wasPending := t.pending

	if full {
		t.promote()
	} else {
		t.insert(box)
	}

	if wasPending {
		return nil
	}

	t.pending = true
	if register == nil {
		return nil
	}

	if err := register(); err != nil {
		t.pending = false
		t.fullCopy = false
		t.boxes = t.boxes[:0]
		return errors.Wrap(err, "registering dirty texture")
	}

	return nil
}

func (t *BoxTracker) promote() {
	t.boxes = t.boxes[:0]
	t.fullCopy = true
}

func (t *BoxTracker) padded(box Box) Box {
	for axis := range 3 {
		box.Min[axis] = max(box.Min[axis]-BoxPadding, 0)
		box.Max[axis] = min(box.Max[axis]+BoxPadding, t.extent[axis])
	}
	return box
}

// insert adds box to the pending list, merging every entry near it into the first of them
func (t *BoxTracker) insert(box Box) {
	window := t.padded(box)
	merged := -1

	for i := 0; i < len(t.boxes); {
		if !t.boxes[i].overlaps(window) {
			i++
			continue
		}

		if merged < 0 {
			merged = i
			t.boxes[i] = t.boxes[i].union(box)
			i++
			continue
		}

		t.boxes[merged] = t.boxes[merged].union(t.boxes[i])
		t.boxes = slices.Delete(t.boxes, i, i+1)
	}

	if merged < 0 {
		t.boxes = append(t.boxes, box)
		merged = len(t.boxes) - 1
	}

	if t.boxes[merged].Texels() == t.extent[0]*t.extent[1]*t.extent[2] || len(t.boxes) > MaxBoxes {
		t.promote()
	}
}

// Drain takes a snapshot of the pending uploads and clears them. Returns false if nothing was pending.
func (t *BoxTracker) Drain() (BoxPending, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.pending {
		return BoxPending{}, false
	}

	snapshot := BoxPending{
		FullCopy: t.fullCopy,
		Boxes:    t.boxes,
	}

	t.pending = false
	t.fullCopy = false
	t.boxes = nil

	return snapshot, true
}

// Complete records that a drained snapshot was uploaded
func (t *BoxTracker) Complete() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.firstFrame = false
}

// Restore puts a drained snapshot back after its upload failed. Returns true if the caller must
// register the texture again.
func (t *BoxTracker) Restore(snapshot BoxPending) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	wasPending := t.pending
	t.pending = true

	if t.fullCopy {
		return !wasPending
	}

	if snapshot.FullCopy {
		t.promote()
		return !wasPending
	}

	for _, box := range snapshot.Boxes {
		t.insert(box)
		if t.fullCopy {
			break
		}
	}

	return !wasPending
}

func (t *BoxTracker) Pending() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.pending
}

func (t *BoxTracker) FullCopy() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.fullCopy
}

// Boxes returns a copy of the pending boxes
func (t *BoxTracker) Boxes() []Box {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return slices.Clone(t.boxes)
}
