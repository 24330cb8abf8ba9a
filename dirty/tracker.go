// Package dirty records which byte ranges of a CPU-written GPU buffer must be uploaded before the
// next submission.
package dirty

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/residency/memutils"
	"golang.org/x/exp/slices"
)

const (
	// Padding is added to both sides of every dirty range so that nearby writes coalesce into one copy
	Padding = 256
	// MaxRanges is the number of pending ranges above which a tracker gives up and uploads the
	// whole buffer
	MaxRanges = 1024
)

// Range is a half-open byte range [Start, End)
type Range struct {
	Start int
	End   int
}

func (r Range) Size() int {
	return r.End - r.Start
}

func (r Range) touches(other Range) bool {
	return r.Start <= other.End && other.Start <= r.End
}

// Pending is a snapshot of the uploads a tracker is waiting for. When FullCopy is set, Ranges is empty.
type Pending struct {
	FullCopy bool
	Ranges   []Range
}

// Bytes is the number of bytes the snapshot needs to upload from a buffer of the given length
func (p Pending) Bytes(length int) int {
	if p.FullCopy {
		return length
	}

	var size int
	for _, r := range p.Ranges {
		size += r.Size()
	}
	return size
}

// Tracker coalesces the dirty ranges of one buffer. Ranges in the pending list never touch one
// another, and the list is empty while a full copy is pending.
//
// Tracker is safe for concurrent use. Its zero value tracks an empty buffer; call Init before use.
type Tracker struct {
	mutex sync.Mutex

	length     int
	cpuBacked  bool
	firstFrame bool

	pending  bool
	fullCopy bool
	ranges   []Range
}

// Init resets the tracker for a buffer of length bytes. Buffers that are not CPU backed may only be
// marked dirty before their first upload completes.
func (t *Tracker) Init(length int, cpuBacked bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.length = length
	t.cpuBacked = cpuBacked
	t.firstFrame = true
	t.pending = false
	t.fullCopy = false
	t.ranges = nil
}

// MarkDirty records that [offset, offset+count) must be uploaded. A count of 0 means the rest of the
// buffer from offset.
//
// The first time the tracker becomes pending, register is called while the tracker is locked. If
// register fails, the tracker is left exactly as it was and the error is returned. register may be nil.
func (t *Tracker) MarkDirty(offset, count int, register func() error) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if offset < 0 || count < 0 || offset >= t.length || offset+count > t.length {
		return errors.Wrapf(memutils.ErrInvalidArgument,
			"range [%d, %d) is out of bounds of a %d byte buffer", offset, offset+count, t.length)
	}

	if !t.cpuBacked && !t.firstFrame {
		return errors.Wrap(memutils.ErrInvalidArgument,
			"only CPU-backed buffers can be marked dirty after their first upload")
	}

	if t.fullCopy {
		return nil
	}

	if count == 0 {
		count = t.length - offset
	}

	wasPending := t.pending

	if offset == 0 && count == t.length {
		t.promote()
	} else {
		t.insert(Range{
			Start: max(offset-Padding, 0),
			End:   min(offset+count+Padding, t.length),
		})
	}

	if wasPending {
		return nil
	}

	t.pending = true
	if register == nil {
		return nil
	}

	if err := register(); err != nil {
		// Nothing was pending before, so the previous state is empty
		t.pending = false
		t.fullCopy = false
		t.ranges = t.ranges[:0]
		return errors.Wrap(err, "registering dirty buffer")
	}

	return nil
}

func (t *Tracker) promote() {
	t.ranges = t.ranges[:0]
	t.fullCopy = true
}

// insert adds r to the pending list, merging every entry it touches into the first of them
func (t *Tracker) insert(r Range) {
	merged := -1

	for i := 0; i < len(t.ranges); {
		current := t.ranges[i]
		if !current.touches(r) {
			i++
			continue
		}

		if merged < 0 {
			merged = i
			t.ranges[i] = Range{Start: min(current.Start, r.Start), End: max(current.End, r.End)}
			i++
			continue
		}

		target := &t.ranges[merged]
		target.Start = min(target.Start, current.Start)
		target.End = max(target.End, current.End)
		t.ranges = slices.Delete(t.ranges, i, i+1)
	}

	if merged < 0 {
		t.ranges = append(t.ranges, r)
		merged = len(t.ranges) - 1
	}

	if t.ranges[merged].Size() == t.length || len(t.ranges) > MaxRanges {
		t.promote()
	}
}

// Drain takes a snapshot of the pending uploads and clears them. Writes marked after Drain make the
// tracker pending again, so they are picked up by a later drain. Returns false if nothing was pending.
func (t *Tracker) Drain() (Pending, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.pending {
		return Pending{}, false
	}

	snapshot := Pending{
		FullCopy: t.fullCopy,
		Ranges:   t.ranges,
	}

	t.pending = false
	t.fullCopy = false
	t.ranges = nil

	return snapshot, true
}

// Complete records that a drained snapshot was uploaded
func (t *Tracker) Complete() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.firstFrame = false
}

// Restore puts a drained snapshot back after its upload failed, merging it with anything marked dirty
// in the meantime. Returns true if the tracker was not pending, in which case the caller must
// register it again.
func (t *Tracker) Restore(snapshot Pending) bool {
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

	for _, r := range snapshot.Ranges {
		t.insert(r)
		if t.fullCopy {
			break
		}
	}

	return !wasPending
}

func (t *Tracker) Length() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.length
}

func (t *Tracker) CPUBacked() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.cpuBacked
}

func (t *Tracker) FirstFrame() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.firstFrame
}

// Pending returns true while the tracker is registered for upload
func (t *Tracker) Pending() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.pending
}

func (t *Tracker) FullCopy() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.fullCopy
}

// Ranges returns a copy of the pending ranges
func (t *Tracker) Ranges() []Range {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return slices.Clone(t.ranges)
}
