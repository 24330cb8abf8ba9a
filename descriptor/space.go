package descriptor

import (
	"context"
	"log/slog"
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/residency/internal/utils"
	"github.com/vkngwrapper/residency/memutils"
)

// maxLeakReports is the number of leaked descriptors logged individually by Destroy
const maxLeakReports = 16

type kindSpace struct {
	// A set bit marks an allocated slot
	bits     []uint64
	capacity int
	live     int
	// Index of the lowest word that may contain a clear bit
	firstFree int
}

func (s *kindSpace) init(capacity int) {
	s.bits = make([]uint64, (capacity+63)/64)
	s.capacity = capacity
	s.live = 0
	s.firstFree = 0

	// Bits past the capacity in the last word are permanently set
	if tail := capacity % 64; tail != 0 {
		s.bits[len(s.bits)-1] = ^uint64(0) << tail
	}
}

func (s *kindSpace) allocated(index int) bool {
	return index >= 0 && index < s.capacity && s.bits[index/64]&(1<<(index%64)) != 0
}

func (s *kindSpace) take() (int, bool) {
	for word := s.firstFree; word < len(s.bits); word++ {
		if s.bits[word] == ^uint64(0) {
			continue
		}

		bit := bits.TrailingZeros64(^s.bits[word])
		s.bits[word] |= 1 << bit
		s.firstFree = word
		s.live++
		return word*64 + bit, true
	}

	s.firstFree = len(s.bits)
	return 0, false
}

func (s *kindSpace) release(index int) {
	s.bits[index/64] &^= 1 << (index % 64)
	s.live--
	s.firstFree = min(s.firstFree, index/64)
}

type allocationRecord struct {
	name  string
	trace error
}

// Space hands out bindless descriptor slots. Each Kind has a fixed number of slots, and the lowest
// free slot is always issued first. Space is safe for concurrent use unless it was created with
// Options.ExternallySynchronized.
type Space struct {
	logger *slog.Logger
	writer Writer
	mutex  utils.OptionalMutex

	kinds [kindCount]kindSpace
	// nil unless allocations are tracked
	records *swiss.Map[Handle, allocationRecord]
}

// New creates a descriptor space. Slot 0 of KindTexture2D is reserved immediately so that the
// handle 0 is never issued.
func New(logger *slog.Logger, writer Writer, options Options) (*Space, error) {
	if writer == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a descriptor writer is required")
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	capacities, err := options.capacities()
	if err != nil {
		return nil, err
	}

	space := &Space{
		logger: logger,
		writer: writer,
		mutex:  utils.NewOptionalMutex(!options.ExternallySynchronized),
	}

	for kind := range space.kinds {
		space.kinds[kind].init(capacities[kind])
	}

	reserved := &space.kinds[KindTexture2D]
	reserved.take()
	reserved.live--

	if options.TrackAllocations || memutils.DebugStackTraces {
		space.records = swiss.NewMap[Handle, allocationRecord](64)
	}

	return space, nil
}

// Allocate issues the lowest free slot of kind. name identifies the resource in errors and leak
// reports. When every slot is taken an error wrapping memutils.ErrExhausted is returned.
func (s *Space) Allocate(ctx context.Context, kind Kind, name string) (Handle, error) {
	if !kind.Valid() {
		return NoHandle, errors.Wrapf(memutils.ErrInvalidArgument, "unknown descriptor kind %d for %q", int32(kind), name)
	}

	if err := s.mutex.Lock(ctx); err != nil {
		return NoHandle, errors.Wrapf(err, "allocating %s descriptor for %q", kind, name)
	}
	defer s.mutex.Unlock()

	space := &s.kinds[kind]
	index, ok := space.take()
	if !ok {
		return NoHandle, errors.Wrapf(memutils.ErrExhausted,
			"all %d %s descriptors are in use, none left for %q", space.capacity, kind, name)
	}

	handle, err := MakeHandle(kind, index)
	if err != nil {
		space.release(index)
		return NoHandle, err
	}

	if s.records != nil {
		s.records.Put(handle, allocationRecord{
			name:  name,
			trace: memutils.CaptureStack(1, "%s allocated for %q", handle, name),
		})
	}

	return handle, nil
}

// validate returns an error if handle doesn't refer to a live slot. The lock must be held.
func (s *Space) validate(handle Handle) error {
	if !handle.Valid() {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%s is malformed", handle)
	}

	if !s.kinds[handle.Kind()].allocated(handle.Index()) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%s is not allocated", handle)
	}

	return nil
}

// Free releases every valid handle in handles. NoHandle and InvalidHandle are skipped. If any other
// handle is malformed or not currently allocated, the remaining handles are still freed, and false
// is returned along with an error wrapping memutils.ErrInvalidArgument that lists the bad handles.
//
// Free only gives up on ctx before any handle was released.
func (s *Space) Free(ctx context.Context, handles ...Handle) (bool, error) {
	if err := s.mutex.Lock(ctx); err != nil {
		return false, errors.Wrapf(err, "freeing %d descriptors", len(handles))
	}
	defer s.mutex.Unlock()

	var invalid []string
	for _, handle := range handles {
		if handle == NoHandle || handle == InvalidHandle {
			continue
		}

		if err := s.validate(handle); err != nil {
			invalid = append(invalid, handle.String())
			continue
		}

		s.kinds[handle.Kind()].release(handle.Index())
		if s.records != nil {
			s.records.Delete(handle)
		}
	}

	if len(invalid) > 0 {
		return false, errors.Wrapf(memutils.ErrInvalidArgument,
			"could not free descriptors that are not allocated: %s", strings.Join(invalid, ", "))
	}

	return true, nil
}

// Write publishes view into the slot of handle through the space's Writer. The handle must be
// allocated. The Writer is called without holding the space's lock.
func (s *Space) Write(ctx context.Context, handle Handle, view any) error {
	if err := s.mutex.Lock(ctx); err != nil {
		return errors.Wrapf(err, "writing %s", handle)
	}
	err := s.validate(handle)
	s.mutex.Unlock()

	if err != nil {
		return err
	}

	if err = s.writer.WriteDescriptor(handle.Kind(), handle.Index(), view); err != nil {
		return errors.Wrapf(err, "writing %s", handle)
	}

	return nil
}

// Live returns the number of allocated slots of kind
func (s *Space) Live(kind Kind) int {
	if !kind.Valid() {
		return 0
	}

	_ = s.mutex.Lock(context.Background())
	defer s.mutex.Unlock()

	return s.kinds[kind].live
}

// Capacity returns the number of slots of kind. For KindTexture2D this includes the reserved slot 0.
func (s *Space) Capacity(kind Kind) int {
	if !kind.Valid() {
		return 0
	}
	return s.kinds[kind].capacity
}

func (s *Space) PrintDetailedMap(writer *jwriter.Writer) {
	_ = s.mutex.Lock(context.Background())
	defer s.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	for kind := range s.kinds {
		space := &s.kinds[kind]
		kindObj := objState.Name(Kind(kind).String()).Object()
		kindObj.Name("Capacity").Int(space.capacity)
		kindObj.Name("Live").Int(space.live)

		if s.records != nil && space.live > 0 {
			arrayState := kindObj.Name("Allocations").Array()
			s.records.Iter(func(handle Handle, record allocationRecord) bool {
				if handle.Kind() == Kind(kind) {
					obj := arrayState.Object()
					obj.Name("Index").Int(handle.Index())
					obj.Name("Name").String(record.name)
					obj.End()
				}
				return false
			})
			arrayState.End()
		}

		kindObj.End()
	}
}

// Destroy logs descriptors that are still allocated and returns an error if there are any. The
// space must not be used afterward.
func (s *Space) Destroy() error {
	_ = s.mutex.Lock(context.Background())
	defer s.mutex.Unlock()

	var leaked int
	for kind := range s.kinds {
		leaked += s.kinds[kind].live
	}

	if leaked == 0 {
		return nil
	}

	var reported int
	for kind := range s.kinds {
		space := &s.kinds[kind]
		for index := 0; index < space.capacity && reported < maxLeakReports; index++ {
			handle, _ := MakeHandle(Kind(kind), index)
			if handle == NoHandle || !space.allocated(index) {
				continue
			}

			reported++
			s.logLeakedDescriptor(handle)
		}
	}

	if leaked > reported {
		s.logger.LogAttrs(context.Background(), slog.LevelError, "[LEAKED DESCRIPTOR] more descriptors were leaked",
			slog.Int("count", leaked-reported))
	}

	return errors.Newf("%d descriptors were not freed before the destruction of this descriptor space", leaked)
}

func (s *Space) logLeakedDescriptor(handle Handle) {
	var record allocationRecord
	if s.records != nil {
		record, _ = s.records.Get(handle)
	}

	s.logger.LogAttrs(context.Background(), slog.LevelError, "[LEAKED DESCRIPTOR] descriptor was never freed",
		slog.String("kind", handle.Kind().String()),
		slog.Int("index", handle.Index()),
		slog.String("name", record.name),
		slog.String("stack", memutils.FormatStack(record.trace)),
	)
}
