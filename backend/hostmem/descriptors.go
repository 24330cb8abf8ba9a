package hostmem

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/residency/descriptor"
)

type slot struct {
	kind  descriptor.Kind
	index int
}

// DescriptorTable is a descriptor.Writer that remembers the last view written to each slot
type DescriptorTable struct {
	mutex  sync.RWMutex
	views  *swiss.Map[slot, any]
	writes int
}

var _ descriptor.Writer = &DescriptorTable{}

func NewDescriptorTable() *DescriptorTable {
	return &DescriptorTable{
		views: swiss.NewMap[slot, any](64),
	}
}

func (t *DescriptorTable) WriteDescriptor(kind descriptor.Kind, index int, view any) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.views.Put(slot{kind: kind, index: index}, view)
	t.writes++
	return nil
}

// View returns the view last written to a slot
func (t *DescriptorTable) View(kind descriptor.Kind, index int) (any, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.views.Get(slot{kind: kind, index: index})
}

// Writes counts every WriteDescriptor call
func (t *DescriptorTable) Writes() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.writes
}
