package utils

import (
	"context"

	"github.com/vkngwrapper/residency/memutils"
	"golang.org/x/sync/semaphore"
)

// OptionalMutex is a mutual-exclusion lock that can be disabled for single-threaded consumers, and whose
// acquisition honors a context. The zero value is not usable; create one with NewOptionalMutex.
type OptionalMutex struct {
	sem      *semaphore.Weighted
	UseMutex bool
}

func NewOptionalMutex(useMutex bool) OptionalMutex {
	return OptionalMutex{
		sem:      semaphore.NewWeighted(1),
		UseMutex: useMutex,
	}
}

// Lock acquires the mutex, returning an error wrapping memutils.ErrTimedOut if ctx expires first
func (m *OptionalMutex) Lock(ctx context.Context) error {
	if !m.UseMutex {
		return nil
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return memutils.ContextError(ctx, "lock acquisition abandoned")
	}

	return nil
}

func (m *OptionalMutex) TryLock() bool {
	if !m.UseMutex {
		return true
	}

	return m.sem.TryAcquire(1)
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.sem.Release(1)
	}
}
