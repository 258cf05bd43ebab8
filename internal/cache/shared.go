package cache

import (
	"sync"
	"sync/atomic"
)

const (
	// DefaultPolicy applies when the first Shared caller leaves policy empty.
	DefaultPolicy = PolicyLRU
	// DefaultCapacity applies when the first Shared caller passes capacity 0.
	DefaultCapacity = 1000
)

// The process-wide instance. This is deliberate shared state: it is created
// lazily by the first Shared call, whose arguments win, and lives until the
// process exits. Callers that need isolation use New.
var (
	sharedMu       sync.Mutex
	sharedInstance atomic.Pointer[sharedCache]
)

type sharedCache struct {
	Cache
}

// Shared returns the process-wide cache, constructing it on first use. Every
// later call returns the identical instance regardless of its arguments. An
// empty policy or zero capacity selects DefaultPolicy or DefaultCapacity.
// When construction fails nothing is stored and the error is returned, so a
// misconfigured first caller fails fast without poisoning the singleton.
func Shared(policy Policy, capacity int, opts ...Option) (Cache, error) {
	if inst := sharedInstance.Load(); inst != nil {
		return inst.Cache, nil
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if inst := sharedInstance.Load(); inst != nil {
		return inst.Cache, nil
	}
	if policy == "" {
		policy = DefaultPolicy
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	c, err := New(policy, capacity, opts...)
	if err != nil {
		return nil, err
	}
	sharedInstance.Store(&sharedCache{Cache: c})
	return c, nil
}
