// Package cache provides the bounded, thread-safe key/value store shared by the
// admission core. Two eviction policies implement the same contract: LRU and LFU.
package cache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidEvictionPolicy reports an unrecognized policy name.
	ErrInvalidEvictionPolicy = errors.New("cache: invalid eviction policy")
	// ErrInvalidCapacity reports a non-positive capacity.
	ErrInvalidCapacity = errors.New("cache: invalid capacity")
)

// Policy names the eviction discipline of a cache instance.
type Policy string

const (
	// PolicyLRU evicts the least recently touched entry.
	PolicyLRU Policy = "LRU"
	// PolicyLFU evicts the least frequently touched entry, oldest first on ties.
	PolicyLFU Policy = "LFU"
)

// ParsePolicy resolves a configured policy name. Matching is case-insensitive.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(strings.ToUpper(strings.TrimSpace(name))) {
	case PolicyLRU:
		return PolicyLRU, nil
	case PolicyLFU:
		return PolicyLFU, nil
	default:
		return "", fmt.Errorf("%w: %q (supported: LRU, LFU)", ErrInvalidEvictionPolicy, name)
	}
}

// Cache is the contract shared by every eviction policy. Implementations are
// safe for concurrent use; each call observes the instance fully before or
// fully after any other call.
type Cache interface {
	// Get returns the value stored under key. A false result does not imply the
	// key was never set; it may have been evicted.
	Get(key string) (any, bool)
	// Set inserts or overwrites key. Inserting a new key into a full cache
	// evicts exactly one entry first.
	Set(key string, value any)
	// Invalidate removes key when present.
	Invalidate(key string)
	// Clear removes every entry.
	Clear()
	// Size reports the current entry count.
	Size() int
	// Capacity reports the maximum entry count.
	Capacity() int
	// Policy reports the eviction discipline.
	Policy() Policy
}

// Option customizes a cache at construction.
type Option func(*options)

type options struct {
	onEvict func(key string)
}

// WithEvictionHook registers fn to observe capacity evictions. The hook runs
// after the instance lock is released, so it may call back into the cache.
// Explicit Invalidate and Clear calls do not trigger it.
func WithEvictionHook(fn func(key string)) Option {
	return func(o *options) {
		o.onEvict = fn
	}
}

// New constructs a fresh, isolated cache instance.
func New(policy Policy, capacity int, opts ...Option) (Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d (must be greater than 0)", ErrInvalidCapacity, capacity)
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	switch policy {
	case PolicyLRU:
		return newLRU(capacity, o.onEvict), nil
	case PolicyLFU:
		return newLFU(capacity, o.onEvict), nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: LRU, LFU)", ErrInvalidEvictionPolicy, string(policy))
	}
}
