package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type userKey struct {
	callerID string
	ip       string
}

// Memory keeps every collaborator record in process. It backs local runs and
// tests; nothing survives a restart.
type Memory struct {
	mu            sync.Mutex
	sessions      map[string]Session
	identities    map[string]string
	subscriptions map[string]Subscription
	anonymous     map[string]Usage
	users         map[userKey]Usage
	newID         func() string
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		sessions:      make(map[string]Session),
		identities:    make(map[string]string),
		subscriptions: make(map[string]Subscription),
		anonymous:     make(map[string]Usage),
		users:         make(map[userKey]Usage),
		newID:         uuid.NewString,
	}
}

func (m *Memory) PutSession(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Memory) PutIdentity(ref, callerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[ref] = callerID
}

// PutSubscription records sub as the active subscription of callerID.
func (m *Memory) PutSubscription(callerID string, sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.CallerID = callerID
	sub.Items = append([]SubscriptionItem(nil), sub.Items...)
	m.subscriptions[callerID] = sub
}

func (m *Memory) DeleteSubscription(callerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, callerID)
}

func (m *Memory) PutAnonymousUsage(id string, usage Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anonymous[id] = usage.clone()
}

func (m *Memory) PutUserUsage(callerID, ip string, usage Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userKey{callerID, ip}] = usage.clone()
}

// GetSession returns nil without error when the session does not exist.
func (m *Memory) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ResolveIdentity(_ context.Context, ref string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	callerID, ok := m.identities[ref]
	return callerID, ok, nil
}

// ActiveSubscription returns nil without error when callerID has none.
func (m *Memory) ActiveSubscription(_ context.Context, callerID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[callerID]
	if !ok {
		return nil, nil
	}
	sub.Items = append([]SubscriptionItem(nil), sub.Items...)
	return &sub, nil
}

func (m *Memory) AnonymousUsage(_ context.Context, id string) (Usage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.anonymous[id]
	if !ok {
		return nil, false, nil
	}
	return u.clone(), true, nil
}

// CreateAnonymousUsage mints a caller id and stores a record with field
// already counted once.
func (m *Memory) CreateAnonymousUsage(_ context.Context, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	m.anonymous[id] = initialUsage(field)
	return id, nil
}

func (m *Memory) IncrementAnonymousUsage(_ context.Context, id, field string) error {
	if field == "" {
		return ErrFieldRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.anonymous[id]
	if !ok {
		return ErrUsageNotFound
	}
	u[field]++
	return nil
}

func (m *Memory) UserUsage(_ context.Context, callerID, ip string) (Usage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userKey{callerID, ip}]
	if !ok {
		return nil, false, nil
	}
	return u.clone(), true, nil
}

func (m *Memory) CreateUserUsage(_ context.Context, callerID, ip, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userKey{callerID, ip}
	if _, ok := m.users[key]; ok {
		return ErrUsageExists
	}
	m.users[key] = initialUsage(field)
	return nil
}

func (m *Memory) IncrementUserUsage(_ context.Context, callerID, ip, field string) error {
	if field == "" {
		return ErrFieldRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userKey{callerID, ip}]
	if !ok {
		return ErrUsageNotFound
	}
	u[field]++
	return nil
}
