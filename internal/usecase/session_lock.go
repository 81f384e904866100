package usecase

import (
	"context"
	"fmt"
	"sync"
)

// SessionLocker provides per-session mutual exclusion: at most one turn
// mutates a session at a time, while different sessions proceed in
// parallel. Slots are reference counted and dropped when nobody holds or
// waits for them.
type SessionLocker struct {
	mu    sync.Mutex
	slots map[string]*sessionSlot
}

type sessionSlot struct {
	sem  chan struct{} // holding the single token means holding the lock
	refs int
}

// NewSessionLocker creates a new session locker.
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{slots: make(map[string]*sessionSlot)}
}

// Lock blocks until the session's lock is acquired or ctx is done. The
// returned unlock function is idempotent and must be called.
func (sl *SessionLocker) Lock(ctx context.Context, sessionID string) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("session lock: %w", err)
	}
	slot := sl.ref(sessionID)
	select {
	case slot.sem <- struct{}{}:
		return sl.unlocker(sessionID, slot), nil
	case <-ctx.Done():
		sl.unref(sessionID, slot)
		return nil, fmt.Errorf("session lock: %w", ctx.Err())
	}
}

// TryLock acquires the lock only if it is free right now.
func (sl *SessionLocker) TryLock(sessionID string) (unlock func(), ok bool) {
	slot := sl.ref(sessionID)
	select {
	case slot.sem <- struct{}{}:
		return sl.unlocker(sessionID, slot), true
	default:
		sl.unref(sessionID, slot)
		return nil, false
	}
}

func (sl *SessionLocker) unlocker(sessionID string, slot *sessionSlot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.sem
			sl.unref(sessionID, slot)
		})
	}
}

func (sl *SessionLocker) ref(sessionID string) *sessionSlot {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	slot, ok := sl.slots[sessionID]
	if !ok {
		slot = &sessionSlot{sem: make(chan struct{}, 1)}
		sl.slots[sessionID] = slot
	}
	slot.refs++
	return slot
}

func (sl *SessionLocker) unref(sessionID string, slot *sessionSlot) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(sl.slots, sessionID)
	}
}

// ActiveCount returns the number of sessions with held or pending locks.
func (sl *SessionLocker) ActiveCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.slots)
}
