package driver

import (
	"sort"
	"sync"
)

// TaskLocks provides per-task mutual exclusion. Each key is a (pair, task)
// identity; holding it guarantees no other tick for that task is in flight.
type TaskLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewTaskLocks creates an empty lock set.
func NewTaskLocks() *TaskLocks {
	return &TaskLocks{held: make(map[string]struct{})}
}

// TryLock acquires key if nobody holds it.
func (l *TaskLocks) TryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Unlock releases key. Released keys are forgotten so the set only ever
// holds in-flight tasks.
func (l *TaskLocks) Unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// Held returns the keys currently held, sorted.
func (l *TaskLocks) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.held))
	for k := range l.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func taskKey(pair string, h string) string {
	return pair + "/" + h
}
