// Package registry keeps the progress of every batch job in memory.
//
// Progress is an integer in [0, 100] while a job runs. 100 means the job
// succeeded and Failed (-1) means it failed; both are terminal and are never
// overwritten. Unknown jobs read as 0.
package registry

import (
	"errors"
	"sync"
	"time"
)

const (
	// Done is the terminal success value.
	Done = 100
	// Failed is the terminal failure sentinel.
	Failed = -1
)

// ErrTerminal is returned when writing to a job that already finished.
var ErrTerminal = errors.New("registry: job already in a terminal state")

type Entry struct {
	Progress  int       `json:"progress"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the entry reached Done or Failed.
func (e Entry) Terminal() bool {
	return e.Progress == Done || e.Progress == Failed
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Register records a new job with progress 0. Registering an id twice
// resets a running entry but never a terminal one.
func (r *Registry) Register(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok && e.Terminal() {
		return ErrTerminal
	}
	now := r.now()
	r.entries[id] = Entry{CreatedAt: now, UpdatedAt: now}
	return nil
}

// Set overwrites the progress of a running job. Values are clamped to [0, 100].
func (r *Registry) Set(id string, value int) error {
	value = min(max(value, 0), Done)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if ok && e.Terminal() {
		return ErrTerminal
	}
	now := r.now()
	if !ok {
		e.CreatedAt = now
	}
	e.Progress = value
	e.UpdatedAt = now
	r.entries[id] = e
	return nil
}

// Fail moves a job to the failure sentinel and records why.
func (r *Registry) Fail(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if ok && e.Terminal() {
		return ErrTerminal
	}
	now := r.now()
	if !ok {
		e.CreatedAt = now
	}
	e.Progress = Failed
	e.Reason = reason
	e.UpdatedAt = now
	r.entries[id] = e
	return nil
}

// Get returns the progress of id, or 0 when the job is unknown.
func (r *Registry) Get(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id].Progress
}

func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Evict drops terminal entries last updated more than ttl before now and
// returns how many were removed. Running jobs are kept regardless of age.
// A non-positive ttl keeps everything.
func (r *Registry) Evict(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.entries {
		if e.Terminal() && e.UpdatedAt.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}
