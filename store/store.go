// Package store implements the keyed message store: a concurrent
// app_id -> task_id -> Entry mapping shared by every connection.
//
// Locking: the store RWMutex guards the maps only. Each Entry has its own
// mutex guarding its buffer, so appends to different messages never
// contend. Lock order is always store before entry.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/pithecene-io/splice/assembly"
	"github.com/pithecene-io/splice/types"
)

// Entry is the handle for one in-flight message.
type Entry struct {
	key     types.Key
	created time.Time
	now     func() time.Time

	mu          sync.Mutex
	buf         *assembly.Buffer
	lastTouched time.Time
	writer      string
}

// Key returns the entry's store key.
func (e *Entry) Key() types.Key { return e.key }

// Update runs fn with exclusive access to the entry's buffer and refreshes
// the last-touched time. fn must not call back into the Store.
func (e *Entry) Update(fn func(*assembly.Buffer) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTouched = e.now()
	return fn(e.buf)
}

// UpdateBy is Update that also records writer as the entry's last writer.
func (e *Entry) UpdateBy(writer string, fn func(*assembly.Buffer) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTouched = e.now()
	e.writer = writer
	return fn(e.buf)
}

// info snapshots the entry. Caller must hold e.mu.
func (e *Entry) info(now time.Time) EntryInfo {
	meta := e.buf.Metadata()
	return EntryInfo{
		Key:         e.key,
		Bytes:       e.buf.Len(),
		Chunks:      e.buf.Chunks(),
		ChunkIndex:  meta.ChunkIndex,
		ChunkTotal:  meta.ChunkTotal,
		Created:     e.created,
		LastTouched: e.lastTouched,
		Idle:        now.Sub(e.lastTouched),
	}
}

// EntryInfo is a point-in-time view of an in-flight message.
type EntryInfo struct {
	Key         types.Key     `json:"key"`
	Bytes       int           `json:"bytes"`
	Chunks      int           `json:"chunks"`
	ChunkIndex  uint32        `json:"chunk_index"`
	ChunkTotal  uint32        `json:"chunk_total"`
	Created     time.Time     `json:"created"`
	LastTouched time.Time     `json:"last_touched"`
	Idle        time.Duration `json:"idle"`
}

// Store is the two-level keyed message store.
// Create one per process with New and inject it where needed.
type Store struct {
	mu   sync.RWMutex
	apps map[string]map[string]*Entry

	now             func() time.Time
	maxMessageBytes int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxMessageBytes sets the size cap of each new entry's buffer.
func WithMaxMessageBytes(n int) Option {
	return func(s *Store) { s.maxMessageBytes = n }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		apps: make(map[string]map[string]*Entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the entry for key, if present.
func (s *Store) Get(key types.Key) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(key)
}

func (s *Store) lookupLocked(key types.Key) (*Entry, bool) {
	tasks, ok := s.apps[key.AppID]
	if !ok {
		return nil, false
	}
	e, ok := tasks[key.TaskID]
	return e, ok
}

// GetOrCreate returns the entry for key, creating it if absent.
// The bool result is true when this call created the entry.
//
// Warm keys are served under the shared lock. A miss takes the exclusive
// lock and re-checks, so concurrent callers for one unseen key observe a
// single created entry.
func (s *Store) GetOrCreate(key types.Key) (*Entry, bool) {
	s.mu.RLock()
	e, ok := s.lookupLocked(key)
	s.mu.RUnlock()
	if ok {
		return e, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.lookupLocked(key); ok {
		return e, false
	}

	tasks, ok := s.apps[key.AppID]
	if !ok {
		tasks = make(map[string]*Entry)
		s.apps[key.AppID] = tasks
	}
	now := s.now()
	e = &Entry{
		key:         key,
		created:     now,
		now:         s.now,
		buf:         assembly.NewBuffer(s.maxMessageBytes),
		lastTouched: now,
	}
	tasks[key.TaskID] = e
	return e, true
}

// Remove evicts the entry for key and drains it. Returns false if absent.
func (s *Store) Remove(key types.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(key)
	if !ok {
		return false
	}
	s.deleteLocked(key)

	e.mu.Lock()
	e.buf.Drain()
	e.mu.Unlock()
	return true
}

// RemoveEntry evicts and drains key only while it still maps to e.
// A stale handle never evicts a newer entry for the same key.
// The caller must not hold e's lock.
func (s *Store) RemoveEntry(key types.Key, e *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.lookupLocked(key)
	if !ok || cur != e {
		return false
	}
	s.deleteLocked(key)

	e.mu.Lock()
	e.buf.Drain()
	e.mu.Unlock()
	return true
}

// RemoveIfWriter is RemoveEntry restricted to entries whose last writer,
// as recorded by UpdateBy, is writer.
func (s *Store) RemoveIfWriter(key types.Key, e *Entry, writer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.lookupLocked(key)
	if !ok || cur != e {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writer != writer {
		return false
	}
	s.deleteLocked(key)
	e.buf.Drain()
	return true
}

// deleteLocked removes key and prunes an emptied app map. Caller holds s.mu.
func (s *Store) deleteLocked(key types.Key) {
	tasks := s.apps[key.AppID]
	delete(tasks, key.TaskID)
	if len(tasks) == 0 {
		delete(s.apps, key.AppID)
	}
}

// Len returns the number of in-flight messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, tasks := range s.apps {
		n += len(tasks)
	}
	return n
}

// Apps returns the number of app ids with in-flight messages.
func (s *Store) Apps() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apps)
}

// Snapshot returns every in-flight message ordered by key.
func (s *Store) Snapshot() []EntryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	infos := make([]EntryInfo, 0)
	for _, tasks := range s.apps {
		for _, e := range tasks {
			e.mu.Lock()
			infos = append(infos, e.info(now))
			e.mu.Unlock()
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Key.AppID != infos[j].Key.AppID {
			return infos[i].Key.AppID < infos[j].Key.AppID
		}
		return infos[i].Key.TaskID < infos[j].Key.TaskID
	})
	return infos
}
