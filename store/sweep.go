package store

import (
	"context"
	"time"
)

// Sweep evicts entries untouched for longer than idleTTL and returns what
// was evicted. Evicted buffers are drained under their own lock, so a
// caller still holding the handle sees assembly.ErrDrained instead of
// appending to an orphan. Entries busy in Update are skipped.
func (s *Store) Sweep(idleTTL time.Duration) []EntryInfo {
	if idleTTL <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-idleTTL)

	var evicted []EntryInfo
	for _, tasks := range s.apps {
		for _, e := range tasks {
			if !e.mu.TryLock() {
				continue
			}
			if e.lastTouched.Before(cutoff) {
				evicted = append(evicted, e.info(now))
				e.buf.Drain()
				s.deleteLocked(e.key)
			}
			e.mu.Unlock()
		}
	}
	return evicted
}

// Janitor sweeps the store every interval until ctx is cancelled.
// onEvict, if non-nil, receives each non-empty batch of evictions.
func (s *Store) Janitor(ctx context.Context, interval, idleTTL time.Duration, onEvict func([]EntryInfo)) {
	if interval <= 0 || idleTTL <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.Sweep(idleTTL); len(evicted) > 0 && onEvict != nil {
				onEvict(evicted)
			}
		}
	}
}
