package messaging

import (
	"sort"
	"sync"
)

// InmemStore implements Store with plain maps. Nothing survives a restart;
// it backs tests and nodes run without persistent storage.
//
// The dedup set and the retry ledger are guarded separately: handlers run
// inside ProcessOnce, and must be able to touch the ledger (SendWithRetry,
// CancelRedelivery) re-entrantly without deadlocking.
type InmemStore struct {
	processedMu sync.Mutex
	processed   map[string]bool

	retriesMu sync.Mutex
	retries   map[int64]*PendingRetry
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		processed: make(map[string]bool),
		retries:   make(map[int64]*PendingRetry),
	}
}

// ProcessOnce implements the Store interface.
func (s *InmemStore) ProcessOnce(uniqueID string, dispatch func()) (bool, error) {
	s.processedMu.Lock()
	defer s.processedMu.Unlock()

	if s.processed[uniqueID] {
		return false, nil
	}

	dispatch()

	s.processed[uniqueID] = true
	return true, nil
}

// InsertPendingRetry implements the Store interface.
func (s *InmemStore) InsertPendingRetry(rec *PendingRetry) error {
	s.retriesMu.Lock()
	defer s.retriesMu.Unlock()

	if _, ok := s.retries[rec.RetryID]; ok {
		return nil
	}
	s.retries[rec.RetryID] = rec
	return nil
}

// RemovePendingRetry implements the Store interface.
func (s *InmemStore) RemovePendingRetry(retryID int64) error {
	s.retriesMu.Lock()
	defer s.retriesMu.Unlock()

	delete(s.retries, retryID)
	return nil
}

// PendingRetries implements the Store interface.
func (s *InmemStore) PendingRetries() ([]*PendingRetry, error) {
	s.retriesMu.Lock()
	defer s.retriesMu.Unlock()

	res := []*PendingRetry{}
	for _, rec := range s.retries {
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].RetryID < res[j].RetryID })
	return res, nil
}

// ProcessedCount returns the size of the dedup set. Test hook.
func (s *InmemStore) ProcessedCount() int {
	s.processedMu.Lock()
	defer s.processedMu.Unlock()
	return len(s.processed)
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}
