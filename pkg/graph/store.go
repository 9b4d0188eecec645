package graph

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Store serves the current snapshot under a multiple-readers/single-writer
// policy. Publish validates the incoming bundle first and only swaps the
// current pointer on success, so ongoing reads never observe a partial graph.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
	log     *zap.Logger
}

// NewStore creates an empty snapshot store.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{log: log.Named("graph")}
}

// Current returns the live snapshot, or ErrNoSnapshot before the first
// publish.
func (st *Store) Current() (*Snapshot, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.current == nil {
		return nil, ErrNoSnapshot
	}
	return st.current, nil
}

// Publish validates and atomically installs a new snapshot. Versions must be
// strictly monotonic; a rejected bundle leaves the previous snapshot serving.
func (st *Store) Publish(b Bundle) (*Snapshot, error) {
	snap, err := NewSnapshot(b)
	if err != nil {
		st.log.Warn("snapshot rejected",
			zap.Int64("version", b.Version),
			zap.Error(err))
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current != nil && snap.Version() <= st.current.Version() {
		err := &IntegrityError{
			Version:  snap.Version(),
			Problems: []string{fmt.Sprintf("version %d not greater than current %d", snap.Version(), st.current.Version())},
		}
		st.log.Warn("snapshot rejected", zap.Error(err))
		return nil, err
	}
	st.current = snap
	st.log.Info("snapshot published",
		zap.Int64("version", snap.Version()),
		zap.Int("frameworks", len(snap.frameworks)),
		zap.Int("controls", len(snap.controls)),
		zap.Int("threats", len(snap.threats)))
	return snap, nil
}
