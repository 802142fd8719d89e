package tune

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Store persists the trials of tuning campaigns. A trial is identified by its campaign and number;
// saving it again replaces the earlier record.
type Store interface {
	Init(ctx context.Context) error
	SaveTrial(ctx context.Context, campaign string, trial Trial) error
	Trials(ctx context.Context, campaign string) ([]Trial, error)
	Close() error
}

// MemoryStore keeps trials in memory.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	trials      map[string]map[int]Trial
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		s.initialized = true
		s.trials = make(map[string]map[int]Trial)
	}
	return nil
}

func (s *MemoryStore) SaveTrial(_ context.Context, campaign string, trial Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if s.trials[campaign] == nil {
		s.trials[campaign] = make(map[int]Trial)
	}
	s.trials[campaign][trial.Number] = trial
	return nil
}

// Trials returns the trials of a campaign ordered by number.
func (s *MemoryStore) Trials(_ context.Context, campaign string) ([]Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errors.New("store is not initialized")
	}
	trials := make([]Trial, 0, len(s.trials[campaign]))
	for _, trial := range s.trials[campaign] {
		trials = append(trials, trial)
	}
	sort.Slice(trials, func(i, j int) bool { return trials[i].Number < trials[j].Number })
	return trials, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
