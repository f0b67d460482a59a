package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemoryStores returns a store bundle held entirely in memory. It
// backs the test suites and single-node development setups.
func NewMemoryStores() *Stores {
	return &Stores{
		Instances:  &MemoryInstances{instances: make(map[string]Instance)},
		Flags:      &MemoryFlags{flags: make(map[int64]Flag)},
		Challenges: &MemoryChallenges{challenges: make(map[int64]Challenge)},
		Solves:     &MemorySolves{},
		Settings:   &MemorySettings{values: make(map[string]string)},
		Abuse:      &MemoryAbuse{},
	}
}

type MemoryInstances struct {
	mu        sync.RWMutex
	instances map[string]Instance
}

func (s *MemoryInstances) Create(_ context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	return nil
}

func (s *MemoryInstances) ByID(_ context.Context, id string) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, ErrInstanceNotFound
	}
	return inst, nil
}

func (s *MemoryInstances) ForOwner(_ context.Context, challengeID int64, owner Owner) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.instances {
		if inst.ChallengeID == challengeID && inst.Owner == owner {
			return inst, nil
		}
	}
	return Instance{}, ErrInstanceNotFound
}

func (s *MemoryInstances) CountForOwner(_ context.Context, owner Owner) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, inst := range s.instances {
		if inst.Owner == owner {
			count++
		}
	}
	return count, nil
}

func (s *MemoryInstances) List(_ context.Context) ([]Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instances := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].CreatedAt > instances[j].CreatedAt
	})
	return instances, nil
}

func (s *MemoryInstances) UpdateExpiry(_ context.Context, id string, expires int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.Expires = expires
	s.instances[id] = inst
	return nil
}

func (s *MemoryInstances) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

type MemoryFlags struct {
	mu     sync.RWMutex
	nextID int64
	flags  map[int64]Flag
}

func (s *MemoryFlags) Create(_ context.Context, f Flag) (Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.flags {
		if existing.Value == f.Value {
			return Flag{}, ErrFlagExists
		}
	}
	s.nextID++
	f.ID = s.nextID
	if f.Owner != nil {
		owner := *f.Owner
		f.Owner = &owner
	}
	s.flags[f.ID] = f
	return f, nil
}

func (s *MemoryFlags) ByValue(_ context.Context, value string) (Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flags {
		if f.Value == value {
			return f, nil
		}
	}
	return Flag{}, ErrFlagNotFound
}

func (s *MemoryFlags) ByInstance(_ context.Context, instanceID string) ([]Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var flags []Flag
	for _, f := range s.flags {
		if f.InstanceID != "" && f.InstanceID == instanceID {
			flags = append(flags, f)
		}
	}
	return flags, nil
}

func (s *MemoryFlags) MarkUsed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[id]
	if !ok {
		return ErrFlagNotFound
	}
	f.Used = true
	s.flags[id] = f
	return nil
}

func (s *MemoryFlags) ClearInstance(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[id]
	if !ok {
		return ErrFlagNotFound
	}
	f.InstanceID = ""
	s.flags[id] = f
	return nil
}

func (s *MemoryFlags) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, id)
	return nil
}

type MemoryChallenges struct {
	mu         sync.RWMutex
	nextID     int64
	challenges map[int64]Challenge
}

func (s *MemoryChallenges) Create(_ context.Context, ch Challenge) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.ID == 0 {
		s.nextID++
		ch.ID = s.nextID
	} else if ch.ID > s.nextID {
		s.nextID = ch.ID
	}
	s.challenges[ch.ID] = ch
	return ch, nil
}

func (s *MemoryChallenges) ByID(_ context.Context, id int64) (Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.challenges[id]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	return ch, nil
}

func (s *MemoryChallenges) Update(_ context.Context, ch Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[ch.ID]; !ok {
		return ErrChallengeNotFound
	}
	s.challenges[ch.ID] = ch
	return nil
}

func (s *MemoryChallenges) List(_ context.Context) ([]Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	challenges := make([]Challenge, 0, len(s.challenges))
	for _, ch := range s.challenges {
		challenges = append(challenges, ch)
	}
	sort.Slice(challenges, func(i, j int) bool {
		return challenges[i].ID < challenges[j].ID
	})
	return challenges, nil
}

type MemorySolves struct {
	mu     sync.RWMutex
	solves []Solve

	// Visible reports whether an owner counts toward the scoring curve.
	// Nil means every owner counts.
	Visible func(Owner) bool
}

func (s *MemorySolves) Create(_ context.Context, solve Solve) error {
	if solve.CreatedAt == 0 {
		solve.CreatedAt = time.Now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solves = append(s.solves, solve)
	return nil
}

func (s *MemorySolves) Exists(_ context.Context, challengeID int64, owner Owner) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, solve := range s.solves {
		if solve.ChallengeID == challengeID && solve.Owner == owner {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemorySolves) CountValid(_ context.Context, challengeID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, solve := range s.solves {
		if solve.ChallengeID != challengeID {
			continue
		}
		if s.Visible != nil && !s.Visible(solve.Owner) {
			continue
		}
		count++
	}
	return count, nil
}

type MemorySettings struct {
	mu     sync.RWMutex
	values map[string]string
}

func (s *MemorySettings) All(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]string, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	return snapshot, nil
}

func (s *MemorySettings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

type MemoryAbuse struct {
	mu      sync.RWMutex
	records []AbuseRecord
}

func (s *MemoryAbuse) Create(_ context.Context, rec AbuseRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryAbuse) List(_ context.Context) ([]AbuseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]AbuseRecord, len(s.records))
	copy(records, s.records)
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})
	return records, nil
}
