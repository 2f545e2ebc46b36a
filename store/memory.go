package store

import (
	"sort"
	"sync"
)

// MemAccountStore is an in-memory `IAccountStore`, nothing survives a restart.
type MemAccountStore struct {
	sync.Mutex
	seq int
	kv  map[int]AccountRecord
}

func NewMemAccountStore() *MemAccountStore {
	return &MemAccountStore{kv: make(map[int]AccountRecord)}
}

func (s *MemAccountStore) NextID() (int, error) {
	s.Lock()
	s.seq++
	id := s.seq
	s.Unlock()
	return id, nil
}

func (s *MemAccountStore) Save(a *AccountRecord) error {
	s.Lock()
	s.kv[a.ID] = *a
	s.Unlock()
	return nil
}

func (s *MemAccountStore) Delete(id int) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.kv[id]; !ok {
		return ErrNoAccount
	}
	delete(s.kv, id)
	return nil
}

func (s *MemAccountStore) List() ([]*AccountRecord, error) {
	s.Lock()
	out := make([]*AccountRecord, 0, len(s.kv))
	for _, a := range s.kv {
		a := a
		out = append(out, &a)
	}
	s.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemAccountStore) Close() error { return nil }
