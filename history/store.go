// Package history keeps translated messages per (account, room) and replays the ones no client
// has seen yet.
package history

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

type Direction int

const (
	Incoming Direction = iota + 1
	Outgoing
	Self
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "in"
	case Outgoing:
		return "out"
	case Self:
		return "self"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Message is immutable once created.
type Message struct {
	AccountID int
	RoomID    string
	Sender    string
	Time      time.Time
	Direction Direction
	Body      string
}

// Entry is a Message plus its delivery flag.
type Entry struct {
	Message

	seq       uint64
	delivered atomic.Bool
}

// Delivered tells whether the entry has been written to a client.
func (e *Entry) Delivered() bool {
	return e.delivered.Load()
}

type shard struct {
	sync.Mutex
	rooms map[string][]*Entry
}

// Store is safe for concurrent use. Each account has its own shard and lock, so workers of
// different accounts never contend.
type Store struct {
	disabled   atomic.Bool
	maxPerRoom int
	seq        atomic.Uint64

	mu     sync.RWMutex
	shards map[int]*shard
}

// NewStore creates an enabled store. `maxPerRoom` <= 0 keeps everything.
func NewStore(maxPerRoom int) *Store {
	return &Store{
		maxPerRoom: maxPerRoom,
		shards:     make(map[int]*shard),
	}
}

// Disable turns Append and ReplayPending into no-ops and drops what is stored.
func (s *Store) Disable() {
	s.disabled.Store(true)
	s.mu.Lock()
	s.shards = make(map[int]*shard)
	s.mu.Unlock()
}

func (s *Store) Enabled() bool {
	return !s.disabled.Load()
}

func (s *Store) shard(accountID int, create bool) *shard {
	s.mu.RLock()
	sh := s.shards[accountID]
	s.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh = s.shards[accountID]; sh == nil {
		sh = &shard{rooms: make(map[string][]*Entry)}
		s.shards[accountID] = sh
	}
	return sh
}

// Append stores m as pending and returns its entry. When the store is disabled the returned
// entry is not stored anywhere and can't be replayed.
func (s *Store) Append(m *Message) *Entry {
	e := &Entry{Message: *m, seq: s.seq.Add(1)}
	if s.disabled.Load() {
		return e
	}

	sh := s.shard(m.AccountID, true)
	sh.Lock()
	room := append(sh.rooms[m.RoomID], e)
	if s.maxPerRoom > 0 && len(room) > s.maxPerRoom {
		room = trim(room, s.maxPerRoom)
	}
	sh.rooms[m.RoomID] = room
	sh.Unlock()
	return e
}

// trim drops the oldest delivered entries until at most max entries are left.
// Pending entries are never dropped.
func trim(room []*Entry, max int) []*Entry {
	excess := len(room) - max
	out := make([]*Entry, 0, len(room))
	for _, e := range room {
		if excess > 0 && e.Delivered() {
			excess--
			continue
		}
		out = append(out, e)
	}
	glog.V(7).Infof("history: trimmed %d delivered entries", len(room)-len(out))
	return out
}

// MarkDelivered sets the delivery flag of e.
func (s *Store) MarkDelivered(e *Entry) {
	e.delivered.Store(true)
}

func (sh *shard) pending() []*Entry {
	sh.Lock()
	defer sh.Unlock()
	var out []*Entry
	for _, room := range sh.rooms {
		for _, e := range room {
			if !e.Delivered() {
				out = append(out, e)
			}
		}
	}
	// seq order is arrival order, which keeps per-room order.
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ReplayPending hands every pending message of the account to `deliver` in arrival order and
// marks it delivered once `deliver` returns nil. It stops at the first error; the rest stays
// pending. Returns the number of delivered messages.
func (s *Store) ReplayPending(accountID int, deliver func(e *Entry) error) (int, error) {
	if s.disabled.Load() {
		return 0, nil
	}
	sh := s.shard(accountID, false)
	if sh == nil {
		return 0, nil
	}

	var n int
	for _, e := range sh.pending() {
		if e.Delivered() {
			continue
		}
		if err := deliver(e); err != nil {
			return n, err
		}
		s.MarkDelivered(e)
		n++
	}
	return n, nil
}

// Accounts returns ids of accounts with history, sorted.
func (s *Store) Accounts() []int {
	s.mu.RLock()
	out := make([]int, 0, len(s.shards))
	for id := range s.shards {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Ints(out)
	return out
}

// Collect returns every stored message of the account in arrival order, delivered or not.
func (s *Store) Collect(accountID int) []Message {
	sh := s.shard(accountID, false)
	if sh == nil {
		return nil
	}

	sh.Lock()
	var entries []*Entry
	for _, room := range sh.rooms {
		entries = append(entries, room...)
	}
	sh.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}
