package account

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/mqy/chatmux/backend"
	"github.com/mqy/chatmux/store"
)

type entry struct {
	acc    Account
	worker Worker
}

// Registry maps account ids to accounts and their workers.
// Mutations are serialized by one lock that is never held across a backend call or a worker
// shutdown; readers use the snapshot published after each mutation.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*entry
	snap    atomic.Pointer[[]*entry]

	store store.IAccountStore
	spawn Spawner
}

func NewRegistry(s store.IAccountStore, spawn Spawner) *Registry {
	r := &Registry{
		entries: make(map[int]*entry),
		store:   s,
		spawn:   spawn,
	}
	r.publishLocked()
	return r
}

// publishLocked rebuilds the id ordered snapshot.
func (r *Registry) publishLocked() {
	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].acc.ID < list[j].acc.ID })
	r.snap.Store(&list)
}

func (r *Registry) add(acc Account) Account {
	e := &entry{acc: acc}
	e.worker = r.spawn(acc)

	r.mu.Lock()
	r.entries[acc.ID] = e
	r.publishLocked()
	r.mu.Unlock()

	acc.Status = e.worker.Status()
	return acc
}

// Create persists a new account and starts its session. It returns without waiting for login.
func (r *Registry) Create(conf Config) (Account, error) {
	if !backend.Known(conf.Kind) {
		return Account{}, fmt.Errorf("%w: %s", backend.ErrUnknownKind, conf.Kind)
	}
	if conf.Login == "" {
		return Account{}, fmt.Errorf("empty login")
	}
	if conf.Server == "" {
		conf.Server = backend.ServerFromLogin(conf.Login)
	}

	id, err := r.store.NextID()
	if err != nil {
		return Account{}, fmt.Errorf("allocate account id: %v", err)
	}
	rec := &store.AccountRecord{ID: id, Kind: conf.Kind, Login: conf.Login, Secret: conf.Secret, Server: conf.Server}
	if err := r.store.Save(rec); err != nil {
		return Account{}, fmt.Errorf("save account: %v", err)
	}

	glog.Infof("account %d added, kind: %s, login: %s", id, conf.Kind, conf.Login)
	return r.add(Account{ID: id, Config: conf}), nil
}

// Restore starts a session for every persisted account. Returns the number of accounts.
func (r *Registry) Restore() (int, error) {
	list, err := r.store.List()
	if err != nil {
		return 0, err
	}
	for _, rec := range list {
		if !backend.Known(rec.Kind) {
			glog.Errorf("account %d: skip restore, unknown kind `%s`", rec.ID, rec.Kind)
			continue
		}
		r.add(Account{ID: rec.ID, Config: Config{Kind: rec.Kind, Login: rec.Login, Secret: rec.Secret, Server: rec.Server}})
	}
	glog.Infof("restored %d accounts", len(list))
	return len(list), nil
}

// List returns accounts order by id ASC.
func (r *Registry) List() []Account {
	list := *r.snap.Load()
	out := make([]Account, 0, len(list))
	for _, e := range list {
		acc := e.acc
		acc.Status = e.worker.Status()
		out = append(out, acc)
	}
	return out
}

// Get returns the account and its worker, or ErrNotFound.
func (r *Registry) Get(id int) (Account, Worker, error) {
	list := *r.snap.Load()
	i := sort.Search(len(list), func(i int) bool { return list[i].acc.ID >= id })
	if i == len(list) || list[i].acc.ID != id {
		return Account{}, nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	e := list[i]
	acc := e.acc
	acc.Status = e.worker.Status()
	return acc, e.worker, nil
}

// Delete removes the account and shuts its session down. A concurrent second delete of the
// same id gets ErrNotFound.
func (r *Registry) Delete(id int) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		r.publishLocked()
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	if err := r.store.Delete(id); err != nil {
		glog.Errorf("account %d: delete from store: %v", id, err)
	}
	e.worker.Shutdown()
	glog.Infof("account %d deleted", id)
	return nil
}

// Close shuts down all sessions. Accounts stay persisted.
func (r *Registry) Close() {
	r.mu.Lock()
	list := *r.snap.Load()
	r.entries = make(map[int]*entry)
	r.publishLocked()
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range list {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			w.Shutdown()
		}(e.worker)
	}
	wg.Wait()
}
