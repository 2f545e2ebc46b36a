// Package session runs one worker per account: it drives the backend connection through
// connecting, online and reconnecting, and feeds translated events to history and the hub.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/chatmux/account"
	"github.com/mqy/chatmux/backend"
	"github.com/mqy/chatmux/history"
	"github.com/mqy/chatmux/hub"
	"github.com/mqy/chatmux/metrics"
	"github.com/mqy/chatmux/store"
	"github.com/mqy/chatmux/translate"
)

var (
	ErrOffline      = errors.New("account is offline")
	ErrBackpressure = errors.New("send queue is full")

	errSetup = errors.New("backend setup failed")
)

const (
	eventsBuffer   = 64
	roomsTimeout   = 5 * time.Second
	archiveTimeout = 3 * time.Second
)

// Sink receives the output of workers, see `hub.Hub.Enqueue`.
type Sink interface {
	Enqueue(ctx context.Context, it hub.Item) error
}

// Config is shared by all workers.
type Config struct {
	FilterOwn     bool
	SendQueueSize int
	// MaxRetries is the number of failed connects in a row before giving up, 0 = unlimited.
	MaxRetries int
	Backoff    Backoff
	RoomsTTL   time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		FilterOwn:     true,
		SendQueueSize: 16,
		Backoff:       Backoff{Min: BackoffMinInterval, Max: BackoffMaxInterval},
		RoomsTTL:      30 * time.Second,
	}
}

// Deps are the collaborators of workers.
type Deps struct {
	History *history.Store
	Out     Sink
	// Archive is optional.
	Archive store.IMessageArchive
	// NewClient defaults to `backend.New`.
	NewClient func(kind string, conf backend.Config) (backend.Client, error)
}

type sendCmd struct {
	roomID string
	body   string
}

// Worker implements `account.Worker`.
type Worker struct {
	acc  account.Account
	conf *Config
	deps *Deps
	tr   *translate.Translator

	newClient func(kind string, conf backend.Config) (backend.Client, error)

	status  atomic.Int32
	stopped atomic.Bool
	cmds    chan sendCmd

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	roomsMu sync.Mutex
	client  backend.Client
	rooms   []backend.Room
	roomsAt time.Time
}

// Spawn starts the worker of acc. It returns at once, login runs in the background.
func Spawn(acc account.Account, conf *Config, deps *Deps) *Worker {
	newClient := deps.NewClient
	if newClient == nil {
		newClient = backend.New
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		acc:    acc,
		conf:   conf,
		deps:   deps,
		tr:     translate.New(acc.ID, conf.FilterOwn),
		cmds:   make(chan sendCmd, conf.SendQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),

		newClient: newClient,
	}
	metrics.Accounts.WithLabelValues(account.Offline.String()).Inc()
	go w.run()
	return w
}

// Spawner adapts Spawn to `account.Spawner`.
func Spawner(conf *Config, deps *Deps) account.Spawner {
	return func(a account.Account) account.Worker {
		return Spawn(a, conf, deps)
	}
}

func (w *Worker) String() string {
	return fmt.Sprintf("account %d (%s %s)", w.acc.ID, w.acc.Kind, w.acc.Login)
}

func (w *Worker) Status() account.Status {
	return account.Status(w.status.Load())
}

func (w *Worker) setStatus(s account.Status) {
	old := account.Status(w.status.Swap(int32(s)))
	if old == s {
		return
	}
	glog.Infof("%s: %s -> %s", w, old, s)
	metrics.Transitions.WithLabelValues(old.String(), s.String()).Inc()
	metrics.Accounts.WithLabelValues(old.String()).Dec()
	metrics.Accounts.WithLabelValues(s.String()).Inc()
	w.handle(backend.Event{Kind: backend.ConnectionStateChanged, State: s.String(), Time: time.Now()})
}

// Send queues body for roomID. While reconnecting the message waits in the queue and is sent
// once online again; a full queue fails with ErrBackpressure.
func (w *Worker) Send(roomID, body string) error {
	if w.stopped.Load() || w.Status() == account.Error {
		return ErrOffline
	}
	select {
	case w.cmds <- sendCmd{roomID: roomID, body: body}:
		return nil
	default:
		metrics.Sends.WithLabelValues("backpressure").Inc()
		return ErrBackpressure
	}
}

// Rooms serves the room cache, refreshed from the backend when online and the cache is empty
// or older than RoomsTTL.
func (w *Worker) Rooms(ctx context.Context) ([]backend.Room, error) {
	w.roomsMu.Lock()
	cached := w.rooms
	fresh := cached != nil && time.Since(w.roomsAt) < w.conf.RoomsTTL
	client := w.client
	w.roomsMu.Unlock()

	if fresh || client == nil || w.Status() != account.Online {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, roomsTimeout)
	defer cancel()
	rooms, err := client.Rooms(ctx)
	if err != nil {
		glog.Errorf("%s: refresh rooms: %v", w, err)
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}
	if rooms == nil {
		rooms = []backend.Room{}
	}

	w.roomsMu.Lock()
	w.rooms = rooms
	w.roomsAt = time.Now()
	w.roomsMu.Unlock()
	return rooms, nil
}

func (w *Worker) Join(ctx context.Context, roomID string) error {
	return w.roomOp(ctx, func(ctx context.Context, c backend.Client) error { return c.Join(ctx, roomID) })
}

func (w *Worker) Part(ctx context.Context, roomID string) error {
	return w.roomOp(ctx, func(ctx context.Context, c backend.Client) error { return c.Part(ctx, roomID) })
}

func (w *Worker) Invite(ctx context.Context, roomID, user string) error {
	return w.roomOp(ctx, func(ctx context.Context, c backend.Client) error { return c.Invite(ctx, roomID, user) })
}

// roomOp runs op on the current client, the room cache is refreshed on the next Rooms.
func (w *Worker) roomOp(ctx context.Context, op func(context.Context, backend.Client) error) error {
	w.roomsMu.Lock()
	client := w.client
	w.roomsMu.Unlock()
	if client == nil || w.Status() != account.Online {
		return ErrOffline
	}

	ctx, cancel := context.WithTimeout(ctx, roomsTimeout)
	defer cancel()
	err := op(ctx, client)
	w.invalidateRooms()
	return err
}

func (w *Worker) invalidateRooms() {
	w.roomsMu.Lock()
	w.roomsAt = time.Time{}
	w.roomsMu.Unlock()
}

func (w *Worker) setClient(c backend.Client) {
	w.roomsMu.Lock()
	w.client = c
	w.roomsMu.Unlock()
}

// Shutdown cancels the session and waits for it. Queued sends are discarded.
func (w *Worker) Shutdown() {
	w.once.Do(func() {
		w.stopped.Store(true)
		w.cancel()
	})
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	defer func() {
		metrics.Accounts.WithLabelValues(w.Status().String()).Dec()
	}()
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s: panic: %v\n%s", w, r, debug.Stack())
			w.emit(translate.AccountErrorLine(w.acc.ID, fmt.Sprintf("internal error: %v", r)))
			w.setStatus(account.Error)
		}
	}()

	var pending []sendCmd
	var delay time.Duration
	var failures int

	for {
		w.setStatus(account.Connecting)
		online, err := w.connect(&pending)
		if w.ctx.Err() != nil {
			w.setStatus(account.Offline)
			return
		}

		if errors.Is(err, backend.ErrAuth) || errors.Is(err, errSetup) {
			glog.Errorf("%s: %v", w, err)
			w.emit(translate.AccountErrorLine(w.acc.ID, err.Error()))
			w.setStatus(account.Error)
			return
		}

		if online {
			delay = 0
			failures = 0
		}
		failures++
		if n := w.conf.MaxRetries; n > 0 && failures > n {
			glog.Errorf("%s: giving up after %d retries: %v", w, n, err)
			w.emit(translate.AccountErrorLine(w.acc.ID, fmt.Sprintf("giving up after %d retries: %v", n, err)))
			w.setStatus(account.Error)
			return
		}

		w.setStatus(account.Reconnecting)
		delay = w.conf.Backoff.Next(delay)
		glog.Warningf("%s: connection lost: %v, retry in %s", w, err, delay)
		if !sleep(w.ctx, delay) {
			w.setStatus(account.Offline)
			return
		}
	}
}

// connect runs one backend session until it ends. online tells whether login succeeded.
// A send that failed on a transient error is kept in `pending` for the next session.
func (w *Worker) connect(pending *[]sendCmd) (online bool, err error) {
	client, err := w.newClient(w.acc.Kind, w.acc.BackendConfig())
	if err != nil {
		return false, fmt.Errorf("%w: %v", errSetup, err)
	}
	defer func() {
		w.setClient(nil)
		if err := client.Close(); err != nil {
			glog.Warningf("%s: close client: %v", w, err)
		}
	}()

	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()

	identity, err := client.Login(ctx)
	if err != nil {
		return false, err
	}
	w.tr.SetIdentity(identity)
	w.setClient(client)
	w.invalidateRooms()
	w.setStatus(account.Online)

	events := make(chan backend.Event, eventsBuffer)
	syncDone := make(chan error, 1)
	syncExited := false
	defer func() {
		cancel()
		if !syncExited {
			<-syncDone
			if w.ctx.Err() == nil {
				w.drain(events)
			}
		}
	}()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				syncDone <- fmt.Errorf("sync panic: %v", r)
			}
		}()
		syncDone <- client.Sync(ctx, events)
	}()

	for len(*pending) > 0 {
		if err := w.send(ctx, client, (*pending)[0]); err != nil {
			return true, err
		}
		*pending = (*pending)[1:]
	}

	for {
		select {
		case <-w.ctx.Done():
			return true, w.ctx.Err()
		case e := <-events:
			w.handle(e)
		case c := <-w.cmds:
			if err := w.send(ctx, client, c); err != nil {
				*pending = append(*pending, c)
				return true, err
			}
		case err := <-syncDone:
			syncExited = true
			w.drain(events)
			if err == nil {
				err = errors.New("sync ended")
			}
			return true, err
		}
	}
}

func (w *Worker) drain(events <-chan backend.Event) {
	for {
		select {
		case e := <-events:
			w.handle(e)
		default:
			return
		}
	}
}

// send returns an error only if the message should be retried after reconnect.
func (w *Worker) send(ctx context.Context, client backend.Client, c sendCmd) error {
	err := client.Send(ctx, c.roomID, c.body)
	switch {
	case err == nil:
		metrics.Sends.WithLabelValues("ok").Inc()
		w.archive(&history.Message{
			AccountID: w.acc.ID,
			RoomID:    c.roomID,
			Sender:    translate.SelfSender,
			Time:      time.Now(),
			Direction: history.Outgoing,
			Body:      c.body,
		})
		return nil
	case errors.Is(err, backend.ErrRejected):
		metrics.Sends.WithLabelValues("rejected").Inc()
		glog.Errorf("%s: send to %s rejected: %v", w, c.roomID, err)
		w.emit(translate.AccountErrorLine(w.acc.ID, fmt.Sprintf("send to %s rejected: %v", translate.EscapeName(c.roomID), err)))
		return nil
	}
	metrics.Sends.WithLabelValues("retry").Inc()
	glog.Warningf("%s: send to %s failed, will retry: %v", w, c.roomID, err)
	return err
}

func (w *Worker) handle(e backend.Event) {
	switch e.Kind {
	case backend.RosterChanged, backend.RoomJoined, backend.RoomLeft:
		w.invalidateRooms()
	}

	outs, verdict := w.tr.Translate(e)
	switch verdict {
	case translate.Received:
		metrics.Messages.WithLabelValues(metrics.MessageReceived).Inc()
	case translate.Filtered:
		metrics.Messages.WithLabelValues(metrics.MessageReceived).Inc()
		metrics.Messages.WithLabelValues(metrics.MessageFiltered).Inc()
	case translate.Duplicate:
		metrics.Messages.WithLabelValues(metrics.MessageReceived).Inc()
		metrics.Messages.WithLabelValues(metrics.MessageDuplicate).Inc()
	}
	for _, o := range outs {
		it := hub.Item{Line: o.Line}
		if m := o.Message; m != nil {
			it.Entry = w.deps.History.Append(m)
			w.archive(m)
		}
		if err := w.deps.Out.Enqueue(w.ctx, it); err != nil {
			glog.V(5).Infof("%s: enqueue: %v", w, err)
			return
		}
	}
}

func (w *Worker) emit(line string) {
	if err := w.deps.Out.Enqueue(w.ctx, hub.Item{Line: line}); err != nil {
		glog.V(5).Infof("%s: enqueue: %v", w, err)
	}
}

func (w *Worker) archive(m *history.Message) {
	a := w.deps.Archive
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, archiveTimeout)
	defer cancel()
	if err := a.Save(ctx, &store.ArchivedMsg{
		AccountID: m.AccountID,
		RoomID:    m.RoomID,
		Sender:    m.Sender,
		Direction: m.Direction.String(),
		Time:      m.Time,
		Body:      m.Body,
	}); err != nil {
		glog.Errorf("%s: archive message: %v", w, err)
	}
}
