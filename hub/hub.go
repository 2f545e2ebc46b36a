// Package hub merges the output of all sessions into one ordered stream toward the attached
// front client.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/chatmux/history"
	"github.com/mqy/chatmux/metrics"
)

var ErrStopped = errors.New("hub stopped")

// Conn is a front client connection. WriteLine is only called from the hub goroutine.
type Conn interface {
	ID() string
	WriteLine(line string) error
	// Close closes the connection, safe to call more than once.
	Close()
}

// Item is a message entry or a line. Items with `To` set are only written to that connection.
type Item struct {
	Entry *history.Entry
	Line  string
	To    Conn

	// CloseAfter closes the connection once Line is written.
	CloseAfter bool
}

// Hub owns the outbound queue and is the only writer to the attached client. At most one
// client is attached: a new one kicks the previous one off.
type Hub struct {
	queue   chan Item
	attachC chan Conn
	detachC chan Conn
	done    chan struct{}

	history  *history.Store
	format   func(m *history.Message) string
	onAttach func(c Conn) error

	current Conn
}

// New creates a `Hub` with a queue of `size` items.
func New(size int, h *history.Store, format func(m *history.Message) string) *Hub {
	return &Hub{
		queue:   make(chan Item, size),
		attachC: make(chan Conn),
		detachC: make(chan Conn),
		done:    make(chan struct{}),
		history: h,
		format:  format,
	}
}

// OnAttach sets a hook run in the hub goroutine after a client attached and before the replay.
// Must be called before Run.
func (h *Hub) OnAttach(f func(c Conn) error) {
	h.onAttach = f
}

// Len is the number of queued items.
func (h *Hub) Len() int {
	return len(h.queue)
}

// Enqueue blocks while the queue is full.
func (h *Hub) Enqueue(ctx context.Context, it Item) error {
	select {
	case h.queue <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrStopped
	}
}

// Attach makes c the attached client. Pending history is replayed to it before any item that is
// still queued.
func (h *Hub) Attach(ctx context.Context, c Conn) error {
	select {
	case h.attachC <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrStopped
	}
}

// Detach is called when c is gone. It is a no-op if c is not attached.
func (h *Hub) Detach(c Conn) {
	select {
	case h.detachC <- c:
	case <-h.done:
	}
}

// Run is the writer loop. On cancel it flushes the queue for at most `grace`.
func (h *Hub) Run(ctx context.Context, grace time.Duration, stopDoneNotifyC chan<- struct{}) {
	glog.Info("hub: ready")

	for {
		select {
		case <-ctx.Done():
			glog.Info("hub: stopping")
			h.flush(grace)
			if h.current != nil {
				_ = h.current.WriteLine("info: daemon is shutting down.")
				h.drop()
			}
			close(h.done)
			glog.Info("hub: stopped")
			stopDoneNotifyC <- struct{}{}
			return
		case c := <-h.attachC:
			h.attach(c)
		case c := <-h.detachC:
			if h.current == c {
				glog.V(5).Infof("hub: client %s detached", c.ID())
				h.current = nil
				metrics.Clients.Set(0)
			}
		case it := <-h.queue:
			h.deliver(it)
		}
	}
}

func (h *Hub) flush(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		select {
		case it := <-h.queue:
			h.deliver(it)
		default:
			return
		}
	}
	glog.Warningf("hub: flush timeout, %d items left", len(h.queue))
}

func (h *Hub) drop() {
	h.current.Close()
	h.current = nil
	metrics.Clients.Set(0)
}

func (h *Hub) attach(c Conn) {
	if old := h.current; old != nil {
		glog.Infof("hub: kickoff client %s by %s", old.ID(), c.ID())
		_ = old.WriteLine("info: kicked off by a new connection.")
		h.drop()
	}
	h.current = c
	metrics.Clients.Set(1)
	glog.Infof("hub: client %s attached", c.ID())

	if h.onAttach != nil {
		if err := h.onAttach(c); err != nil {
			glog.Errorf("hub: client %s: attach hook error: %v", c.ID(), err)
			h.drop()
			return
		}
	}

	for _, accountID := range h.history.Accounts() {
		n, err := h.history.ReplayPending(accountID, func(e *history.Entry) error {
			return c.WriteLine(h.format(&e.Message))
		})
		metrics.Messages.WithLabelValues(metrics.MessageReplayed).Add(float64(n))
		if n > 0 {
			glog.V(5).Infof("hub: replayed %d messages of account %d to %s", n, accountID, c.ID())
		}
		if err != nil {
			glog.Errorf("hub: client %s: replay error: %v", c.ID(), err)
			h.drop()
			return
		}
	}
}

func (h *Hub) deliver(it Item) {
	c := h.current
	if e := it.Entry; e != nil {
		if e.Delivered() {
			// replayed while queued
			return
		}
		if c == nil {
			if !h.history.Enabled() {
				metrics.Messages.WithLabelValues(metrics.MessageDropped).Inc()
			}
			return
		}
		if err := c.WriteLine(h.format(&e.Message)); err != nil {
			glog.Errorf("hub: client %s: write error: %v", c.ID(), err)
			h.drop()
			return
		}
		h.history.MarkDelivered(e)
		metrics.Messages.WithLabelValues(metrics.MessageDelivered).Inc()
		return
	}

	if c == nil || (it.To != nil && it.To != c) {
		glog.V(7).Infof("hub: drop line: %s", it.Line)
		return
	}
	if err := c.WriteLine(it.Line); err != nil {
		glog.Errorf("hub: client %s: write error: %v", c.ID(), err)
		h.drop()
		return
	}
	if it.CloseAfter {
		h.drop()
	}
}
