// Package translate turns backend events into front protocol messages and status lines.
package translate

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/mqy/chatmux/backend"
	"github.com/mqy/chatmux/history"
)

const (
	// SelfSender replaces the own identity as sender of echoed own messages.
	SelfSender = "<self>"

	// DedupWindow is the number of recent messages per room checked for duplicates.
	DedupWindow = 128
)

// Output is either a message for history and delivery or a status line.
type Output struct {
	Message *history.Message
	Line    string
}

// Verdict tells what became of a chat message event.
type Verdict int

const (
	// NotMessage is the verdict of every other event kind.
	NotMessage Verdict = iota
	Received
	// Filtered is an own message dropped by filterOwn.
	Filtered
	Duplicate
)

type dedupKey struct {
	sender string
	ts     int64
	body   string
}

// window holds the last DedupWindow keys of a room.
type window struct {
	keys map[dedupKey]struct{}
	ring []dedupKey
	next int
}

func newWindow() *window {
	return &window{
		keys: make(map[dedupKey]struct{}, DedupWindow),
		ring: make([]dedupKey, 0, DedupWindow),
	}
}

// add returns false if k is in the window.
func (w *window) add(k dedupKey) bool {
	if _, ok := w.keys[k]; ok {
		return false
	}
	if len(w.ring) < DedupWindow {
		w.ring = append(w.ring, k)
	} else {
		delete(w.keys, w.ring[w.next])
		w.ring[w.next] = k
		w.next = (w.next + 1) % DedupWindow
	}
	w.keys[k] = struct{}{}
	return true
}

// Translator is owned by one session worker and is not safe for concurrent use.
type Translator struct {
	accountID int
	filterOwn bool
	identity  string
	recent    map[string]*window
}

func New(accountID int, filterOwn bool) *Translator {
	return &Translator{
		accountID: accountID,
		filterOwn: filterOwn,
		recent:    make(map[string]*window),
	}
}

// SetIdentity sets the own sender identity, known after login.
func (t *Translator) SetIdentity(identity string) {
	t.identity = identity
}

func (t *Translator) fresh(roomID string, k dedupKey) bool {
	w, ok := t.recent[roomID]
	if !ok {
		w = newWindow()
		t.recent[roomID] = w
	}
	return w.add(k)
}

func (t *Translator) Translate(e backend.Event) ([]Output, Verdict) {
	switch e.Kind {
	case backend.NewMessage:
		return t.message(e)
	case backend.RoomJoined, backend.RoomLeft:
		return t.membership(e), NotMessage
	case backend.ConnectionStateChanged:
		return []Output{{Line: StatusLine(t.accountID, e.State)}}, NotMessage
	case backend.RosterChanged:
		return nil, NotMessage
	}
	glog.Warningf("translate: account %d: ignore event of kind %s", t.accountID, e.Kind)
	return nil, NotMessage
}

func (t *Translator) message(e backend.Event) ([]Output, Verdict) {
	direction := history.Incoming
	sender := e.Sender
	if t.identity != "" && e.Sender == t.identity {
		if t.filterOwn {
			return nil, Filtered
		}
		direction = history.Self
		sender = SelfSender
	}

	if !t.fresh(e.RoomID, dedupKey{sender: e.Sender, ts: e.Time.UnixNano(), body: e.Body}) {
		glog.V(5).Infof("translate: account %d: drop duplicate in room %s", t.accountID, e.RoomID)
		return nil, Duplicate
	}

	return []Output{{Message: &history.Message{
		AccountID: t.accountID,
		RoomID:    e.RoomID,
		Sender:    sender,
		Time:      e.Time,
		Direction: direction,
		Body:      e.Body,
	}}}, Received
}

func (t *Translator) membership(e backend.Event) []Output {
	action, verb := "join", "joined"
	if e.Kind == backend.RoomLeft {
		action, verb = "leave", "left"
	}
	if !t.fresh(e.RoomID, dedupKey{sender: e.Sender, ts: e.Time.UnixNano(), body: action}) {
		return nil
	}

	room := e.RoomName
	if room == "" {
		room = e.RoomID
	}
	return []Output{
		{Line: fmt.Sprintf("chat: user: %d %s %s %s", t.accountID, EscapeName(e.RoomID), EscapeName(e.Sender), action)},
		{Message: &history.Message{
			AccountID: t.accountID,
			RoomID:    e.RoomID,
			Sender:    e.Sender,
			Time:      e.Time,
			Direction: history.Incoming,
			Body:      fmt.Sprintf("*** %s %s %s. ***", e.Sender, verb, room),
		}},
	}
}
