//go:generate mockgen -destination=mock/mock_backend.go -package=mock github.com/mqy/chatmux/backend Client

package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAuth marks a credential failure. Sessions that see it stop retrying.
	ErrAuth = errors.New("authentication failed")

	// ErrRejected marks a request the chat network refused, e.g. a message that is too large.
	ErrRejected = errors.New("rejected by backend")

	ErrUnknownKind = errors.New("unknown backend kind")
)

type EventKind int

const (
	NewMessage EventKind = iota + 1
	RoomJoined
	RoomLeft
	RosterChanged
	ConnectionStateChanged
)

func (k EventKind) String() string {
	switch k {
	case NewMessage:
		return "message"
	case RoomJoined:
		return "join"
	case RoomLeft:
		return "leave"
	case RosterChanged:
		return "roster"
	case ConnectionStateChanged:
		return "state"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is emitted by `Client.Sync`. Which fields are set depends on `Kind`:
// NewMessage uses Sender/Body/Time, RoomJoined/RoomLeft use Sender (the member) and RoomName,
// ConnectionStateChanged uses State.
type Event struct {
	Kind     EventKind
	RoomID   string
	RoomName string
	Sender   string
	Time     time.Time
	Body     string
	State    string
}

// Room is a buddy or group chat as seen by one account.
type Room struct {
	ID          string
	DisplayName string
	Members     []string
	Invited     bool // pending invite, not joined yet
}

// Config holds what a backend needs to log in as one account.
type Config struct {
	AccountID int
	Login     string
	Secret    string
	Server    string
}

// Client is one connection to a chat network on behalf of one account.
// A session creates a new Client for every connect attempt and closes it afterwards.
// Rooms, Send, Join, Part and Invite may be called concurrently with a running Sync.
type Client interface {
	// Login authenticates and returns the account identity used as sender of own messages.
	Login(ctx context.Context) (string, error)

	// Sync delivers events to `out` until ctx is done or the transport is lost.
	// It returns ctx.Err() on cancel, and the transport error otherwise.
	Sync(ctx context.Context, out chan<- Event) error

	// Rooms returns rooms and pending invites of the account.
	Rooms(ctx context.Context) ([]Room, error)

	// Send sends body to the room.
	Send(ctx context.Context, roomID, body string) error

	// Join joins a room or accepts a pending invite.
	Join(ctx context.Context, roomID string) error

	// Part leaves a room or declines a pending invite.
	Part(ctx context.Context, roomID string) error

	// Invite invites user to a room the account is in.
	Invite(ctx context.Context, roomID, user string) error

	Close() error
}

type Factory func(conf Config) (Client, error)

var (
	kindsMu sync.RWMutex
	kinds   = make(map[string]Factory)
)

// Register makes a backend kind available to `account add`. It panics on duplicates.
func Register(kind string, f Factory) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if _, ok := kinds[kind]; ok {
		panic(fmt.Sprintf("backend: kind %q registered twice", kind))
	}
	kinds[kind] = f
}

// New creates a client of the given kind.
func New(kind string, conf Config) (Client, error) {
	kindsMu.RLock()
	f, ok := kinds[kind]
	kindsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return f(conf)
}

func Known(kind string) bool {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	_, ok := kinds[kind]
	return ok
}

// Kinds returns registered kinds, sorted.
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ServerFromLogin derives the server part of `user@host`. Returns "" if there is none.
func ServerFromLogin(login string) string {
	i := strings.LastIndex(login, "@")
	if i < 0 || i == len(login)-1 {
		return ""
	}
	return login[i+1:]
}
