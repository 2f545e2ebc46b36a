// Package account is the registry of configured accounts and a handle to the session of each.
package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/mqy/chatmux/backend"
)

var ErrNotFound = errors.New("no such account")

type Status int32

const (
	Offline Status = iota
	Connecting
	Online
	Reconnecting
	Error
)

var statusNames = [...]string{"offline", "connecting", "online", "reconnecting", "error"}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Config is what `account add` provides.
type Config struct {
	Kind   string
	Login  string
	Secret string
	Server string
}

// Account is a snapshot, Status is the one of its session at the time of the snapshot.
type Account struct {
	ID int
	Config
	Status Status
}

// BackendConfig builds the backend config of the account.
func (a *Account) BackendConfig() backend.Config {
	return backend.Config{
		AccountID: a.ID,
		Login:     a.Login,
		Secret:    a.Secret,
		Server:    a.Server,
	}
}

// Worker is the live session of an account.
type Worker interface {
	Status() Status

	// Send queues a message, it never blocks.
	Send(roomID, body string) error

	Rooms(ctx context.Context) ([]backend.Room, error)

	// Join, Part and Invite act on the backend at once and fail while not online.
	Join(ctx context.Context, roomID string) error
	Part(ctx context.Context, roomID string) error
	Invite(ctx context.Context, roomID, user string) error

	// Shutdown stops the session and waits for it, safe to call more than once.
	Shutdown()
}

// Spawner starts the session of a new or restored account.
type Spawner func(a Account) Worker
