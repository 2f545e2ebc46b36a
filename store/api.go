//go:generate mockgen -destination=mock/mock_store.go -package=mock github.com/mqy/chatmux/store IAccountStore,IMessageArchive

package store

import (
	"context"
	"errors"
	"time"
)

var ErrNoAccount = errors.New("store: no such account")

// AccountRecord is the persisted form of an account.
type AccountRecord struct {
	ID     int    `json:"id"`
	Kind   string `json:"kind"`
	Login  string `json:"login"`
	Secret string `json:"secret,omitempty"`
	Server string `json:"server,omitempty"`
}

// IAccountStore persists the account list across restarts.
type IAccountStore interface {
	// NextID returns the next account id. Ids are never handed out twice, even after delete.
	NextID() (int, error)

	// Save inserts or replaces the record with `a.ID`.
	Save(a *AccountRecord) error

	// Delete removes the record, returns ErrNoAccount if it does not exist.
	Delete(id int) error

	// List returns all records order by id ASC.
	List() ([]*AccountRecord, error)

	Close() error
}

// ArchivedMsg is one row of the message archive.
type ArchivedMsg struct {
	AccountID int
	RoomID    string
	Sender    string
	Direction string
	Time      time.Time
	Body      string
}

// IMessageArchive keeps a long term copy of chat messages.
type IMessageArchive interface {
	// Save inserts the message. Saving the same message twice is not an error.
	Save(ctx context.Context, m *ArchivedMsg) error

	// DeleteOutdated deletes messages older than `ttlDays`.
	DeleteOutdated(ctx context.Context, ttlDays int32) (int32, error)

	IsDupKeyError(err error) bool
}
