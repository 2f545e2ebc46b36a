package history

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(account int, room, body string) *Message {
	return &Message{AccountID: account, RoomID: room, Sender: "bob", Time: time.Now(), Direction: Incoming, Body: body}
}

func bodies(entries []*Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Body)
	}
	return out
}

func TestReplayPendingOrder(t *testing.T) {
	s := NewStore(0)
	s.Append(msg(1, "a", "a1"))
	s.Append(msg(1, "b", "b1"))
	s.Append(msg(2, "a", "x1"))
	s.Append(msg(1, "a", "a2"))

	var got []*Entry
	n, err := s.ReplayPending(1, func(e *Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a1", "b1", "a2"}, bodies(got))
	for _, e := range got {
		assert.True(t, e.Delivered())
	}

	// nothing left
	n, err = s.ReplayPending(1, func(e *Entry) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, []int{1, 2}, s.Accounts())
	assert.Len(t, s.Collect(1), 3)
	assert.Nil(t, s.Collect(3))
}

func TestReplayStopsAtError(t *testing.T) {
	s := NewStore(0)
	for i := 0; i < 5; i++ {
		s.Append(msg(1, "a", fmt.Sprint(i)))
	}

	writeErr := errors.New("broken pipe")
	var got []string
	n, err := s.ReplayPending(1, func(e *Entry) error {
		if len(got) == 2 {
			return writeErr
		}
		got = append(got, e.Body)
		return nil
	})
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, 2, n)

	// the remaining ones are replayed on the next attach, in order.
	got = nil
	n, err = s.ReplayPending(1, func(e *Entry) error {
		got = append(got, e.Body)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"2", "3", "4"}, got)
}

func TestDisabled(t *testing.T) {
	s := NewStore(0)
	s.Append(msg(1, "a", "before"))
	s.Disable()
	assert.False(t, s.Enabled())

	e := s.Append(msg(1, "a", "after"))
	require.NotNil(t, e)
	assert.Equal(t, "after", e.Body)

	n, err := s.ReplayPending(1, func(e *Entry) error {
		t.Fatalf("unexpected replay of %s", e.Body)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, s.Collect(1))
}

func TestMaxPerRoom(t *testing.T) {
	s := NewStore(2)
	e1 := s.Append(msg(1, "a", "1"))
	s.Append(msg(1, "a", "2"))
	s.MarkDelivered(e1)
	s.Append(msg(1, "a", "3"))

	var got []string
	for _, m := range s.Collect(1) {
		got = append(got, m.Body)
	}
	assert.Equal(t, []string{"2", "3"}, got)

	// pending entries are kept beyond the limit
	s.Append(msg(1, "a", "4"))
	assert.Len(t, s.Collect(1), 3)
}

func TestConcurrentAppend(t *testing.T) {
	s := NewStore(0)
	var wg sync.WaitGroup
	for a := 1; a <= 4; a++ {
		wg.Add(1)
		go func(account int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append(msg(account, "r", fmt.Sprint(i)))
			}
		}(a)
	}
	wg.Wait()

	for a := 1; a <= 4; a++ {
		var got []string
		_, err := s.ReplayPending(a, func(e *Entry) error {
			got = append(got, e.Body)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, got, 100)
		for i, b := range got {
			assert.Equal(t, fmt.Sprint(i), b)
		}
	}
}
