package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/chatmux/backend"
)

func recv(t *testing.T, ch <-chan backend.Event) backend.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return backend.Event{}
}

func TestLoginAndRooms(t *testing.T) {
	n := NewNetwork()
	c := n.NewClient(backend.Config{Login: "alice", Secret: "pw"})

	_, err := c.Rooms(context.Background())
	assert.Error(t, err)

	id, err := c.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	bad := n.NewClient(backend.Config{Login: "alice", Secret: "wrong"})
	_, err = bad.Login(context.Background())
	assert.True(t, errors.Is(err, backend.ErrAuth))

	n.Invite("secret-room", "alice")
	rooms, err := c.Rooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, LobbyRoom, rooms[0].ID)
	assert.Equal(t, []string{"alice"}, rooms[0].Members)
	assert.False(t, rooms[0].Invited)
	assert.Equal(t, "secret-room", rooms[1].ID)
	assert.True(t, rooms[1].Invited)
}

// recvKind skips events until one of kind k arrives.
func recvKind(t *testing.T, ch <-chan backend.Event, k backend.EventKind) backend.Event {
	t.Helper()
	for {
		if e := recv(t, ch); e.Kind == k {
			return e
		}
	}
}

func TestSyncAndSend(t *testing.T) {
	n := NewNetwork()
	alice := n.NewClient(backend.Config{Login: "alice"})
	bob := n.NewClient(backend.Config{Login: "bob"})
	_, err := alice.Login(context.Background())
	require.NoError(t, err)
	_, err = bob.Login(context.Background())
	require.NoError(t, err)

	// sent before alice syncs
	require.NoError(t, bob.Send(context.Background(), LobbyRoom, "hello"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan backend.Event, 16)
	done := make(chan error, 1)
	go func() { done <- alice.Sync(ctx, out) }()

	e := recvKind(t, out, backend.NewMessage)
	assert.Equal(t, "bob", e.Sender)
	assert.Equal(t, "hello", e.Body)

	// own messages are echoed back
	require.NoError(t, alice.Send(context.Background(), LobbyRoom, "hi bob"))
	e = recv(t, out)
	assert.Equal(t, "alice", e.Sender)

	err = alice.Send(context.Background(), LobbyRoom, strings.Repeat("x", MaxBodyBytes+1))
	assert.ErrorIs(t, err, backend.ErrRejected)

	assert.Eventually(t, func() bool { return n.Disconnect("alice") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, <-done, ErrDisconnected)
}

func TestJoinEvents(t *testing.T) {
	n := NewNetwork()
	alice := n.NewClient(backend.Config{Login: "alice"})
	_, err := alice.Login(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan backend.Event, 16)
	done := make(chan error, 1)
	go func() { done <- alice.Sync(ctx, out) }()

	e := recv(t, out)
	assert.Equal(t, backend.RoomJoined, e.Kind)
	assert.Equal(t, "alice", e.Sender)

	require.NoError(t, n.Post(LobbyRoom, "carol", "hey"))
	e = recv(t, out)
	assert.Equal(t, backend.RoomJoined, e.Kind)
	assert.Equal(t, "carol", e.Sender)
	e = recv(t, out)
	assert.Equal(t, backend.NewMessage, e.Kind)

	n.Invite("r2", "alice")
	e = recv(t, out)
	assert.Equal(t, backend.RosterChanged, e.Kind)
	assert.Equal(t, "r2", e.RoomID)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestResumeAfterDisconnect(t *testing.T) {
	n := NewNetwork()
	alice := n.NewClient(backend.Config{Login: "alice"})
	_, err := alice.Login(context.Background())
	require.NoError(t, err)

	// an unbuffered out keeps the event in flight when the sync is dropped
	out := make(chan backend.Event)
	done := make(chan error, 1)
	go func() { done <- alice.Sync(context.Background(), out) }()
	assert.Equal(t, backend.RoomJoined, recv(t, out).Kind)

	require.NoError(t, n.Post(LobbyRoom, "carol", "one"))
	assert.Eventually(t, func() bool { return n.Disconnect("alice") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, <-done, ErrDisconnected)
	require.NoError(t, n.Post(LobbyRoom, "carol", "two"))
	assert.Equal(t, 3, n.Backlog("alice"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- alice.Sync(ctx, out) }()
	e := recv(t, out)
	assert.Equal(t, backend.RoomJoined, e.Kind)
	assert.Equal(t, "carol", e.Sender)
	assert.Equal(t, "one", recv(t, out).Body)
	assert.Equal(t, "two", recv(t, out).Body)
	assert.Equal(t, 0, n.Backlog("alice"))
}

func TestBacklogBounded(t *testing.T) {
	n := NewNetwork()
	alice := n.NewClient(backend.Config{Login: "alice"})
	_, err := alice.Login(context.Background())
	require.NoError(t, err)

	for i := 0; i < BacklogSize+10; i++ {
		require.NoError(t, n.Post(LobbyRoom, "alice", fmt.Sprintf("m%d", i)))
	}
	assert.Equal(t, BacklogSize, n.Backlog("alice"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan backend.Event, 1)
	go func() { _ = alice.Sync(ctx, out) }()
	e := recv(t, out)
	assert.Equal(t, "m10", e.Body)
}

func TestJoinPartInvite(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()
	alice := n.NewClient(backend.Config{Login: "alice"})
	bob := n.NewClient(backend.Config{Login: "bob"})
	_, err := alice.Login(ctx)
	require.NoError(t, err)
	_, err = bob.Login(ctx)
	require.NoError(t, err)

	require.NoError(t, alice.Join(ctx, "ops"))
	require.NoError(t, alice.Invite(ctx, "ops", "bob"))
	assert.ErrorIs(t, alice.Invite(ctx, "ops", "nobody"), backend.ErrRejected)
	assert.ErrorIs(t, bob.Invite(ctx, "ops", "alice"), backend.ErrRejected)

	rooms, err := bob.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "ops", rooms[1].ID)
	assert.True(t, rooms[1].Invited)
	assert.Equal(t, []string{"alice"}, rooms[1].Members)

	require.NoError(t, bob.Join(ctx, "ops"))
	rooms, err = alice.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, rooms[1].Members)

	require.NoError(t, alice.Part(ctx, "ops"))
	assert.ErrorIs(t, alice.Part(ctx, "ops"), backend.ErrRejected)
	assert.ErrorIs(t, alice.Part(ctx, "nowhere"), backend.ErrRejected)
	rooms, err = alice.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, LobbyRoom, rooms[0].ID)

	// bob sees alice leave
	out := make(chan backend.Event, 16)
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = bob.Sync(sctx, out) }()
	e := recvKind(t, out, backend.RoomLeft)
	assert.Equal(t, "ops", e.RoomID)
	assert.Equal(t, "alice", e.Sender)

	// parting a pending invite declines it
	n.Invite("secret", "alice")
	require.NoError(t, alice.Part(ctx, "secret"))
	rooms, err = alice.Rooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}
