package front

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/chatmux/account"
	"github.com/mqy/chatmux/backend"
	"github.com/mqy/chatmux/backend/local"
	"github.com/mqy/chatmux/history"
	"github.com/mqy/chatmux/hub"
	"github.com/mqy/chatmux/session"
	"github.com/mqy/chatmux/store"
	"github.com/mqy/chatmux/translate"
)

type fakeConn struct {
	id     string
	lines  chan string
	mu     sync.Mutex
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, lines: make(chan string, 1024)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteLine(line string) error {
	c.lines <- line
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readUntil returns the lines read up to and including the first one containing sub.
func readUntil(t *testing.T, lines <-chan string, sub string) []string {
	t.Helper()
	var got []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line := <-lines:
			got = append(got, line)
			if strings.Contains(line, sub) {
				return got
			}
		case <-timeout:
			t.Fatalf("timeout waiting for `%s`, got: %q", sub, got)
			return nil
		}
	}
}

func tryRead(lines <-chan string, sub string, d time.Duration) bool {
	timeout := time.After(d)
	for {
		select {
		case line := <-lines:
			if strings.Contains(line, sub) {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

type stack struct {
	net        *local.Network
	hub        *hub.Hub
	registry   *account.Registry
	dispatcher *Dispatcher
}

func newStack(t *testing.T) *stack {
	n := local.NewNetwork()
	hs := history.NewStore(0)
	h := hub.New(64, hs, translate.FormatMessage)

	conf := session.DefaultConfig()
	conf.FilterOwn = false
	conf.Backoff = session.Backoff{Min: 20 * time.Millisecond, Max: 100 * time.Millisecond}
	reg := account.NewRegistry(store.NewMemAccountStore(), session.Spawner(conf, &session.Deps{
		History: hs,
		Out:     h,
		NewClient: func(kind string, c backend.Config) (backend.Client, error) {
			return n.NewClient(c), nil
		},
	}))
	d := NewDispatcher(reg, hs, h, "test")
	h.OnAttach(d.PushAccounts)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{}, 1)
	go h.Run(ctx, time.Second, stopped)
	t.Cleanup(func() {
		reg.Close()
		cancel()
		<-stopped
	})
	return &stack{net: n, hub: h, registry: reg, dispatcher: d}
}

func (s *stack) attach(t *testing.T, id string) *fakeConn {
	c := newFakeConn(id)
	require.NoError(t, s.hub.Attach(context.Background(), c))
	return c
}

func (s *stack) do(t *testing.T, c *fakeConn, line string) {
	require.NoError(t, s.dispatcher.Handle(context.Background(), c, line))
}

func TestEndToEnd(t *testing.T) {
	s := newStack(t)
	c := s.attach(t, "c1")

	s.do(t, c, "account add local alice pw")
	readUntil(t, c.lines, "info: account 1 added.")
	readUntil(t, c.lines, "status: account 1 status: online")

	s.do(t, c, "account list")
	readUntil(t, c.lines, "account: 1 local alice online")

	require.NoError(t, s.net.Post(local.LobbyRoom, "carol", "ping"))
	readUntil(t, c.lines, " carol ping")

	s.do(t, c, "account 1 chat send lobby hi<br/>there &amp; you")
	lines := readUntil(t, c.lines, " <self> hi<br/>there &amp; you")
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "message: 1 lobby "))

	s.net.Invite("secret room", "alice")
	s.do(t, c, "account 1 chat list")
	readUntil(t, c.lines, "buddy: 1 lobby lobby GROUP_CHAT")
	readUntil(t, c.lines, "buddy: 1 secret%20room secret%20room GROUP_CHAT_INVITE")

	s.do(t, c, "account 1 status get")
	readUntil(t, c.lines, "status: account 1 status: online")

	s.do(t, c, "account 1 collect")
	lines = readUntil(t, c.lines, "info: collected")
	assert.Contains(t, strings.Join(lines, "\n"), " carol ping")

	s.do(t, c, "account delete 1")
	readUntil(t, c.lines, "info: account 1 deleted.")
	s.do(t, c, "account delete 1")
	readUntil(t, c.lines, "error: no account with id 1")
	s.do(t, c, "account 1 status get")
	readUntil(t, c.lines, "error: no account with id 1")
	s.do(t, c, "account 1 chat send lobby late")
	readUntil(t, c.lines, "error: no account with id 1")

	s.do(t, c, "account list")
	s.do(t, c, "version")
	lines = readUntil(t, c.lines, "info: chatmux test")
	for _, line := range lines {
		assert.False(t, strings.HasPrefix(line, "account:"), line)
	}

	// ids are never reused
	s.do(t, c, "account add local bob pw")
	readUntil(t, c.lines, "info: account 2 added.")
}

func TestChatRoomCommands(t *testing.T) {
	s := newStack(t)
	c := s.attach(t, "c1")
	ctx := context.Background()

	bob := s.net.NewClient(backend.Config{Login: "bob"})
	_, err := bob.Login(ctx)
	require.NoError(t, err)

	s.do(t, c, "account add local alice pw")
	readUntil(t, c.lines, "status: account 1 status: online")

	s.do(t, c, "account 1 chat join ops")
	readUntil(t, c.lines, "info: account 1: join ops done.")
	s.do(t, c, "account 1 chat invite ops bob")
	readUntil(t, c.lines, "info: account 1: invite bob to ops done.")
	s.do(t, c, "account 1 chat invite ops nobody")
	readUntil(t, c.lines, "error: account 1: invite nobody to ops:")

	require.NoError(t, bob.Join(ctx, "ops"))
	readUntil(t, c.lines, "chat: user: 1 ops bob join")

	s.do(t, c, "account 1 chat users ops")
	s.do(t, c, "version")
	lines := readUntil(t, c.lines, "info: chatmux test")
	assert.Contains(t, lines, "chat: user: 1 ops alice join")
	assert.Contains(t, lines, "chat: user: 1 ops bob join")

	s.do(t, c, "account 1 chat users nowhere")
	readUntil(t, c.lines, "error: account 1: no room nowhere")

	s.do(t, c, "account 1 chat part ops")
	readUntil(t, c.lines, "info: account 1: part ops done.")
	s.do(t, c, "account 1 chat part ops")
	lines = readUntil(t, c.lines, "error: account 1: part ops:")
	assert.Contains(t, lines[len(lines)-1], "not in room")

	s.do(t, c, "account 9 chat join ops")
	readUntil(t, c.lines, "error: no account with id 9")
}

func TestBadCommandKeepsConnection(t *testing.T) {
	s := newStack(t)
	c := s.attach(t, "c1")

	s.do(t, c, "dance")
	assert.Equal(t, []string{"error: unknown command: `dance`"}, readUntil(t, c.lines, "error:"))
	s.do(t, c, "account add irc alice pw")
	assert.Contains(t, readUntil(t, c.lines, "error:")[0], "unknown account kind `irc`")
	s.do(t, c, "account 7 buddies")
	readUntil(t, c.lines, "error: no account with id 7")

	s.do(t, c, "help")
	lines := readUntil(t, c.lines, "info:   help")
	assert.Equal(t, helpText, lines)
	assert.False(t, c.isClosed())
}

func TestByeClosesConnection(t *testing.T) {
	s := newStack(t)
	c := s.attach(t, "c1")

	s.do(t, c, "bye")
	readUntil(t, c.lines, "info: bye.")
	assert.Eventually(t, c.isClosed, 3*time.Second, 10*time.Millisecond)
}

func TestPushAccountsOnAttach(t *testing.T) {
	s := newStack(t)
	c1 := s.attach(t, "c1")
	s.do(t, c1, "account add local alice pw")
	readUntil(t, c1.lines, "status: account 1 status: online")

	c2 := s.attach(t, "c2")
	readUntil(t, c1.lines, "info: kicked off by a new connection.")
	assert.Eventually(t, c1.isClosed, 3*time.Second, 10*time.Millisecond)

	lines := readUntil(t, c2.lines, "account: 1 local alice")
	assert.Len(t, lines, 1)

	// responses to the kicked off client are dropped
	s.do(t, c1, "version")
	s.do(t, c2, "account 1 status get")
	readUntil(t, c2.lines, "status: account 1 status:")
	assert.False(t, tryRead(c1.lines, "info: chatmux", 50*time.Millisecond))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "account add local alice ***", redact("account add local alice s3cret"))
	assert.Equal(t, "account list", redact("account list"))
}
