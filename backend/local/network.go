// Package local is an in-process chat network. Accounts of kind `local` talk to each other
// through a shared Network, which makes the daemon usable without any external server.
package local

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/chatmux/backend"
)

const (
	Kind      = "local"
	LobbyRoom = "lobby"

	// MaxBodyBytes is the largest message body the network accepts.
	MaxBodyBytes = 16 * 1024

	// BacklogSize is the number of undelivered events kept per user, the oldest go first.
	BacklogSize = 1024
)

var (
	ErrDisconnected = errors.New("local: disconnected")
	errNotLoggedIn  = errors.New("local: not logged in")
)

// Default is the network used by the registered `local` kind.
var Default = NewNetwork()

func init() {
	backend.Register(Kind, func(conf backend.Config) (backend.Client, error) {
		return Default.NewClient(conf), nil
	})
}

// user events are queued from registration on, a sync resumes where the previous one stopped.
type user struct {
	secret  string
	rooms   map[string]struct{}
	backlog []backend.Event
	dropped int
	wake    chan struct{}
}

func newUser(secret string) *user {
	return &user{
		secret: secret,
		rooms:  make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

type room struct {
	id      string
	name    string
	members map[string]struct{}
	invited map[string]struct{}
}

type subscription struct {
	login    string
	lost     chan struct{}
	lostErr  error
	lostOnce sync.Once
}

func (s *subscription) drop(err error) {
	s.lostOnce.Do(func() {
		s.lostErr = err
		close(s.lost)
	})
}

// Network keeps users, rooms and live subscriptions.
type Network struct {
	sync.Mutex
	users map[string]*user
	rooms map[string]*room
	subs  map[string]map[*subscription]struct{}
}

func NewNetwork() *Network {
	return &Network{
		users: make(map[string]*user),
		rooms: make(map[string]*room),
		subs:  make(map[string]map[*subscription]struct{}),
	}
}

func (n *Network) login(login, secret string) error {
	n.Lock()
	defer n.Unlock()

	if u, ok := n.users[login]; ok {
		if u.secret != secret {
			return fmt.Errorf("local: login %s: %w", login, backend.ErrAuth)
		}
		return nil
	}

	n.users[login] = newUser(secret)
	n.joinLocked(login, LobbyRoom)
	glog.V(5).Infof("local: registered user %s", login)
	return nil
}

func (n *Network) roomLocked(id string) *room {
	r, ok := n.rooms[id]
	if !ok {
		r = &room{
			id:      id,
			name:    id,
			members: make(map[string]struct{}),
			invited: make(map[string]struct{}),
		}
		n.rooms[id] = r
	}
	return r
}

// joinLocked adds login to room id and tells all members. Returns false if already a member.
func (n *Network) joinLocked(login, id string) bool {
	r := n.roomLocked(id)
	if _, ok := r.members[login]; ok {
		return false
	}
	r.members[login] = struct{}{}
	delete(r.invited, login)
	n.users[login].rooms[id] = struct{}{}

	n.fanoutLocked(r, backend.Event{
		Kind:     backend.RoomJoined,
		RoomID:   r.id,
		RoomName: r.name,
		Sender:   login,
		Time:     time.Now(),
	})
	return true
}

func (n *Network) fanoutLocked(r *room, e backend.Event) {
	for member := range r.members {
		n.deliverLocked(member, e)
	}
}

// deliverLocked never blocks: a full backlog loses its oldest event.
func (n *Network) deliverLocked(login string, e backend.Event) {
	u, ok := n.users[login]
	if !ok {
		return
	}
	if len(u.backlog) >= BacklogSize {
		u.backlog = u.backlog[1:]
		u.dropped++
		if u.dropped == 1 || u.dropped%BacklogSize == 0 {
			glog.Warningf("local: backlog of %s is full, %d events dropped", login, u.dropped)
		}
	}
	u.backlog = append(u.backlog, e)
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest queued event of login, or returns the channel signalled on delivery.
func (n *Network) next(login string) (backend.Event, <-chan struct{}, bool) {
	n.Lock()
	defer n.Unlock()
	u := n.users[login]
	if len(u.backlog) == 0 {
		return backend.Event{}, u.wake, false
	}
	e := u.backlog[0]
	u.backlog = u.backlog[1:]
	return e, nil, true
}

// unread puts back an event taken by next but not delivered.
func (n *Network) unread(login string, e backend.Event) {
	n.Lock()
	defer n.Unlock()
	u := n.users[login]
	u.backlog = append([]backend.Event{e}, u.backlog...)
}

func (n *Network) subscribe(login string) *subscription {
	s := &subscription{
		login: login,
		lost:  make(chan struct{}),
	}
	n.Lock()
	m, ok := n.subs[login]
	if !ok {
		m = make(map[*subscription]struct{})
		n.subs[login] = m
	}
	m[s] = struct{}{}
	n.Unlock()
	return s
}

func (n *Network) unsubscribe(s *subscription) {
	n.Lock()
	delete(n.subs[s.login], s)
	n.Unlock()
}

// Disconnect drops every live sync of login, as if the transport were lost. Events keep
// queueing for the next sync. Returns the number of dropped syncs.
func (n *Network) Disconnect(login string) int {
	n.Lock()
	defer n.Unlock()
	subs := n.subs[login]
	for s := range subs {
		s.drop(ErrDisconnected)
	}
	delete(n.subs, login)
	return len(subs)
}

// Backlog returns the number of events queued for login.
func (n *Network) Backlog(login string) int {
	n.Lock()
	defer n.Unlock()
	if u, ok := n.users[login]; ok {
		return len(u.backlog)
	}
	return 0
}

// Invite marks login as invited to room id. The room is created if needed.
func (n *Network) Invite(id, login string) {
	n.Lock()
	defer n.Unlock()
	n.inviteLocked(id, login)
}

func (n *Network) inviteLocked(id, login string) {
	r := n.roomLocked(id)
	if _, ok := r.members[login]; ok {
		return
	}
	r.invited[login] = struct{}{}
	n.deliverLocked(login, backend.Event{Kind: backend.RosterChanged, RoomID: id, RoomName: r.name, Time: time.Now()})
}

// Post sends a message to room id as sender. Unknown senders are registered without a secret.
func (n *Network) Post(id, sender, body string) error {
	n.Lock()
	defer n.Unlock()
	return n.postLocked(id, sender, body)
}

func (n *Network) postLocked(id, sender, body string) error {
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("local: body of %d bytes exceeds %d: %w", len(body), MaxBodyBytes, backend.ErrRejected)
	}
	if _, ok := n.users[sender]; !ok {
		n.users[sender] = newUser("")
	}
	n.joinLocked(sender, id)
	n.fanoutLocked(n.rooms[id], backend.Event{
		Kind:   backend.NewMessage,
		RoomID: id,
		Sender: sender,
		Time:   time.Now(),
		Body:   body,
	})
	return nil
}

func (n *Network) join(login, id string) {
	n.Lock()
	defer n.Unlock()
	n.joinLocked(login, id)
}

// part removes login from room id. Remaining members and login itself see a RoomLeft.
func (n *Network) part(login, id string) error {
	n.Lock()
	defer n.Unlock()

	r, ok := n.rooms[id]
	if !ok {
		return fmt.Errorf("local: no room %s: %w", id, backend.ErrRejected)
	}
	// parting a room one is only invited to declines the invite
	if _, invited := r.invited[login]; invited {
		delete(r.invited, login)
		n.deliverLocked(login, backend.Event{Kind: backend.RosterChanged, RoomID: id, RoomName: r.name, Time: time.Now()})
		return nil
	}
	if _, member := r.members[login]; !member {
		return fmt.Errorf("local: %s is not in room %s: %w", login, id, backend.ErrRejected)
	}
	e := backend.Event{
		Kind:     backend.RoomLeft,
		RoomID:   r.id,
		RoomName: r.name,
		Sender:   login,
		Time:     time.Now(),
	}
	n.fanoutLocked(r, e)
	delete(r.members, login)
	delete(n.users[login].rooms, id)
	return nil
}

// invite lets a member of room id invite an existing user.
func (n *Network) invite(login, id, invitee string) error {
	n.Lock()
	defer n.Unlock()

	r, ok := n.rooms[id]
	if !ok {
		return fmt.Errorf("local: no room %s: %w", id, backend.ErrRejected)
	}
	if _, member := r.members[login]; !member {
		return fmt.Errorf("local: %s is not in room %s: %w", login, id, backend.ErrRejected)
	}
	if _, known := n.users[invitee]; !known {
		return fmt.Errorf("local: no user %s: %w", invitee, backend.ErrRejected)
	}
	n.inviteLocked(id, invitee)
	return nil
}

func (n *Network) roomList(login string) []backend.Room {
	n.Lock()
	defer n.Unlock()

	var out []backend.Room
	for _, r := range n.rooms {
		_, member := r.members[login]
		_, invited := r.invited[login]
		if !member && !invited {
			continue
		}
		members := make([]string, 0, len(r.members))
		for m := range r.members {
			members = append(members, m)
		}
		sort.Strings(members)
		out = append(out, backend.Room{ID: r.id, DisplayName: r.name, Members: members, Invited: !member})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Client implements `backend.Client` on a Network.
type Client struct {
	net      *Network
	conf     backend.Config
	loggedIn atomic.Bool
}

func (n *Network) NewClient(conf backend.Config) *Client {
	return &Client{net: n, conf: conf}
}

func (c *Client) Login(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.net.login(c.conf.Login, c.conf.Secret); err != nil {
		return "", err
	}
	c.loggedIn.Store(true)
	return c.conf.Login, nil
}

// Sync delivers the backlog of the login and then live events. An event taken but not
// delivered when the sync ends stays queued for the next one.
func (c *Client) Sync(ctx context.Context, out chan<- backend.Event) error {
	if !c.loggedIn.Load() {
		return errNotLoggedIn
	}
	login := c.conf.Login
	s := c.net.subscribe(login)
	defer c.net.unsubscribe(s)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.lost:
			return s.lostErr
		default:
		}

		e, wake, ok := c.net.next(login)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.lost:
				return s.lostErr
			case <-wake:
			}
			continue
		}
		select {
		case out <- e:
		case <-ctx.Done():
			c.net.unread(login, e)
			return ctx.Err()
		case <-s.lost:
			c.net.unread(login, e)
			return s.lostErr
		}
	}
}

func (c *Client) Rooms(ctx context.Context) ([]backend.Room, error) {
	if !c.loggedIn.Load() {
		return nil, errNotLoggedIn
	}
	return c.net.roomList(c.conf.Login), ctx.Err()
}

func (c *Client) Send(ctx context.Context, roomID, body string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.net.Post(roomID, c.conf.Login, body)
}

func (c *Client) Join(ctx context.Context, roomID string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.net.join(c.conf.Login, roomID)
	return nil
}

func (c *Client) Part(ctx context.Context, roomID string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.net.part(c.conf.Login, roomID)
}

func (c *Client) Invite(ctx context.Context, roomID, user string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.net.invite(c.conf.Login, roomID, user)
}

func (c *Client) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.loggedIn.Load() {
		return errNotLoggedIn
	}
	return nil
}

func (c *Client) Close() error {
	c.loggedIn.Store(false)
	return nil
}
