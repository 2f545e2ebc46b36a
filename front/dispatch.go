package front

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/chatmux/account"
	"github.com/mqy/chatmux/backend"
	"github.com/mqy/chatmux/history"
	"github.com/mqy/chatmux/hub"
	"github.com/mqy/chatmux/metrics"
	"github.com/mqy/chatmux/translate"
)

const roomsTimeout = 10 * time.Second

var helpText = []string{
	"info: commands:",
	"info:   account add <kind> <login> <secret> [server]",
	"info:   account list",
	"info:   account delete <id>",
	"info:   account <id> buddies | account <id> chat list",
	"info:   account <id> chat send <room> <text> | account <id> send <room> <text>",
	"info:   account <id> chat join <room>",
	"info:   account <id> chat part <room>",
	"info:   account <id> chat users <room>",
	"info:   account <id> chat invite <room> <user>",
	"info:   account <id> status get",
	"info:   account <id> collect",
	"info:   version",
	"info:   bye",
	"info:   help",
}

// Accounts is the part of `account.Registry` used by the dispatcher.
type Accounts interface {
	Create(conf account.Config) (account.Account, error)
	List() []account.Account
	Get(id int) (account.Account, account.Worker, error)
	Delete(id int) error
}

// Queue is where responses go, see `hub.Hub.Enqueue`.
type Queue interface {
	Enqueue(ctx context.Context, it hub.Item) error
}

// Dispatcher executes commands. Responses are queued for the connection that sent the command,
// so they keep their order relative to the message stream.
type Dispatcher struct {
	accounts Accounts
	history  *history.Store
	out      Queue
	version  string
}

func NewDispatcher(accounts Accounts, h *history.Store, out Queue, version string) *Dispatcher {
	return &Dispatcher{
		accounts: accounts,
		history:  h,
		out:      out,
		version:  version,
	}
}

// Handle parses and executes one input line. Only a failure to queue the response is returned.
func (d *Dispatcher) Handle(ctx context.Context, c hub.Conn, line string) error {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	glog.V(5).Infof("front: client %s: %s", c.ID(), redact(line))
	return d.Dispatch(ctx, c, Parse(line))
}

// LineTooLong answers an input line that was discarded for its size.
func (d *Dispatcher) LineTooLong(ctx context.Context, c hub.Conn) error {
	metrics.Commands.WithLabelValues("too_long").Inc()
	return d.out.Enqueue(ctx, hub.Item{Line: "error: line too long", To: c})
}

// redact hides the secret of `account add`.
func redact(line string) string {
	if f := strings.Fields(line); len(f) >= 5 && f[0] == "account" && f[1] == "add" {
		f[4] = "***"
		return strings.Join(f, " ")
	}
	return line
}

func (d *Dispatcher) Dispatch(ctx context.Context, c hub.Conn, cmd Command) error {
	metrics.Commands.WithLabelValues(cmd.Verb()).Inc()

	var lines []string
	reply := func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	closeAfter := false

	switch cmd := cmd.(type) {
	case AccountAdd:
		acc, err := d.accounts.Create(account.Config{Kind: cmd.Kind, Login: cmd.Login, Secret: cmd.Secret,
			Server: cmd.Server})
		if err != nil {
			if errors.Is(err, backend.ErrUnknownKind) {
				reply("error: unknown account kind `%s`, known: %s", cmd.Kind, strings.Join(backend.Kinds(), ","))
			} else {
				reply("error: %v", err)
			}
			break
		}
		reply("info: account %d added.", acc.ID)
	case AccountList:
		lines = d.accountLines()
	case AccountDelete:
		if err := d.accounts.Delete(cmd.ID); err != nil {
			reply("error: no account with id %d", cmd.ID)
			break
		}
		reply("info: account %d deleted.", cmd.ID)
	case Buddies:
		_, w, err := d.accounts.Get(cmd.ID)
		if err != nil {
			reply("error: no account with id %d", cmd.ID)
			break
		}
		rctx, cancel := context.WithTimeout(ctx, roomsTimeout)
		rooms, err := w.Rooms(rctx)
		cancel()
		if err != nil {
			reply("error: account %d: list rooms: %v", cmd.ID, err)
			break
		}
		for _, r := range rooms {
			lines = append(lines, buddyLine(cmd.ID, r))
		}
	case ChatSend:
		_, w, err := d.accounts.Get(cmd.ID)
		if err != nil {
			reply("error: no account with id %d", cmd.ID)
			break
		}
		if err := w.Send(translate.UnescapeName(cmd.Room), translate.DecodeBody(cmd.Body)); err != nil {
			reply("error: account %d: send to %s: %v", cmd.ID, cmd.Room, err)
		}
	case ChatJoin:
		d.roomOp(ctx, cmd.ID, "join", cmd.Room, reply, func(ctx context.Context, w account.Worker, room string) error {
			return w.Join(ctx, room)
		})
	case ChatPart:
		d.roomOp(ctx, cmd.ID, "part", cmd.Room, reply, func(ctx context.Context, w account.Worker, room string) error {
			return w.Part(ctx, room)
		})
	case ChatInvite:
		d.roomOp(ctx, cmd.ID, "invite "+cmd.User+" to", cmd.Room, reply, func(ctx context.Context, w account.Worker, room string) error {
			return w.Invite(ctx, room, translate.UnescapeName(cmd.User))
		})
	case ChatUsers:
		_, w, err := d.accounts.Get(cmd.ID)
		if err != nil {
			reply("error: no account with id %d", cmd.ID)
			break
		}
		rctx, cancel := context.WithTimeout(ctx, roomsTimeout)
		rooms, err := w.Rooms(rctx)
		cancel()
		if err != nil {
			reply("error: account %d: list rooms: %v", cmd.ID, err)
			break
		}
		r, ok := findRoom(rooms, translate.UnescapeName(cmd.Room))
		if !ok {
			reply("error: account %d: no room %s", cmd.ID, cmd.Room)
			break
		}
		for _, m := range r.Members {
			reply("chat: user: %d %s %s join", cmd.ID, translate.EscapeName(r.ID), translate.EscapeName(m))
		}
	case StatusGet:
		acc, _, err := d.accounts.Get(cmd.ID)
		if err != nil {
			reply("error: no account with id %d", cmd.ID)
			break
		}
		lines = append(lines, translate.StatusLine(acc.ID, acc.Status.String()))
	case Collect:
		if _, _, err := d.accounts.Get(cmd.ID); err != nil {
			reply("error: no account with id %d", cmd.ID)
			break
		}
		msgs := d.history.Collect(cmd.ID)
		for i := range msgs {
			lines = append(lines, translate.FormatMessage(&msgs[i]))
		}
		reply("info: collected %d messages of account %d.", len(msgs), cmd.ID)
	case Help:
		lines = helpText
	case Version:
		reply("info: chatmux %s", d.version)
	case Bye:
		reply("info: bye.")
		closeAfter = true
	case Unrecognized:
		reply("error: %v", cmd.Err)
	default:
		panic(fmt.Sprintf("front: unhandled command %T", cmd))
	}

	for i, line := range lines {
		it := hub.Item{Line: line, To: c, CloseAfter: closeAfter && i == len(lines)-1}
		if err := d.out.Enqueue(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

// roomOp runs a join, part or invite on the worker of id and replies with the outcome.
func (d *Dispatcher) roomOp(ctx context.Context, id int, what, room string, reply func(string, ...interface{}),
	op func(context.Context, account.Worker, string) error) {
	_, w, err := d.accounts.Get(id)
	if err != nil {
		reply("error: no account with id %d", id)
		return
	}
	rctx, cancel := context.WithTimeout(ctx, roomsTimeout)
	defer cancel()
	if err := op(rctx, w, translate.UnescapeName(room)); err != nil {
		reply("error: account %d: %s %s: %v", id, what, room, err)
		return
	}
	reply("info: account %d: %s %s done.", id, what, room)
}

func findRoom(rooms []backend.Room, id string) (backend.Room, bool) {
	for _, r := range rooms {
		if r.ID == id {
			return r, true
		}
	}
	return backend.Room{}, false
}

func (d *Dispatcher) accountLines() []string {
	list := d.accounts.List()
	lines := make([]string, 0, len(list))
	for _, a := range list {
		lines = append(lines, fmt.Sprintf("account: %d %s %s %s", a.ID, a.Kind, translate.EscapeName(a.Login), a.Status))
	}
	return lines
}

// PushAccounts writes the account list to a newly attached client, see `hub.Hub.OnAttach`.
func (d *Dispatcher) PushAccounts(c hub.Conn) error {
	for _, line := range d.accountLines() {
		if err := c.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

func buddyLine(accountID int, r backend.Room) string {
	status := "GROUP_CHAT"
	if r.Invited {
		status = "GROUP_CHAT_INVITE"
	}
	name := r.DisplayName
	if name == "" {
		name = r.ID
	}
	return fmt.Sprintf("buddy: %d %s %s %s", accountID, translate.EscapeName(r.ID), translate.EscapeName(name), status)
}
