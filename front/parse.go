// Package front speaks the line protocol with the attached client: it parses command lines,
// dispatches them and serves the tcp, unix and websocket listeners.
package front

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is one parsed input line. The set of commands is closed, see Parse.
type Command interface {
	// Verb is the metrics label of the command.
	Verb() string
}

type AccountAdd struct {
	Kind   string
	Login  string
	Secret string
	// Server is optional, derived from the login when empty.
	Server string
}

type AccountList struct{}

type AccountDelete struct{ ID int }

// Buddies covers `account <id> buddies` and `account <id> chat list`.
type Buddies struct{ ID int }

type ChatSend struct {
	ID   int
	Room string
	Body string
}

// ChatJoin joins a room or accepts an invite.
type ChatJoin struct {
	ID   int
	Room string
}

// ChatPart leaves a room or declines an invite.
type ChatPart struct {
	ID   int
	Room string
}

// ChatUsers lists the members of a room.
type ChatUsers struct {
	ID   int
	Room string
}

type ChatInvite struct {
	ID   int
	Room string
	User string
}

type StatusGet struct{ ID int }

type Collect struct{ ID int }

type Help struct{}

type Version struct{}

type Bye struct{}

// Unrecognized is any line that is not a valid command.
type Unrecognized struct{ Err *ParseError }

func (AccountAdd) Verb() string    { return "account_add" }
func (AccountList) Verb() string   { return "account_list" }
func (AccountDelete) Verb() string { return "account_delete" }
func (Buddies) Verb() string       { return "buddies" }
func (ChatSend) Verb() string      { return "chat_send" }
func (ChatJoin) Verb() string      { return "chat_join" }
func (ChatPart) Verb() string      { return "chat_part" }
func (ChatUsers) Verb() string     { return "chat_users" }
func (ChatInvite) Verb() string    { return "chat_invite" }
func (StatusGet) Verb() string     { return "status_get" }
func (Collect) Verb() string       { return "collect" }
func (Help) Verb() string          { return "help" }
func (Version) Verb() string       { return "version" }
func (Bye) Verb() string           { return "bye" }
func (Unrecognized) Verb() string  { return "unrecognized" }

// ParseError is a malformed command line.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: `%s`", e.Reason, e.Line)
}

// next splits the first space separated token off s.
func next(s string) (tok, rest string) {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Parse never fails: bad input gives Unrecognized.
func Parse(line string) Command {
	bad := func(reason string) Command {
		return Unrecognized{Err: &ParseError{Line: line, Reason: reason}}
	}

	verb, rest := next(line)
	switch verb {
	case "":
		return bad("empty command")
	case "help":
		return Help{}
	case "version":
		return Version{}
	case "bye":
		return Bye{}
	case "account":
	default:
		return bad("unknown command")
	}

	sub, rest := next(rest)
	switch sub {
	case "":
		return bad("missing account command")
	case "add":
		f := strings.Fields(rest)
		if len(f) < 3 || len(f) > 4 {
			return bad("usage: account add <kind> <login> <secret> [server]")
		}
		cmd := AccountAdd{Kind: f[0], Login: f[1], Secret: f[2]}
		if len(f) == 4 {
			cmd.Server = f[3]
		}
		return cmd
	case "list":
		if !empty(rest) {
			return bad("usage: account list")
		}
		return AccountList{}
	case "delete":
		idStr, tail := next(rest)
		id, err := parseID(idStr)
		if err != nil || !empty(tail) {
			return bad("usage: account delete <id>")
		}
		return AccountDelete{ID: id}
	}

	id, err := parseID(sub)
	if err != nil {
		return bad("unknown account command")
	}

	op, rest := next(rest)
	switch op {
	case "buddies":
		if !empty(rest) {
			return bad("usage: account <id> buddies")
		}
		return Buddies{ID: id}
	case "collect":
		if !empty(rest) {
			return bad("usage: account <id> collect")
		}
		return Collect{ID: id}
	case "send":
		return parseSend(id, rest, bad)
	case "status":
		if arg, tail := next(rest); arg != "get" || !empty(tail) {
			return bad("usage: account <id> status get")
		}
		return StatusGet{ID: id}
	case "chat":
		return parseChat(id, rest, bad)
	}
	return bad("unknown account command")
}

func parseChat(id int, rest string, bad func(string) Command) Command {
	arg, tail := next(rest)
	switch arg {
	case "list":
		if !empty(tail) {
			return bad("usage: account <id> chat list")
		}
		return Buddies{ID: id}
	case "send":
		return parseSend(id, tail, bad)
	case "join", "part", "users":
		room, extra := next(tail)
		if room == "" || !empty(extra) {
			return bad(fmt.Sprintf("usage: account <id> chat %s <room>", arg))
		}
		switch arg {
		case "join":
			return ChatJoin{ID: id, Room: room}
		case "part":
			return ChatPart{ID: id, Room: room}
		}
		return ChatUsers{ID: id, Room: room}
	case "invite":
		room, extra := next(tail)
		user, extra := next(extra)
		if room == "" || user == "" || !empty(extra) {
			return bad("usage: account <id> chat invite <room> <user>")
		}
		return ChatInvite{ID: id, Room: room, User: user}
	}
	return bad("usage: account <id> chat list|send|join|part|users|invite")
}

func empty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// parseSend parses `<room> <text...>`, the text is the remainder of the line.
func parseSend(id int, rest string, bad func(string) Command) Command {
	room, body := next(rest)
	body = strings.TrimLeft(body, " \t")
	if room == "" || body == "" {
		return bad("usage: account <id> chat send <room> <text>")
	}
	return ChatSend{ID: id, Room: room, Body: body}
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid id %d", id)
	}
	return id, nil
}
