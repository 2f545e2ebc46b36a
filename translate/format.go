package translate

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/mqy/chatmux/history"
)

var brRegexp = regexp.MustCompile(`(?i)<br\s*/?>`)

// EscapeName percent-escapes a room id, display name or user so it is one protocol token.
func EscapeName(s string) string {
	return url.PathEscape(s)
}

// UnescapeName reverses EscapeName. Invalid escapes are kept as is.
func UnescapeName(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

// EncodeBody makes a body single-line: html-escaped, newlines as `<br/>`.
func EncodeBody(body string) string {
	s := html.EscapeString(body)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "<br/>")
}

// DecodeBody reverses EncodeBody for bodies sent by the client.
func DecodeBody(s string) string {
	return html.UnescapeString(brRegexp.ReplaceAllString(s, "\n"))
}

// FormatMessage formats `message: <acc> <room> <ts> <sender> <body>`; ts is unix seconds.
func FormatMessage(m *history.Message) string {
	sender := m.Sender
	if sender != SelfSender {
		sender = EscapeName(sender)
	}
	return fmt.Sprintf("message: %d %s %d %s %s", m.AccountID, EscapeName(m.RoomID), m.Time.Unix(), sender,
		EncodeBody(m.Body))
}

func StatusLine(accountID int, status string) string {
	return fmt.Sprintf("status: account %d status: %s", accountID, status)
}

func AccountErrorLine(accountID int, reason string) string {
	return fmt.Sprintf("error: account %d: %s", accountID, reason)
}
