// Package auth authorizes front clients of the websocket transport.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
)

const (
	TokenCookie = "x-token"
	TokenHeader = "X-Token"
)

var ErrUnauthorized = errors.New("unauthorized")

type Client interface {
	// Auth authenticates the request, returns a name of the client for logging.
	Auth(r *http.Request) (string, error)
}

// TokenClient accepts requests carrying Token in the `x-token` cookie or the `X-Token` header.
// An empty Token accepts every request.
type TokenClient struct {
	Token string
}

func (c *TokenClient) Auth(r *http.Request) (string, error) {
	if c.Token == "" {
		return "anonymous", nil
	}

	var token string
	if v, err := r.Cookie(TokenCookie); err == nil {
		token = v.Value
	}
	if token == "" {
		token = r.Header.Get(TokenHeader)
	}
	if token == "" {
		return "", errors.New("empty x-token from cookie or header")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(c.Token)) != 1 {
		return "", ErrUnauthorized
	}
	return "token", nil
}
