package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenClient(t *testing.T) {
	c := &TokenClient{Token: "s3cret"}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := c.Auth(r)
	assert.Error(t, err)

	r.Header.Set(TokenHeader, "wrong")
	_, err = c.Auth(r)
	assert.ErrorIs(t, err, ErrUnauthorized)

	r.Header.Set(TokenHeader, "s3cret")
	name, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "token", name)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "s3cret"})
	_, err = c.Auth(r)
	assert.NoError(t, err)
}

func TestEmptyTokenAcceptsAll(t *testing.T) {
	c := &TokenClient{}
	name, err := c.Auth(httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, "anonymous", name)
}
