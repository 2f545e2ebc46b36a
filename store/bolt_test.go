package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccountStore(t *testing.T, s IAccountStore) {
	id1, err := s.NextID()
	require.NoError(t, err)
	id2, err := s.NextID()
	require.NoError(t, err)
	assert.Less(t, id1, id2)

	require.NoError(t, s.Save(&AccountRecord{ID: id2, Kind: "local", Login: "bob"}))
	require.NoError(t, s.Save(&AccountRecord{ID: id1, Kind: "local", Login: "alice", Secret: "pw"}))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].Login)
	assert.Equal(t, "pw", list[0].Secret)
	assert.Equal(t, "bob", list[1].Login)

	require.NoError(t, s.Delete(id1))
	assert.ErrorIs(t, s.Delete(id1), ErrNoAccount)

	id3, err := s.NextID()
	require.NoError(t, err)
	assert.Greater(t, id3, id2)

	list, err = s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id2, list[0].ID)
}

func TestMemAccountStore(t *testing.T) {
	testAccountStore(t, NewMemAccountStore())
}

func TestBoltAccountStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.db")
	s, err := OpenBoltAccountStore(path)
	require.NoError(t, err)
	testAccountStore(t, s)
	require.NoError(t, s.Close())

	// ids keep growing after reopen.
	s, err = OpenBoltAccountStore(path)
	require.NoError(t, err)
	defer s.Close()

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	id, err := s.NextID()
	require.NoError(t, err)
	assert.Equal(t, 4, id)
}
