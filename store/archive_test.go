package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// e.g. root:@tcp(127.0.0.1:3306)/chatmux?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci
const mysqlDsnEnv = "CHATMUX_TEST_MYSQL_DSN"

func TestIsDupKeyError(t *testing.T) {
	s := NewMysqlArchive(nil)
	assert.True(t, s.IsDupKeyError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.True(t, s.IsDupKeyError(fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062})))
	assert.False(t, s.IsDupKeyError(&mysql.MySQLError{Number: 1213}))
	assert.False(t, s.IsDupKeyError(errors.New("1062")))
}

func TestBodyHash(t *testing.T) {
	assert.Len(t, bodyHash("hi"), 64)
	assert.Equal(t, bodyHash("hi"), bodyHash("hi"))
	assert.NotEqual(t, bodyHash("hi"), bodyHash("hi "))
}

type fakeCounter map[int]int64

func (c fakeCounter) Count(ctx context.Context, accountID int) (int64, error) {
	n, ok := c[accountID]
	if !ok {
		return 0, errors.New("connection refused")
	}
	return n, nil
}

func TestLogSizes(t *testing.T) {
	c := fakeCounter{1: 10, 3: 5}
	assert.EqualValues(t, 15, LogSizes(context.Background(), c, []int{1, 2, 3}))
	assert.EqualValues(t, 0, LogSizes(context.Background(), c, nil))
}

func TestMysqlArchive(t *testing.T) {
	dsn := os.Getenv(mysqlDsnEnv)
	if dsn == "" {
		t.Skipf("%s is not set", mysqlDsnEnv)
	}

	ctx := context.Background()
	s, err := OpenMysqlArchive(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	const accountID = 999999
	_, err = s.ExecContext(ctx, "DELETE FROM messages WHERE account_id = ?", accountID)
	require.NoError(t, err)

	m := &ArchivedMsg{
		AccountID: accountID,
		RoomID:    "room1",
		Sender:    "bob",
		Direction: "in",
		Time:      time.Now(),
		Body:      "hello",
	}
	require.NoError(t, s.Save(ctx, m))
	require.NoError(t, s.Save(ctx, m)) // duplicate
	m2 := *m
	m2.Body = "world"
	require.NoError(t, s.Save(ctx, &m2))

	n, err := s.Count(ctx, accountID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = s.DeleteOutdated(ctx, 30)
	require.NoError(t, err)
	n, err = s.Count(ctx, accountID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.EqualValues(t, 2, LogSizes(ctx, s, []int{accountID}))
}
