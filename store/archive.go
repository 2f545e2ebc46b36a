package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

const (
	CreateMessagesTableSQL = "CREATE TABLE IF NOT EXISTS messages (" +
		"id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY," +
		"account_id INT NOT NULL," +
		"room_id VARCHAR(255) NOT NULL," +
		"sender VARCHAR(255) NOT NULL," +
		"direction VARCHAR(8) NOT NULL," +
		"ts_ms BIGINT NOT NULL," +
		"body TEXT NOT NULL," +
		"body_hash CHAR(64) NOT NULL," +
		"create_time DATETIME NOT NULL," +
		"UNIQUE KEY uk_message (account_id, room_id, sender, ts_ms, body_hash)," +
		"KEY idx_create_time (create_time)" +
		") DEFAULT CHARSET=utf8mb4"

	insertMessageSQL   = "INSERT INTO messages (account_id,room_id,sender,direction,ts_ms,body,body_hash,create_time) VALUES (?,?,?,?,?,?,?,?)"
	cleanMessagesSQL   = "DELETE FROM messages WHERE create_time <= ?"
	countMessagesSQL   = "SELECT COUNT(id) FROM messages WHERE account_id = ?"
	mysqlErrDupEntry   = 1062
	archiveMaxIdleConn = 1
)

// mysqlArchive implements `IMessageArchive`.
type mysqlArchive struct {
	*sql.DB
}

// OpenMysqlArchive opens the archive and creates the table if needed.
func OpenMysqlArchive(ctx context.Context, dsn string) (*mysqlArchive, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(archiveMaxIdleConn)

	if _, err := db.ExecContext(ctx, CreateMessagesTableSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewMysqlArchive(db), nil
}

func NewMysqlArchive(db *sql.DB) *mysqlArchive {
	return &mysqlArchive{db}
}

func (s *mysqlArchive) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *mysqlArchive) IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == mysqlErrDupEntry
	}
	return false
}

func bodyHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func (s *mysqlArchive) Save(ctx context.Context, m *ArchivedMsg) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertMessageSQL, m.AccountID, m.RoomID, m.Sender, m.Direction,
			m.Time.UnixMilli(), m.Body, bodyHash(m.Body), time.Now())
		// The unique key covers the dedup tuple: a duplicate is an already archived message.
		if err != nil && s.IsDupKeyError(err) {
			glog.V(5).Infof("archive: skip duplicate message, account: %d, room: %s", m.AccountID, m.RoomID)
			return nil
		}
		return err
	})
}

func (s *mysqlArchive) Count(ctx context.Context, accountID int) (int64, error) {
	var n sql.NullInt64
	if err := s.QueryRowContext(ctx, countMessagesSQL, accountID).Scan(&n); err != nil {
		return 0, err
	}
	return n.Int64, nil
}

func (s *mysqlArchive) DeleteOutdated(ctx context.Context, ttlDays int32) (int32, error) {
	lteCreateTime := GetDayBefore(ttlDays)
	var numDeleted int32

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, cleanMessagesSQL, lteCreateTime)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		numDeleted = int32(n)
		return nil
	}); err != nil {
		return 0, err
	}
	return numDeleted, nil
}

// RunRetention deletes outdated messages every `interval` until ctx is done.
func RunRetention(ctx context.Context, a IMessageArchive, ttlDays int32, interval time.Duration) {
	glog.Info("archive: delete loop enter")
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		glog.Info("archive: delete loop exit")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := a.DeleteOutdated(ctx, ttlDays)
			if err == nil {
				glog.Infof("archive: deleted %d outdated messages, took %s", n, time.Since(start))
			} else {
				glog.Errorf("archive: delete outdated messages error: %v", err)
			}
		}
	}
}

// Counter counts the archived messages of an account.
type Counter interface {
	Count(ctx context.Context, accountID int) (int64, error)
}

// LogSizes logs the archive size of every account and returns the total. Accounts that fail
// to count are logged and skipped.
func LogSizes(ctx context.Context, c Counter, accountIDs []int) int64 {
	var total int64
	for _, id := range accountIDs {
		n, err := c.Count(ctx, id)
		if err != nil {
			glog.Errorf("archive: count messages of account %d: %v", id, err)
			continue
		}
		glog.Infof("archive: account %d has %d archived messages", id, n)
		total += n
	}
	return total
}
