package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sony/sonyflake"
)

type MySQLOptions struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	ConnMaxIdle  time.Duration
	PingTimeout  time.Duration
}

// MySQLStore stores messages through database/sql. Ids come from sonyflake
// so inserts need no round trip for LAST_INSERT_ID.
type MySQLStore struct {
	db  *sql.DB
	ids *sonyflake.Sonyflake
}

func OpenMySQL(ctx context.Context, opt MySQLOptions) (*MySQLStore, error) {
	if opt.MaxOpenConns <= 0 {
		opt.MaxOpenConns = 50
	}
	if opt.MaxIdleConns <= 0 {
		opt.MaxIdleConns = 25
	}
	if opt.ConnMaxLife == 0 {
		opt.ConnMaxLife = 30 * time.Minute
	}
	if opt.ConnMaxIdle == 0 {
		opt.ConnMaxIdle = 5 * time.Minute
	}
	if opt.PingTimeout == 0 {
		opt.PingTimeout = 2 * time.Second
	}

	ids, err := newIDGenerator(0)
	if err != nil {
		return nil, err
	}

	dsn, err := mysql.ParseDSN(opt.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql dsn: %v", ErrInvalidArgument, err)
	}
	// create_time is scanned into time.Time.
	dsn.ParseTime = true

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(opt.MaxOpenConns)
	db.SetMaxIdleConns(opt.MaxIdleConns)
	db.SetConnMaxLifetime(opt.ConnMaxLife)
	db.SetConnMaxIdleTime(opt.ConnMaxIdle)

	pingCtx, cancel := context.WithTimeout(ctx, opt.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &MySQLStore{db: db, ids: ids}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) initSchema(ctx context.Context) error {
	stmts := []string{`
CREATE TABLE IF NOT EXISTS chat_message (
  id BIGINT NOT NULL PRIMARY KEY,
  author VARCHAR(255) NOT NULL,
  content TEXT NOT NULL,
  create_time DATETIME(6) NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS chat_message_like (
  message_id BIGINT NOT NULL,
  identity_key VARCHAR(255) NOT NULL,
  PRIMARY KEY (message_id, identity_key)
)`}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) ListMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, author, content, create_time
FROM chat_message
ORDER BY create_time ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0)
	index := make(map[int64]int)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Author, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	likes, err := s.db.QueryContext(ctx, `SELECT message_id, identity_key FROM chat_message_like`)
	if err != nil {
		return nil, err
	}
	defer likes.Close()
	for likes.Next() {
		var id int64
		var key string
		if err := likes.Scan(&id, &key); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			out[i].Likes = append(out[i].Likes, key)
		}
	}
	if err := likes.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		finalize(&out[i])
	}
	return out, nil
}

func (s *MySQLStore) CreateMessage(ctx context.Context, author, content string) (Message, error) {
	author, content, err := validateMessage(author, content)
	if err != nil {
		return Message{}, err
	}
	id, err := s.ids.NextID()
	if err != nil {
		return Message{}, err
	}

	m := Message{ID: int64(id), Author: author, Content: content, CreatedAt: time.Now().UTC()}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO chat_message (id, author, content, create_time) VALUES (?, ?, ?, ?)",
		m.ID, m.Author, m.Content, m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	finalize(&m)
	return m, nil
}

func (s *MySQLStore) ToggleLike(ctx context.Context, id int64, identityKey string) (Message, error) {
	identityKey, err := validateLike(id, identityKey)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var m Message
	err = tx.QueryRowContext(ctx,
		"SELECT id, author, content, create_time FROM chat_message WHERE id = ? FOR UPDATE", id).
		Scan(&m.ID, &m.Author, &m.Content, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM chat_message_like WHERE message_id = ? AND identity_key = ?", id, identityKey)
	if err != nil {
		return Message{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chat_message_like (message_id, identity_key) VALUES (?, ?)", id, identityKey); err != nil {
			return Message{}, err
		}
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT identity_key FROM chat_message_like WHERE message_id = ?", id)
	if err != nil {
		return Message{}, err
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return Message{}, err
		}
		m.Likes = append(m.Likes, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	finalize(&m)
	return m, nil
}

func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
