package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		author TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS message_likes (
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		identity_key TEXT NOT NULL,
		PRIMARY KEY (message_id, identity_key)
	);
	`
	_, err := s.pool.Exec(ctx, query)
	return err
}

const selectMessages = `
	SELECT m.id, m.author, m.content, m.created_at,
		COALESCE(array_agg(l.identity_key) FILTER (WHERE l.identity_key IS NOT NULL), '{}')
	FROM messages m
	LEFT JOIN message_likes l ON l.message_id = m.id`

func (s *PostgresStore) ListMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.pool.Query(ctx, selectMessages+`
	GROUP BY m.id
	ORDER BY m.created_at, m.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Author, &m.Content, &m.CreatedAt, &m.Likes); err != nil {
			return nil, err
		}
		finalize(&m)
		out = append(out, m)
	}
	if out == nil {
		out = []Message{}
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMessage(ctx context.Context, author, content string) (Message, error) {
	author, content, err := validateMessage(author, content)
	if err != nil {
		return Message{}, err
	}

	m := Message{Author: author, Content: content}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO messages (author, content) VALUES ($1, $2) RETURNING id, created_at`,
		author, content).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	finalize(&m)
	return m, nil
}

func (s *PostgresStore) ToggleLike(ctx context.Context, id int64, identityKey string) (Message, error) {
	identityKey, err := validateLike(id, identityKey)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM message_likes WHERE message_id = $1 AND identity_key = $2`, id, identityKey)
	if err != nil {
		return Message{}, err
	}
	if tag.RowsAffected() == 0 {
		// ON CONFLICT covers a concurrent toggle by the same identity.
		_, err = tx.Exec(ctx, `
			INSERT INTO message_likes (message_id, identity_key)
			SELECT id, $2 FROM messages WHERE id = $1
			ON CONFLICT DO NOTHING`, id, identityKey)
		if err != nil {
			return Message{}, err
		}
	}

	var m Message
	err = tx.QueryRow(ctx, selectMessages+`
	WHERE m.id = $1
	GROUP BY m.id`, id).Scan(&m.ID, &m.Author, &m.Content, &m.CreatedAt, &m.Likes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	finalize(&m)
	return m, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
