// Package store persists chat messages and their likes. The hub never calls
// it; the HTTP layer does, in response to the hub's chat-relay and
// like-notify signals.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sony/sonyflake"

	"github.com/Tyrowin/presencehub/internal/config"
)

var (
	ErrNotFound        = errors.New("message not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Message is one chat message with the identities that like it.
type Message struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Likes     []string  `json:"likes"`
	LikeCount int       `json:"likeCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the persistence collaborator.
type Store interface {
	// ListMessages returns every message, oldest first.
	ListMessages(ctx context.Context) ([]Message, error)
	CreateMessage(ctx context.Context, author, content string) (Message, error)
	// ToggleLike adds identityKey to the message's likes, or removes it if
	// already present, and returns the updated message.
	ToggleLike(ctx context.Context, id int64, identityKey string) (Message, error)
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory()
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	case "mysql":
		return OpenMySQL(ctx, MySQLOptions{
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
	default:
		return nil, fmt.Errorf("%w: store driver %q", ErrInvalidArgument, cfg.Driver)
	}
}

func validateMessage(author, content string) (string, string, error) {
	author = strings.TrimSpace(author)
	if author == "" {
		return "", "", fmt.Errorf("%w: author required", ErrInvalidArgument)
	}
	if strings.TrimSpace(content) == "" {
		return "", "", fmt.Errorf("%w: content required", ErrInvalidArgument)
	}
	return author, content, nil
}

func validateLike(id int64, identityKey string) (string, error) {
	identityKey = strings.TrimSpace(identityKey)
	if id <= 0 || identityKey == "" {
		return "", fmt.Errorf("%w: message id and identity required", ErrInvalidArgument)
	}
	return identityKey, nil
}

// finalize sorts likes and fills LikeCount so every backend returns the same
// shape.
func finalize(m *Message) {
	if m.Likes == nil {
		m.Likes = []string{}
	}
	sort.Strings(m.Likes)
	m.LikeCount = len(m.Likes)
}

// newIDGenerator returns a sonyflake generator. A zero machineID lets
// sonyflake derive one from the host's private IP.
func newIDGenerator(machineID uint16) (*sonyflake.Sonyflake, error) {
	st := sonyflake.Settings{StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if machineID != 0 {
		st.MachineID = func() (uint16, error) { return machineID, nil }
	}
	sf := sonyflake.NewSonyflake(st)
	if sf == nil {
		return nil, errors.New("sonyflake init failed")
	}
	return sf, nil
}
