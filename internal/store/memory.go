package store

import (
	"context"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

// Memory keeps messages in process memory.
type Memory struct {
	mu       sync.RWMutex
	ids      *sonyflake.Sonyflake
	order    []int64
	messages map[int64]*memoryMessage
}

type memoryMessage struct {
	msg   Message
	likes map[string]struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() (*Memory, error) {
	ids, err := newIDGenerator(1)
	if err != nil {
		return nil, err
	}
	return &Memory{ids: ids, messages: make(map[int64]*memoryMessage)}, nil
}

func (m *Memory) ListMessages(_ context.Context) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Message, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.messages[id].view())
	}
	return out, nil
}

func (m *Memory) CreateMessage(_ context.Context, author, content string) (Message, error) {
	author, content, err := validateMessage(author, content)
	if err != nil {
		return Message{}, err
	}
	id, err := m.ids.NextID()
	if err != nil {
		return Message{}, err
	}

	mm := &memoryMessage{
		msg: Message{
			ID:        int64(id),
			Author:    author,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		},
		likes: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.messages[mm.msg.ID] = mm
	m.order = append(m.order, mm.msg.ID)
	m.mu.Unlock()

	return mm.view(), nil
}

func (m *Memory) ToggleLike(_ context.Context, id int64, identityKey string) (Message, error) {
	identityKey, err := validateLike(id, identityKey)
	if err != nil {
		return Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mm, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	if _, liked := mm.likes[identityKey]; liked {
		delete(mm.likes, identityKey)
	} else {
		mm.likes[identityKey] = struct{}{}
	}
	return mm.view(), nil
}

func (m *Memory) Close() error { return nil }

func (mm *memoryMessage) view() Message {
	out := mm.msg
	out.Likes = make([]string, 0, len(mm.likes))
	for k := range mm.likes {
		out.Likes = append(out.Likes, k)
	}
	finalize(&out)
	return out
}
