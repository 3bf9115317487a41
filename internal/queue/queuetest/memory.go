// Package queuetest provides an in-memory queue.Store for tests.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labinterface/internal/queue"
)

// Memory is a slice backed queue.Store. The Err fields make the matching
// call fail.
type Memory struct {
	mu sync.Mutex

	Pending  []*queue.Message
	Failed   []*queue.Message
	Archived []*queue.Message

	EnqueueErr error
	FailErr    error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Enqueue(_ context.Context, data, source string) (*queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnqueueErr != nil {
		return nil, m.EnqueueErr
	}
	msg := &queue.Message{
		ID:         uuid.New(),
		Source:     source,
		Data:       data,
		Status:     queue.StatusPending,
		ReceivedAt: time.Now().UTC(),
	}
	m.Pending = append(m.Pending, msg)
	return msg, nil
}

func (m *Memory) Next(_ context.Context) (*queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Pending) == 0 {
		return nil, nil
	}
	return m.Pending[0], nil
}

func (m *Memory) take(id uuid.UUID) (*queue.Message, error) {
	for i, p := range m.Pending {
		if p.ID == id {
			m.Pending = append(m.Pending[:i:i], m.Pending[i+1:]...)
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
}

func (m *Memory) Archive(_ context.Context, msg *queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.take(msg.ID)
	if err != nil {
		return err
	}
	m.Archived = append(m.Archived, p)
	return nil
}

func (m *Memory) Fail(_ context.Context, msg *queue.Message, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailErr != nil {
		return m.FailErr
	}
	p, err := m.take(msg.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.Status, p.FailedAt = queue.StatusError, &now
	if cause != nil {
		p.Error = cause.Error()
	}
	m.Failed = append(m.Failed, p)
	return nil
}

func (m *Memory) Size(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Pending), nil
}

func (m *Memory) ArchiveSize(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Archived), nil
}

var _ queue.Store = (*Memory)(nil)
