package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labinterface/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type storePG struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store over the lab_message tables. Calls made with
// a transaction in ctx join it.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *storePG) Enqueue(ctx context.Context, data, source string) (*Message, error) {
	m := newMessage(data, source, time.Now())
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO lab_message (id, source, data, status, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Source, m.Data, m.Status, m.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue lab message: %w", err)
	}
	return m, nil
}

func (s *storePG) Next(ctx context.Context) (*Message, error) {
	var m Message
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, source, data, status, error, received_at, failed_at
		FROM lab_message WHERE status = $1
		ORDER BY received_at, id LIMIT 1`, StatusPending).
		Scan(&m.ID, &m.Source, &m.Data, &m.Status, &m.Error, &m.ReceivedAt, &m.FailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next lab message: %w", err)
	}
	return &m, nil
}

func (s *storePG) Archive(ctx context.Context, msg *Message) error {
	q := s.conn(ctx)
	tag, err := q.Exec(ctx, `DELETE FROM lab_message WHERE id = $1`, msg.ID)
	if err != nil {
		return fmt.Errorf("remove lab message %s: %w", msg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, msg.ID)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO lab_message_archive (id, source, data, received_at, archived_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		msg.ID, msg.Source, msg.Data, msg.ReceivedAt)
	if err != nil {
		return fmt.Errorf("archive lab message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *storePG) Fail(ctx context.Context, msg *Message, cause error) error {
	now := time.Now().UTC()
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE lab_message SET status = $2, error = $3, failed_at = $4 WHERE id = $1`,
		msg.ID, StatusError, causeText(cause), now)
	if err != nil {
		return fmt.Errorf("fail lab message %s: %w", msg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, msg.ID)
	}
	msg.Status, msg.Error, msg.FailedAt = StatusError, causeText(cause), &now
	return nil
}

func (s *storePG) Size(ctx context.Context) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_message WHERE status = $1`, StatusPending).Scan(&n)
	return n, err
}

func (s *storePG) ArchiveSize(ctx context.Context) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_message_archive`).Scan(&n)
	return n, err
}
