package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labinterface/internal/platform/db"
	"github.com/ehr/labinterface/internal/platform/hl7v2"
)

// Forwarder hands messages from senders the lab interpreter does not serve
// to the generic inbound queue (hl7_in_queue).
type Forwarder struct {
	pool *pgxpool.Pool
}

func NewForwarder(pool *pgxpool.Pool) *Forwarder {
	return &Forwarder{pool: pool}
}

func (f *Forwarder) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return f.pool
}

// Delegate inserts msg into hl7_in_queue, joining the transaction in ctx.
func (f *Forwarder) Delegate(ctx context.Context, msg *hl7v2.Message) error {
	_, err := f.conn(ctx).Exec(ctx, `
		INSERT INTO hl7_in_queue (source, data, state) VALUES ($1, $2, 'pending')`,
		msg.SendingApplication(), string(hl7v2.SerializeMessage(msg)))
	if err != nil {
		return fmt.Errorf("forward message %s: %w", msg.ControlID, err)
	}
	return nil
}
