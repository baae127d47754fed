package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gridsql/internal/protocol"
)

type TxOptions struct {
	ReadOnly bool
}

// Tx is an explicit server transaction. Cursors created from it run their
// statements inside the transaction until Commit or Rollback.
type Tx struct {
	conn *Conn
	id   int64

	mu   sync.Mutex
	done bool
}

// Begin starts a transaction on c.
func (c *Conn) Begin(ctx context.Context, opts TxOptions) (*Tx, error) {
	_, body, err := c.roundTrip(ctx, &protocol.TxBeginRequest{ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, err
	}
	resp, err := protocol.DecodeTxBeginResponse(body)
	if err != nil {
		c.fail(err)
		return nil, err
	}
	c.logger.Debug("transaction started", "tx_id", resp.TxID, "read_only", opts.ReadOnly)
	return &Tx{conn: c, id: resp.TxID}, nil
}

// ID is the server transaction id.
func (tx *Tx) ID() int64 { return tx.id }

// Cursor returns a cursor whose statements run inside tx.
func (tx *Tx) Cursor(opts ...CursorOption) *Cursor {
	cur := tx.conn.Cursor(opts...)
	cur.tx = tx
	return cur
}

func (tx *Tx) Commit(ctx context.Context) error {
	return tx.finish(ctx, &protocol.TxCommitRequest{TxID: tx.id})
}

func (tx *Tx) Rollback(ctx context.Context) error {
	return tx.finish(ctx, &protocol.TxRollbackRequest{TxID: tx.id})
}

func (tx *Tx) finish(ctx context.Context, req protocol.Request) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if _, _, err := tx.conn.roundTrip(ctx, req); err != nil {
		return fmt.Errorf("%s tx %d: %w", req.Op(), tx.id, err)
	}
	return nil
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back when it returns an error or panics.
func (c *Conn) WithTx(ctx context.Context, opts TxOptions, fn func(*Tx) error) (err error) {
	tx, err := c.Begin(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}
