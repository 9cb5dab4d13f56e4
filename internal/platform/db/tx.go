package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx. Stores
// resolve it per call so they join a transaction carried in the context.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxFromContext returns the transaction stored by WithTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn returns the transaction in ctx when there is one and fallback otherwise.
func Conn(ctx context.Context, fallback Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return fallback
}

// WithTx begins a transaction and returns a context carrying it.
func WithTx(ctx context.Context, b Beginner) (context.Context, pgx.Tx, error) {
	if b == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := b.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// Transactor runs fn so that every store write made through the context it
// receives commits or rolls back together.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type pgTransactor struct{ b Beginner }

func NewTransactor(b Beginner) Transactor { return &pgTransactor{b: b} }

func (t *pgTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	txCtx, tx, err := WithTx(ctx, t.b)
	if err != nil {
		return err
	}
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type undoKey struct{}

type undoLog struct {
	mu    sync.Mutex
	steps []func()
}

// OnRollback registers fn to run if the memory transaction in ctx fails.
// Outside a memory transaction it does nothing.
func OnRollback(ctx context.Context, fn func()) {
	log, ok := ctx.Value(undoKey{}).(*undoLog)
	if !ok {
		return
	}
	log.mu.Lock()
	log.steps = append(log.steps, fn)
	log.mu.Unlock()
}

// MemoryTransactor is the Transactor for the in-memory backend. Stores
// register an undo step for every write with OnRollback; when fn fails the
// steps run newest first.
type MemoryTransactor struct{}

func (MemoryTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(undoKey{}).(*undoLog); ok {
		return fn(ctx)
	}
	log := &undoLog{}
	if err := fn(context.WithValue(ctx, undoKey{}, log)); err != nil {
		log.mu.Lock()
		for i := len(log.steps) - 1; i >= 0; i-- {
			log.steps[i]()
		}
		log.mu.Unlock()
		return err
	}
	return nil
}
