package sip

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/syncutil"
	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/log"
)

// MaxTransactionLifetime is the default lifetime after which a transaction is considered stale.
const MaxTransactionLifetime = 5 * time.Minute

// TransactionTableOptions are the options for a [TransactionTable].
type TransactionTableOptions struct {
	// MaxLifetime is the lifetime after which live transactions are considered stale
	// and are terminated to prevent memory leaks.
	// If 0, [MaxTransactionLifetime] is used. If negative, stale transactions are never terminated.
	MaxLifetime time.Duration
	// Clock schedules the stale transactions sweeper.
	// If nil, the system clock is used.
	Clock timeutil.Clock
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *TransactionTableOptions) maxLifetime() time.Duration {
	if o == nil || o.MaxLifetime == 0 {
		return MaxTransactionLifetime
	}
	return o.MaxLifetime
}

func (o *TransactionTableOptions) clock() timeutil.Clock {
	if o == nil || o.Clock == nil {
		return timeutil.SystemClock()
	}
	return o.Clock
}

func (o *TransactionTableOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// TransactionTable is the registry of live client and server transactions.
// At most one transaction is stored per key.
// Transactions are removed from the table when they reach the Terminated state.
type TransactionTable struct {
	clnTxs *syncutil.ShardMap[ClientTransactionKey, ClientTransaction]
	srvTxs *syncutil.ShardMap[ServerTransactionKey, ServerTransaction]

	maxLifetime time.Duration
	clock       timeutil.Clock
	log         *slog.Logger
	sweeper     *timeutil.Timer
}

// NewTransactionTable creates a new [TransactionTable].
// Options are optional, if nil, default values are used (see [TransactionTableOptions]).
func NewTransactionTable(opts *TransactionTableOptions) *TransactionTable {
	t := &TransactionTable{
		clnTxs:      syncutil.NewShardMap[ClientTransactionKey, ClientTransaction](),
		srvTxs:      syncutil.NewShardMap[ServerTransactionKey, ServerTransaction](),
		maxLifetime: opts.maxLifetime(),
		clock:       opts.clock(),
		log:         opts.log(),
	}
	if t.maxLifetime > 0 {
		period := max(t.maxLifetime/4, time.Second)
		t.sweeper = timeutil.Every(t.clock, period, period, t.sweep)
	}
	return t
}

// InsertClient stores the client transaction.
// It fails with [ErrTransactionExists] if another transaction is stored under the same key.
func (t *TransactionTable) InsertClient(tx ClientTransaction) error {
	if tx == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid transaction"))
	}
	if actual, loaded := t.clnTxs.GetOrSet(tx.Key(), tx); loaded {
		if actual == tx {
			return nil
		}
		return errtrace.Wrap(fmt.Errorf("%w: client transaction %s", ErrTransactionExists, tx.Key()))
	}
	tx.OnStateChanged(func(_ context.Context, _ Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated {
			t.RemoveClient(tx)
		}
	})
	if tx.State() == TransactionStateTerminated {
		t.RemoveClient(tx)
	}
	return nil
}

// InsertServer stores the server transaction.
// It fails with [ErrTransactionExists] if another transaction is stored under the same key.
func (t *TransactionTable) InsertServer(tx ServerTransaction) error {
	if tx == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid transaction"))
	}
	if actual, loaded := t.srvTxs.GetOrSet(tx.Key(), tx); loaded {
		if actual == tx {
			return nil
		}
		return errtrace.Wrap(fmt.Errorf("%w: server transaction", ErrTransactionExists))
	}
	tx.OnStateChanged(func(_ context.Context, _ Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated {
			t.RemoveServer(tx)
		}
	})
	if tx.State() == TransactionStateTerminated {
		t.RemoveServer(tx)
	}
	return nil
}

// LookupClient returns the client transaction stored under the key.
func (t *TransactionTable) LookupClient(key ClientTransactionKey) (ClientTransaction, bool) {
	return t.clnTxs.Get(key)
}

// LookupServer returns the server transaction stored under the key.
func (t *TransactionTable) LookupServer(key ServerTransactionKey) (ServerTransaction, bool) {
	return t.srvTxs.Get(key)
}

// RemoveClient removes the client transaction only if it is the one stored under its key.
func (t *TransactionTable) RemoveClient(tx ClientTransaction) bool {
	return t.clnTxs.DelFunc(tx.Key(), func(v ClientTransaction) bool { return v == tx })
}

// RemoveServer removes the server transaction only if it is the one stored under its key.
func (t *TransactionTable) RemoveServer(tx ServerTransaction) bool {
	return t.srvTxs.DelFunc(tx.Key(), func(v ServerTransaction) bool { return v == tx })
}

// Len returns the number of stored transactions.
func (t *TransactionTable) Len() int { return t.clnTxs.Size() + t.srvTxs.Size() }

// All returns an iterator over a snapshot of all stored transactions.
func (t *TransactionTable) All() iter.Seq[Transaction] {
	return func(yield func(Transaction) bool) {
		for _, tx := range t.clnTxs.Items() {
			if !yield(tx) {
				return
			}
		}
		for _, tx := range t.srvTxs.Items() {
			if !yield(tx) {
				return
			}
		}
	}
}

func (t *TransactionTable) sweep() bool {
	now := t.clock.Now()
	for tx := range t.All() {
		if now.Sub(tx.CreatedAt()) < t.maxLifetime {
			continue
		}

		t.log.LogAttrs(context.Background(), slog.LevelWarn, "terminate stale transaction",
			slog.Any("transaction", tx),
			slog.Duration("age", now.Sub(tx.CreatedAt())),
		)

		if err := tx.Terminate(context.Background()); err != nil {
			t.log.LogAttrs(context.Background(), slog.LevelWarn, "failed to terminate stale transaction",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
	}
	return true
}

// Close stops the sweeper and terminates all stored transactions.
func (t *TransactionTable) Close(ctx context.Context) error {
	if t.sweeper != nil {
		t.sweeper.Stop()
	}

	var errs []error
	for tx := range t.All() {
		if err := tx.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate transaction %s: %w", tx.Type(), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transaction table:", errs...))
}
