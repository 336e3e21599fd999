package sip

import (
	"context"
	"fmt"
	"iter"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/syncutil"
)

// DialogTable is the registry of live dialogs.
// At most one dialog is stored per [DialogID].
// Dialogs are removed from the table when they reach the Terminated state.
type DialogTable struct {
	dlgs *syncutil.ShardMap[DialogID, *Dialog]
}

// NewDialogTable creates a new empty [DialogTable].
func NewDialogTable() *DialogTable {
	return &DialogTable{dlgs: syncutil.NewShardMap[DialogID, *Dialog]()}
}

// Insert stores the dialog.
// It fails with [ErrDialogExists] if another dialog with the same ID is stored.
func (t *DialogTable) Insert(d *Dialog) error {
	if d == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid dialog"))
	}
	if actual, loaded := t.dlgs.GetOrSet(d.ID(), d); loaded {
		if actual == d {
			return nil
		}
		return errtrace.Wrap(fmt.Errorf("%w: %s", ErrDialogExists, d.ID()))
	}
	d.OnStateChanged(func(_ context.Context, d *Dialog, _, to DialogState) {
		if to == DialogStateTerminated {
			t.Remove(d)
		}
	})
	if d.State() == DialogStateTerminated {
		t.Remove(d)
	}
	return nil
}

// Lookup returns the dialog stored under the ID.
func (t *DialogTable) Lookup(id DialogID) (*Dialog, bool) {
	return t.dlgs.Get(id)
}

// Remove removes the dialog only if it is the one stored under its ID.
func (t *DialogTable) Remove(d *Dialog) bool {
	return t.dlgs.DelFunc(d.ID(), func(v *Dialog) bool { return v == d })
}

// Len returns the number of stored dialogs.
func (t *DialogTable) Len() int { return t.dlgs.Size() }

// All returns an iterator over a snapshot of all stored dialogs.
func (t *DialogTable) All() iter.Seq[*Dialog] {
	return func(yield func(*Dialog) bool) {
		for _, d := range t.dlgs.Items() {
			if !yield(d) {
				return
			}
		}
	}
}

// Close terminates all stored dialogs.
func (t *DialogTable) Close(ctx context.Context) error {
	var errs []error
	for d := range t.All() {
		if err := d.Terminate(ctx, ErrStackClosed); err != nil {
			errs = append(errs, fmt.Errorf("terminate dialog %s: %w", d.ID(), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close dialog table:", errs...))
}
