// Package board keeps a client-side view of today's open tasks.
//
// A view moves through an explicit state machine:
//
//	Synced(list) -> Pending(list minus item) -> Synced(list minus item)
//	                                         \-> resync: Synced(fresh ListToday)
//
// A failed completion is never repaired by re-inserting the removed task; the
// whole list is re-read from the store instead.
package board

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"followups/internal/domain"
	"followups/internal/logging"
)

// Store is what the board needs from the task store.
type Store interface {
	ListToday(ctx context.Context, now time.Time) ([]domain.Task, error)
	MarkComplete(ctx context.Context, id string) error
}

// User-facing messages.
const (
	MsgLoadFailed   = "Failed to load tasks"
	MsgUpdateFailed = "Failed to update task"
)

var (
	ErrLoadFailed   = errors.New(MsgLoadFailed)
	ErrUpdateFailed = errors.New(MsgUpdateFailed)
)

type Phase int

const (
	// PhaseLoading means nothing has been fetched yet.
	PhaseLoading Phase = iota
	PhaseSynced
	// PhasePending means at least one completion awaits store confirmation.
	PhasePending
	// PhaseFailed means the last fetch failed and no list is shown.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseSynced:
		return "synced"
	case PhasePending:
		return "pending"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// View is a snapshot for rendering.
type View struct {
	Phase      Phase
	Tasks      []domain.Task
	PendingIDs []string
	// Error is the single message shown instead of the list when Phase is
	// PhaseFailed.
	Error string
	// Alert is set when a completion failed and the list was resynced.
	Alert string
}

func (v View) clone() View {
	v.Tasks = append([]domain.Task(nil), v.Tasks...)
	v.PendingIDs = append([]string(nil), v.PendingIDs...)
	return v
}

type Board struct {
	store Store
	clock func() time.Time
	log   *log.Logger

	mu      sync.Mutex
	view    View
	pending map[string]struct{}
	subs    []func(View)
}

type Option func(*Board)

// WithClock sets the source of "now" used for every fetch.
func WithClock(clock func() time.Time) Option {
	return func(b *Board) { b.clock = clock }
}

func WithLogger(logger *log.Logger) Option {
	return func(b *Board) { b.log = logger }
}

func New(store Store, opts ...Option) *Board {
	b := &Board{
		store:   store,
		clock:   time.Now,
		log:     logging.Discard(),
		pending: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// View returns a copy of the current view.
func (b *Board) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view.clone()
}

// OnChange registers fn to receive every new view. Callbacks run
// synchronously after the state changes, outside the board lock.
func (b *Board) OnChange(fn func(View)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// set replaces the view under lock and notifies subscribers.
func (b *Board) set(mutate func(v *View)) {
	b.mu.Lock()
	mutate(&b.view)
	if b.view.Phase != PhaseFailed {
		b.view.Error = ""
	}
	b.view.PendingIDs = b.view.PendingIDs[:0]
	for id := range b.pending {
		b.view.PendingIDs = append(b.view.PendingIDs, id)
	}
	sort.Strings(b.view.PendingIDs)
	snapshot := b.view.clone()
	subs := append([]func(View){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(snapshot)
	}
}

// Refresh re-reads today's list. On failure the view shows only MsgLoadFailed;
// calling Refresh again is the retry.
func (b *Board) Refresh(ctx context.Context) error {
	return b.resync(ctx, "")
}

func (b *Board) resync(ctx context.Context, alert string) error {
	tasks, err := b.store.ListToday(ctx, b.clock())
	if err != nil {
		b.log.WithError(err).Error("load today's tasks")
		b.set(func(v *View) {
			v.Phase = PhaseFailed
			v.Tasks = nil
			v.Error = MsgLoadFailed
			v.Alert = alert
		})
		return ErrLoadFailed
	}
	b.set(func(v *View) {
		v.Tasks = tasks
		v.Error = ""
		v.Alert = alert
		v.Phase = b.settledPhase()
	})
	return nil
}

// settledPhase must be called with b.mu held.
func (b *Board) settledPhase() Phase {
	if len(b.pending) > 0 {
		return PhasePending
	}
	return PhaseSynced
}

// MarkComplete removes id from the view at once, then asks the store to
// complete it. If the store refuses, the list is rebuilt from a fresh fetch
// and ErrUpdateFailed is returned wrapping the store error. Before a list has
// been loaded there is nothing to remove, so the store is asked first and the
// list is fetched afterwards.
func (b *Board) MarkComplete(ctx context.Context, id string) error {
	loaded := b.begin(id)
	return b.finish(ctx, id, loaded)
}

// MarkCompleteAsync applies the optimistic removal before returning and
// reports the reconciled outcome on the returned channel.
func (b *Board) MarkCompleteAsync(ctx context.Context, id string) <-chan error {
	done := make(chan error, 1)
	loaded := b.begin(id)
	go func() {
		done <- b.finish(ctx, id, loaded)
	}()
	return done
}

// begin reports whether the optimistic removal was applied. It is skipped
// while no list from the store is shown.
func (b *Board) begin(id string) bool {
	b.mu.Lock()
	loaded := b.view.Phase == PhaseSynced || b.view.Phase == PhasePending
	b.mu.Unlock()
	if !loaded {
		return false
	}
	b.set(func(v *View) {
		b.pending[id] = struct{}{}
		kept := make([]domain.Task, 0, len(v.Tasks))
		for _, t := range v.Tasks {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		v.Tasks = kept
		v.Alert = ""
		v.Phase = PhasePending
	})
	return true
}

func (b *Board) finish(ctx context.Context, id string, loaded bool) error {
	storeErr := b.store.MarkComplete(ctx, id)

	if loaded {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}

	if storeErr == nil {
		if !loaded {
			return b.resync(ctx, "")
		}
		b.set(func(v *View) {
			if v.Phase == PhasePending {
				v.Phase = b.settledPhase()
			}
		})
		return nil
	}
	b.log.WithError(storeErr).WithField("task_id", id).Warn("completion failed, resyncing")
	if err := b.resync(ctx, MsgUpdateFailed); err != nil {
		return errors.Join(ErrUpdateFailed, storeErr, err)
	}
	return errors.Join(ErrUpdateFailed, storeErr)
}
