package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrRendezvousCancelled marks a rendezvous closed without an answer, so the
// caller can tell it apart from an explicit denial.
var ErrRendezvousCancelled = errors.New("rendezvous cancelled")

// Rendezvous is a one-shot meeting point between the loop and an interactive
// surface: the loop blocks on Await, the surface resolves exactly once.
// Cancel closes the channel so a waiting loop observes a cancelled receive
// instead of leaking.
type Rendezvous struct {
	ch   chan bool
	once sync.Once
}

func NewRendezvous() *Rendezvous {
	return &Rendezvous{ch: make(chan bool, 1)}
}

// Resolve delivers the answer. Later calls are no-ops.
func (r *Rendezvous) Resolve(granted bool) {
	r.once.Do(func() {
		r.ch <- granted
		close(r.ch)
	})
}

// Cancel closes the rendezvous without an answer.
func (r *Rendezvous) Cancel() {
	r.once.Do(func() {
		close(r.ch)
	})
}

// Await blocks until resolution, cancellation, or context expiry. A cancelled
// rendezvous surfaces as ErrRendezvousCancelled, not as a denial.
func (r *Rendezvous) Await(ctx context.Context) (bool, error) {
	select {
	case granted, ok := <-r.ch:
		if !ok {
			return false, ErrRendezvousCancelled
		}
		return granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
