package pool

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// waiterPark is the single mutex + condition variable threads block on when
// no connection has a free stream slot. The pool does not promise fairness:
// one Signal per release event is enough, and waiters are not FIFO.
type waiterPark struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count atomic.Int32
}

func newWaiterPark() *waiterPark {
	w := &waiterPark{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// signalOne wakes a single parked borrower, e.g. on return or on a
// successful new-connection add. The quick count check avoids locking when
// nobody is parked.
func (w *waiterPark) signalOne() {
	if w.count.Load() == 0 {
		return
	}
	w.mu.Lock()
	w.cond.Signal()
	w.mu.Unlock()
}

// signalAll wakes every parked borrower, used only on shutdown.
func (w *waiterPark) signalAll() {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// wait parks the calling goroutine until signalled or ctx is done. It does
// not itself interpret why it woke; the caller re-scans and decides whether
// to keep waiting.
//
// ctxDone is only ever touched while holding w.mu, same as cond.Wait's
// internal lock/enqueue, so a ctx firing between AfterFunc registration and
// parking can't broadcast before this goroutine joins the wait list: either
// the callback gets the lock first and sets ctxDone before Wait is even
// called, or Wait gets the lock first and its atomic unlock-and-enqueue
// happens before the callback can acquire the lock to broadcast.
func (w *waiterPark) wait(ctx context.Context) {
	w.count.Inc()
	defer w.count.Dec()

	w.mu.Lock()
	defer w.mu.Unlock()

	ctxDone := false
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		ctxDone = true
		w.mu.Unlock()
		w.cond.Broadcast()
	})
	defer stop()

	if !ctxDone {
		w.cond.Wait()
	}
}
