package transport

import (
	"context"
	"sync/atomic"
)

// handle is the transfer/ack completion capability returned to
// copyin.Getter/SendRecver callers and parked on the wait side list
// for DETACH/DETACH_INLINE (spec §4.8/§4.9). It satisfies both
// task.WaitHandle (Done only) and copyin.Handle (Done+Wait).
type handle struct {
	done chan struct{}
	err  atomic.Pointer[error]
}

func newHandle() *handle {
	return &handle{done: make(chan struct{})}
}

func (h *handle) resolve(err error) {
	if err != nil {
		h.err.Store(&err)
	}
	close(h.done)
}

func (h *handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		if p := h.err.Load(); p != nil {
			return *p
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
