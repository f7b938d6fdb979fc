package task

import (
    "context"
    "fmt"
)

// Handle is the caller's view of a submitted task.
type Handle struct {
    t *Task
}

func NewHandle(t *Task) *Handle { return &Handle{t: t} }

// ID is the correlation id assigned to the request.
func (h *Handle) ID() uint16 { return h.t.ID }

// Type is the admission lane of the request.
func (h *Handle) Type() int { return h.t.Type }

// Done is closed once the outcome is known.
func (h *Handle) Done() <-chan struct{} { return h.t.Done() }

// Result returns the outcome, Pending until Done is closed.
func (h *Handle) Result() Result { return h.t.Result() }

// Wait blocks until the task resolves or ctx is done. It returns the
// response frame on success. Giving up on ctx does not cancel the task; its
// own timeout still governs it.
func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
    select {
    case <-h.t.Done():
    case <-ctx.Done():
        return nil, fmt.Errorf("task %d: wait: %w", h.t.ID, ctx.Err())
    }
    r := h.t.Result()
    if r.Outcome != Succeeded {
        return nil, r.Err
    }
    return r.Response, nil
}
