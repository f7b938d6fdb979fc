// Package task holds the record of one outstanding command: its payload,
// correlation id, timeout, the reply chunks gathered so far and its
// resolution.
//
// A Task resolves exactly once. The timeout timer and the receive path may
// race to resolve it; Resolve arbitrates with an atomic guard and every
// later attempt is a no-op.
package task

import (
    "bytes"
    "sync"
    "sync/atomic"
    "time"

    "btlink/internal/frame"
)

// DefaultTimeout applies when a task is submitted without one.
const DefaultTimeout = 20 * time.Second

// Outcome is the terminal state of a task.
type Outcome int32

const (
    Pending Outcome = iota
    Succeeded
    TimedOut
    Failed
)

func (o Outcome) String() string {
    switch o {
    case Pending:
        return "pending"
    case Succeeded:
        return "succeeded"
    case TimedOut:
        return "timed-out"
    case Failed:
        return "failed"
    default:
        return "unknown"
    }
}

// Result is what the submitting caller observes.
type Result struct {
    Outcome  Outcome
    Response []byte // complete response frame on success
    Err      error  // set for TimedOut and Failed
}

// Task is one command. Fields other than the chunk accumulator are
// immutable after New.
type Task struct {
    ID      uint16
    Type    int
    Payload []byte
    Timeout time.Duration

    mu     sync.Mutex
    chunks [][]byte
    total  int
    timer  *time.Timer

    outcome atomic.Int32
    result  Result
    done    chan struct{}
}

// New creates a pending task. timeout <= 0 selects DefaultTimeout.
func New(id uint16, typ int, payload []byte, timeout time.Duration) *Task {
    if timeout <= 0 {
        timeout = DefaultTimeout
    }
    return &Task{
        ID:      id,
        Type:    typ,
        Payload: payload,
        Timeout: timeout,
        done:    make(chan struct{}),
    }
}

// Frame encodes the task's request frame.
func (t *Task) Frame() ([]byte, error) {
    return frame.Encode(t.ID, t.Payload)
}

// Begin resets the accumulator and arms the single-shot timeout. onTimeout
// runs on the timer goroutine at most once, and only if the task is still
// pending when the timer fires.
func (t *Task) Begin(onTimeout func(*Task)) {
    t.mu.Lock()
    defer t.mu.Unlock()
    t.chunks = nil
    t.total = 0
    if t.timer != nil {
        t.timer.Stop()
    }
    t.timer = time.AfterFunc(t.Timeout, func() {
        if t.Resolved() {
            return
        }
        if onTimeout != nil {
            onTimeout(t)
        }
    })
}

// Complete cancels the timer. It is called on every resolution path.
func (t *Task) Complete() {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.timer != nil {
        t.timer.Stop()
        t.timer = nil
    }
}

// AcceptChunk appends a received chunk.
func (t *Task) AcceptChunk(chunk []byte) {
    t.mu.Lock()
    defer t.mu.Unlock()
    t.chunks = append(t.chunks, chunk)
    t.total += len(chunk)
}

// Reset discards the accumulated chunks.
func (t *Task) Reset() {
    t.mu.Lock()
    defer t.mu.Unlock()
    t.chunks = nil
    t.total = 0
}

// Len is the number of bytes accumulated so far.
func (t *Task) Len() int {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.total
}

// Bytes returns the accumulated chunks joined into one buffer.
func (t *Task) Bytes() []byte {
    t.mu.Lock()
    defer t.mu.Unlock()
    return bytes.Join(t.chunks, nil)
}

// IsComplete applies the structural frame check to the accumulated bytes.
func (t *Task) IsComplete() bool {
    t.mu.Lock()
    if t.total < frame.MinCompleteSize {
        t.mu.Unlock()
        return false
    }
    buf := bytes.Join(t.chunks, nil)
    t.mu.Unlock()
    return frame.IsComplete(buf, t.ID)
}

// Resolve records r as the outcome. Only the first call has an effect; it
// reports whether this call won.
func (t *Task) Resolve(r Result) bool {
    if r.Outcome == Pending {
        return false
    }
    if !t.outcome.CompareAndSwap(int32(Pending), int32(r.Outcome)) {
        return false
    }
    t.result = r
    close(t.done)
    return true
}

// Resolved reports whether the task has an outcome.
func (t *Task) Resolved() bool {
    return Outcome(t.outcome.Load()) != Pending
}

// Done is closed once the task resolves.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the resolution. It is only meaningful after Done is closed.
func (t *Task) Result() Result {
    select {
    case <-t.done:
        return t.result
    default:
        return Result{Outcome: Pending}
    }
}
