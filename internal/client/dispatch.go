package client

import (
    "fmt"
    "time"

    "go.uber.org/zap"

    "btlink/internal/frame"
    "btlink/internal/task"
    "btlink/internal/transport"
)

// outbound is a frame admitted under the lock and written after it.
type outbound struct {
    sess  *transport.Session
    t     *task.Task
    frame []byte
}

// Submit queues payload in lane typ. timeout <= 0 uses the client default.
// The returned handle resolves with the response frame, ErrTaskTimeout, or a
// failure (ErrLinkLost, ErrLinkUnavailable, ErrLinkNotConnected, ErrClosed).
//
// When the link is down and an endpoint is remembered, Submit starts a
// reconnection and the task waits in the queue for it.
func (c *Client) Submit(payload []byte, typ int, timeout time.Duration) (*task.Handle, error) {
    if len(payload) > frame.MaxPayload {
        return nil, fmt.Errorf("client: submit: %w", frame.ErrPayloadTooLarge)
    }
    if timeout <= 0 {
        timeout = c.opts.DefaultTimeout
    }

    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return nil, ErrClosed
    }
    if !c.radioOn {
        c.mu.Unlock()
        return nil, ErrLinkUnavailable
    }
    if c.state == Disconnected && c.endpoint.IsZero() {
        c.mu.Unlock()
        return nil, ErrLinkNotConnected
    }
    id, err := c.allocIDLocked()
    if err != nil {
        c.mu.Unlock()
        return nil, err
    }
    t := task.New(id, typ, append([]byte(nil), payload...), timeout)
    c.pending = append(c.pending, t)
    c.live[id] = struct{}{}
    c.log.Debug("task queued", zap.Uint16("task_id", id), zap.Int("type", typ), zap.Int("size", len(payload)))

    var out []outbound
    switch c.state {
    case Connected:
        out = c.admitLocked(typ)
    case Disconnected:
        c.startReconnectLocked()
    }
    c.mu.Unlock()

    c.write(out)
    return task.NewHandle(t), nil
}

// allocIDLocked hands out ids from a wrapping counter, skipping any id held
// by a queued or in-flight task.
func (c *Client) allocIDLocked() (uint16, error) {
    for i := 0; i <= 0xFFFF; i++ {
        id := c.nextID
        c.nextID++
        if _, used := c.live[id]; !used {
            return id, nil
        }
    }
    return 0, ErrIDSpaceExhausted
}

// admitLocked applies the admission policy for one lane: connected, lane
// idle, and a queued task of that type exists. The first such task (FIFO)
// moves to the in-flight set and its timer starts.
func (c *Client) admitLocked(typ int) []outbound {
    if c.state != Connected || c.session == nil {
        return nil
    }
    if _, ok := c.busy[typ]; ok {
        return nil
    }
    idx := -1
    for i, t := range c.pending {
        if t.Type == typ {
            idx = i
            break
        }
    }
    if idx < 0 {
        return nil
    }
    t := c.pending[idx]
    c.pending = append(c.pending[:idx], c.pending[idx+1:]...)

    b, err := t.Frame()
    if err != nil {
        // Submit rejects oversized payloads, so this is unreachable in practice.
        c.finishLocked(t, task.Result{Outcome: task.Failed, Err: err})
        return c.admitLocked(typ)
    }
    c.inflight[t.ID] = t
    c.busy[typ] = t
    t.Begin(c.onTimeout)
    c.log.Debug("task admitted", zap.Uint16("task_id", t.ID), zap.Int("type", typ))
    return []outbound{{sess: c.session, t: t, frame: b}}
}

// drainLocked admits the head of every lane, oldest lane first.
func (c *Client) drainLocked() []outbound {
    seen := make(map[int]bool)
    var types []int
    for _, t := range c.pending {
        if !seen[t.Type] {
            seen[t.Type] = true
            types = append(types, t.Type)
        }
    }
    var out []outbound
    for _, typ := range types {
        out = append(out, c.admitLocked(typ)...)
    }
    return out
}

// write sends admitted frames. A failed write breaks the session, and the
// session's receive loop then reports the link loss.
func (c *Client) write(out []outbound) {
    for _, o := range out {
        if err := o.sess.Write(o.frame); err != nil {
            c.log.Warn("write failed", zap.Uint16("task_id", o.t.ID), zap.Error(err))
            c.sessionEnded(o.sess, err)
            return
        }
        c.log.Debug("frame sent", zap.Uint16("task_id", o.t.ID), zap.Int("size", len(o.frame)))
    }
}

// finishLocked resolves t, stops its timer and releases it from the queue
// and the in-flight set. It reports whether t was still live.
func (c *Client) finishLocked(t *task.Task, r task.Result) bool {
    if _, ok := c.live[t.ID]; !ok || !t.Resolve(r) {
        return false
    }
    t.Complete()
    delete(c.live, t.ID)
    if c.inflight[t.ID] == t {
        delete(c.inflight, t.ID)
    }
    if c.busy[t.Type] == t {
        delete(c.busy, t.Type)
    }
    for i, p := range c.pending {
        if p == t {
            c.pending = append(c.pending[:i], c.pending[i+1:]...)
            break
        }
    }
    if c.assembling == t {
        c.assembling = nil
    }
    return true
}

func (c *Client) onTimeout(t *task.Task) {
    c.mu.Lock()
    if c.inflight[t.ID] != t {
        c.mu.Unlock()
        return
    }
    err := fmt.Errorf("%w: task %d after %s", ErrTaskTimeout, t.ID, t.Timeout)
    if !c.finishLocked(t, task.Result{Outcome: task.TimedOut, Err: err}) {
        c.mu.Unlock()
        return
    }
    c.log.Info("task timed out", zap.Uint16("task_id", t.ID), zap.Int("type", t.Type), zap.Duration("timeout", t.Timeout))
    out := c.admitLocked(t.Type)
    c.mu.Unlock()
    c.write(out)
}

// onChunk routes one received chunk. A chunk that starts a frame is routed
// by its correlation id and becomes the reassembly target; a chunk that does
// not start a frame continues the current target. Frames for ids not in
// flight (late replies, duplicates) and chunks with no target are dropped.
// A chunk carrying the end of one frame and the start of the next is split
// at the frame boundary and each part routed on its own.
func (c *Client) onChunk(sess *transport.Session, chunk []byte) {
    c.mu.Lock()
    if c.session != sess {
        c.mu.Unlock()
        return
    }
    var out []outbound
    for len(chunk) > 0 {
        var admitted []outbound
        chunk, admitted = c.routeLocked(chunk)
        out = append(out, admitted...)
    }
    c.mu.Unlock()
    c.write(out)
}

// routeLocked consumes one frame's worth of chunk and returns what is left
// for the next frame, plus the frames admitted by a completion.
func (c *Client) routeLocked(chunk []byte) (rest []byte, out []outbound) {
    chunk = frame.Rejoin(c.carry, chunk)
    c.carry = nil

    target := c.assembling
    if target == nil && frame.IsStartPrefix(chunk) {
        c.carry = chunk
        return nil, nil
    }
    if frame.IsFrameStart(chunk) {
        id, _ := frame.CorrelationID(chunk)
        target = c.inflight[id]
    }
    if target == nil {
        if cut := frame.Boundary(nil, chunk); cut > 0 {
            rest = chunk[cut:]
            chunk = chunk[:cut]
        }
        c.log.Debug("dropping chunk with no in-flight task", zap.Int("size", len(chunk)))
        return rest, nil
    }

    var acc []byte
    if frame.IsFrameStart(chunk) {
        // a frame start restarts the target's accumulation
        target.Reset()
    } else {
        acc = target.Bytes()
    }
    if cut := frame.Boundary(acc, chunk); cut > 0 {
        rest = chunk[cut:]
        chunk = chunk[:cut]
    }
    c.assembling = target
    target.AcceptChunk(chunk)
    if !target.IsComplete() {
        return rest, nil
    }
    resp := target.Bytes()
    c.finishLocked(target, task.Result{Outcome: task.Succeeded, Response: resp})
    c.log.Debug("task completed", zap.Uint16("task_id", target.ID), zap.Int("type", target.Type), zap.Int("size", len(resp)))
    return rest, c.admitLocked(target.Type)
}

// failAllLocked resolves every in-flight and queued task with cause and
// empties both collections.
func (c *Client) failAllLocked(cause error) {
    n := len(c.inflight) + len(c.pending)
    for _, t := range c.inflight {
        c.finishLocked(t, task.Result{Outcome: task.Failed, Err: cause})
    }
    for _, t := range append([]*task.Task(nil), c.pending...) {
        c.finishLocked(t, task.Result{Outcome: task.Failed, Err: cause})
    }
    c.inflight = make(map[uint16]*task.Task)
    c.busy = make(map[int]*task.Task)
    c.live = make(map[uint16]struct{})
    c.pending = nil
    c.assembling = nil
    c.carry = nil
    if n > 0 {
        c.log.Info("failed outstanding tasks", zap.Int("count", n), zap.Error(cause))
    }
}
