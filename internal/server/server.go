// Package server is the answering side of the engine. A Responder accepts
// one inbound stream at a time, reassembles one request at a time and
// replies under the request's correlation id. When the stream breaks it
// listens again.
package server

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "btlink/internal/frame"
    "btlink/internal/task"
    "btlink/internal/transport"
)

// DefaultRetryDelay separates failed Listen attempts.
const DefaultRetryDelay = time.Second

// Options configures a Responder. Provider and Handler are required.
type Options struct {
    Provider   transport.Provider
    Handler    Handler
    Logger     *zap.Logger
    ReadBuffer int
    RetryDelay time.Duration

    // RadioOff starts the responder idle until a LinkEnabled event arrives.
    RadioOff bool
}

type Responder struct {
    provider transport.Provider
    handler  Handler
    log      *zap.Logger
    opts     Options

    mu      sync.Mutex
    radioOn bool
    wake    chan struct{} // signaled on LinkEnabled
    stop    context.CancelFunc

    served   atomic.Uint64
    accepted atomic.Uint64
}

func New(opts Options) *Responder {
    if opts.Logger == nil {
        opts.Logger = zap.NewNop()
    }
    if opts.RetryDelay <= 0 {
        opts.RetryDelay = DefaultRetryDelay
    }
    return &Responder{
        provider: opts.Provider,
        handler:  opts.Handler,
        log:      opts.Logger.Named("server"),
        opts:     opts,
        radioOn:  !opts.RadioOff,
        wake:     make(chan struct{}, 1),
    }
}

// Served reports how many responses were written.
func (r *Responder) Served() uint64 { return r.served.Load() }

// Accepted reports how many inbound streams were accepted.
func (r *Responder) Accepted() uint64 { return r.accepted.Load() }

// Run listens, serves the accepted stream until it breaks, and listens
// again, until ctx is done. It returns nil on cancellation.
func (r *Responder) Run(ctx context.Context) error {
    if r.provider == nil || r.handler == nil {
        return errors.New("server: provider and handler required")
    }
    if events := r.provider.Events(); events != nil {
        go r.eventLoop(ctx, events)
    }
    for {
        if !r.waitRadio(ctx) {
            return nil
        }
        actx, cancel, ok := r.arm(ctx)
        if !ok {
            continue
        }

        r.log.Info("listening")
        tr, peer, err := r.provider.Listen(actx)
        if err != nil {
            cancel()
            if ctx.Err() != nil {
                return nil
            }
            if actx.Err() != nil {
                // radio went off while listening
                continue
            }
            r.log.Warn("listen failed", zap.Error(err), zap.Duration("retry_in", r.opts.RetryDelay))
            select {
            case <-ctx.Done():
                return nil
            case <-time.After(r.opts.RetryDelay):
            }
            continue
        }
        r.accepted.Add(1)
        r.log.Info("peer connected", zap.Stringer("peer", peer))
        err = r.serve(actx, tr, peer)
        cancel()
        r.log.Info("peer gone, re-arming", zap.Stringer("peer", peer), zap.Error(err))
    }
}

// waitRadio blocks while the radio is off. It reports false once ctx is done.
func (r *Responder) waitRadio(ctx context.Context) bool {
    for {
        r.mu.Lock()
        on := r.radioOn
        r.mu.Unlock()
        if on {
            return ctx.Err() == nil
        }
        r.log.Info("radio off, waiting")
        select {
        case <-ctx.Done():
            return false
        case <-r.wake:
        }
    }
}

// arm derives the context for the next Listen and registers its cancel
// for LinkDisabled. It reports false if the radio went off after
// waitRadio returned.
func (r *Responder) arm(ctx context.Context) (context.Context, context.CancelFunc, bool) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if !r.radioOn {
        return nil, nil, false
    }
    actx, cancel := context.WithCancel(ctx)
    r.stop = cancel
    return actx, cancel, true
}

func (r *Responder) eventLoop(ctx context.Context, events <-chan transport.Event) {
    for {
        select {
        case <-ctx.Done():
            return
        case ev, ok := <-events:
            if !ok {
                return
            }
            r.handleEvent(ev)
        }
    }
}

func (r *Responder) handleEvent(ev transport.Event) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.log.Debug("link event", zap.Stringer("kind", ev.Kind), zap.Stringer("peer", ev.Peer))
    switch ev.Kind {
    case transport.LinkDisabled:
        r.radioOn = false
        if r.stop != nil {
            r.stop()
        }
    case transport.LinkEnabled:
        r.radioOn = true
        select {
        case r.wake <- struct{}{}:
        default:
        }
    }
}

// serve handles one accepted stream until it fails or ctx is done. Any
// request in progress is discarded with the stream.
func (r *Responder) serve(ctx context.Context, tr transport.Transport, peer transport.Endpoint) error {
    sess := transport.NewSession(tr, peer, r.log, r.opts.ReadBuffer)
    sess.Start()
    defer sess.Close()

    asm := assembler{log: r.log}
    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case chunk, ok := <-sess.Chunks():
            if !ok {
                return sess.Err()
            }
            for _, req := range asm.feed(chunk) {
                if err := r.respond(ctx, sess, req); err != nil {
                    return err
                }
            }
        }
    }
}

// assembler rebuilds requests from stream chunks. A frame start replaces
// any partial request.
type assembler struct {
    log   *zap.Logger
    cur   *task.Task
    carry []byte
}

// feed consumes one chunk and returns the requests it completed, in order.
func (a *assembler) feed(chunk []byte) []*task.Task {
    var done []*task.Task
    for len(chunk) > 0 {
        chunk = frame.Rejoin(a.carry, chunk)
        a.carry = nil
        if a.cur == nil && frame.IsStartPrefix(chunk) {
            a.carry = chunk
            break
        }
        var acc []byte
        if frame.IsFrameStart(chunk) {
            id, _ := frame.CorrelationID(chunk)
            a.cur = task.New(id, 0, nil, 0)
        } else if a.cur != nil {
            acc = a.cur.Bytes()
        }
        var rest []byte
        if cut := frame.Boundary(acc, chunk); cut > 0 {
            rest = chunk[cut:]
            chunk = chunk[:cut]
        }
        if a.cur == nil {
            a.log.Debug("dropping chunk with no request in progress", zap.Int("size", len(chunk)))
            chunk = rest
            continue
        }
        a.cur.AcceptChunk(chunk)
        if a.cur.IsComplete() {
            done = append(done, a.cur)
            a.cur = nil
        }
        chunk = rest
    }
    return done
}

// respond asks the handler for a reply to req and writes it. Handler
// failures drop the request; write failures end the session.
func (r *Responder) respond(ctx context.Context, sess *transport.Session, req *task.Task) error {
    payload := frame.Payload(req.Bytes())
    resp, err := r.handler.Respond(ctx, req.ID, payload)
    if err != nil {
        r.log.Warn("handler failed, request dropped", zap.Uint16("task_id", req.ID), zap.Error(err))
        return nil
    }
    b, err := frame.Encode(req.ID, resp)
    if err != nil {
        r.log.Warn("response not encodable, request dropped", zap.Uint16("task_id", req.ID), zap.Error(err))
        return nil
    }
    if err := sess.Write(b); err != nil {
        return fmt.Errorf("server: write response %d: %w", req.ID, err)
    }
    r.served.Add(1)
    r.log.Debug("response sent", zap.Uint16("task_id", req.ID), zap.Int("request_size", len(payload)), zap.Int("size", len(b)))
    return nil
}
