// Package pipe is an in-process transport built on net.Pipe. A Hub plays the
// role of the radio: providers attached to the same Hub can listen for and
// connect to each other by endpoint ID. It backs tests and the loopback
// self-test of the CLI.
package pipe

import (
    "context"
    "errors"
    "fmt"
    "net"
    "sync"
    "time"

    "btlink/internal/transport"
)

var ErrClosed = errors.New("pipe: provider closed")

type dialReq struct {
    from transport.Endpoint
    conn net.Conn
}

// Hub connects the providers created from it.
type Hub struct {
    mu     sync.Mutex
    queues map[string]chan dialReq
}

func NewHub() *Hub {
    return &Hub{queues: make(map[string]chan dialReq)}
}

func (h *Hub) queue(id string) chan dialReq {
    h.mu.Lock()
    defer h.mu.Unlock()
    q, ok := h.queues[id]
    if !ok {
        q = make(chan dialReq)
        h.queues[id] = q
    }
    return q
}

// Provider is one side of the hub. It implements transport.Provider and
// transport.Directory.
type Provider struct {
    hub   *Hub
    local transport.Endpoint

    mu           sync.Mutex
    bonded       []transport.Endpoint
    discoverable []transport.Endpoint
    connectErr   error
    conns        []net.Conn
    connects     int

    events    chan transport.Event
    closed    chan struct{}
    closeOnce sync.Once
}

// Provider attaches a new provider identified by local to the hub.
func (h *Hub) Provider(local transport.Endpoint) *Provider {
    return &Provider{
        hub:    h,
        local:  local,
        events: make(chan transport.Event, 16),
        closed: make(chan struct{}),
    }
}

func (p *Provider) Listen(ctx context.Context) (transport.Transport, transport.Endpoint, error) {
    q := p.hub.queue(p.local.ID)
    select {
    case <-ctx.Done():
        return nil, transport.Endpoint{}, fmt.Errorf("pipe: listen canceled: %w", ctx.Err())
    case <-p.closed:
        return nil, transport.Endpoint{}, ErrClosed
    case req := <-q:
        p.track(req.conn)
        return req.conn, req.from, nil
    }
}

func (p *Provider) Connect(ctx context.Context, ep transport.Endpoint, timeout time.Duration) (transport.Transport, error) {
    if ep.ID == "" {
        return nil, errors.New("pipe: endpoint id required")
    }
    p.mu.Lock()
    p.connects++
    injected := p.connectErr
    p.mu.Unlock()
    if injected != nil {
        return nil, injected
    }
    if timeout > 0 {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, timeout)
        defer cancel()
    }
    local, remote := net.Pipe()
    select {
    case p.hub.queue(ep.ID) <- dialReq{from: p.local, conn: remote}:
        p.track(local)
        return local, nil
    case <-ctx.Done():
        local.Close()
        remote.Close()
        return nil, fmt.Errorf("pipe: connect %s: %w", ep.ID, ctx.Err())
    case <-p.closed:
        local.Close()
        remote.Close()
        return nil, ErrClosed
    }
}

func (p *Provider) track(c net.Conn) {
    p.mu.Lock()
    p.conns = append(p.conns, c)
    p.mu.Unlock()
}

func (p *Provider) Events() <-chan transport.Event { return p.events }

// Emit injects a link event, as a radio would.
func (p *Provider) Emit(ev transport.Event) {
    select {
    case p.events <- ev:
    case <-p.closed:
    }
}

// FailConnects makes every following Connect return err; nil restores
// normal behavior.
func (p *Provider) FailConnects(err error) {
    p.mu.Lock()
    p.connectErr = err
    p.mu.Unlock()
}

// Connects reports how many Connect calls were made.
func (p *Provider) Connects() int {
    p.mu.Lock()
    defer p.mu.Unlock()
    return p.connects
}

// Break closes every stream this provider has handed out, simulating a link
// failure under the session.
func (p *Provider) Break() {
    p.mu.Lock()
    conns := p.conns
    p.conns = nil
    p.mu.Unlock()
    for _, c := range conns {
        _ = c.Close()
    }
}

func (p *Provider) SetBonded(eps ...transport.Endpoint) {
    p.mu.Lock()
    p.bonded = append([]transport.Endpoint(nil), eps...)
    p.mu.Unlock()
}

func (p *Provider) SetDiscoverable(eps ...transport.Endpoint) {
    p.mu.Lock()
    p.discoverable = append([]transport.Endpoint(nil), eps...)
    p.mu.Unlock()
}

func (p *Provider) BondedPeers(ctx context.Context) ([]transport.Endpoint, error) {
    if err := ctx.Err(); err != nil {
        return nil, err
    }
    p.mu.Lock()
    defer p.mu.Unlock()
    return append([]transport.Endpoint(nil), p.bonded...), nil
}

func (p *Provider) Scan(ctx context.Context) (<-chan transport.Endpoint, error) {
    p.mu.Lock()
    found := append([]transport.Endpoint(nil), p.discoverable...)
    p.mu.Unlock()
    out := make(chan transport.Endpoint)
    go func() {
        defer close(out)
        for _, ep := range found {
            select {
            case out <- ep:
            case <-ctx.Done():
                return
            }
        }
    }()
    return out, nil
}

func (p *Provider) Close() error {
    p.closeOnce.Do(func() {
        close(p.closed)
        p.Break()
    })
    return nil
}
