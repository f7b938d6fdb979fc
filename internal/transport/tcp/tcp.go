// Package tcp provides a TCP-backed transport.Provider. The byte stream is
// handed to the engine unchanged; framing is the engine's business.
package tcp

import (
    "context"
    "errors"
    "fmt"
    "net"
    "sync"
    "time"

    "go.uber.org/zap"

    "btlink/internal/transport"
)

// Provider listens on a fixed address and dials peers by Endpoint.ID
// (host:port). Its directory is a static peer list.
type Provider struct {
    listenAddr string
    peers      []transport.Endpoint
    log        *zap.Logger

    mu     sync.Mutex
    ln     net.Listener
    closed bool
}

func New(listenAddr string, peers []transport.Endpoint, log *zap.Logger) *Provider {
    if log == nil {
        log = zap.NewNop()
    }
    return &Provider{listenAddr: listenAddr, peers: peers, log: log.Named("tcp")}
}

// Addr returns the bound listen address once Listen has been called.
func (p *Provider) Addr() net.Addr {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.ln == nil {
        return nil
    }
    return p.ln.Addr()
}

// Bind opens the listening socket ahead of the first Listen call.
func (p *Provider) Bind() error {
    p.mu.Lock()
    defer p.mu.Unlock()
    return p.bindLocked()
}

func (p *Provider) bindLocked() error {
    if p.closed {
        return errors.New("tcp: closed")
    }
    if p.ln != nil {
        return nil
    }
    if p.listenAddr == "" {
        return errors.New("tcp: listen address required")
    }
    ln, err := net.Listen("tcp", p.listenAddr)
    if err != nil {
        return fmt.Errorf("tcp: listen %s: %w", p.listenAddr, err)
    }
    p.ln = ln
    p.log.Info("listening", zap.Stringer("addr", ln.Addr()))
    return nil
}

// Listen accepts exactly one connection. The listening socket stays bound
// between calls; connections arriving while nobody is in Listen wait in the
// kernel backlog.
func (p *Provider) Listen(ctx context.Context) (transport.Transport, transport.Endpoint, error) {
    p.mu.Lock()
    if err := p.bindLocked(); err != nil {
        p.mu.Unlock()
        return nil, transport.Endpoint{}, err
    }
    ln := p.ln
    p.mu.Unlock()

    type result struct {
        c   net.Conn
        err error
    }
    ch := make(chan result, 1)
    go func() {
        c, err := ln.Accept()
        ch <- result{c, err}
    }()
    select {
    case <-ctx.Done():
        // Closing the listener is the only way to unblock Accept.
        p.mu.Lock()
        if p.ln == ln {
            _ = ln.Close()
            p.ln = nil
        }
        p.mu.Unlock()
        if r := <-ch; r.c != nil {
            _ = r.c.Close()
        }
        return nil, transport.Endpoint{}, fmt.Errorf("tcp: accept canceled: %w", ctx.Err())
    case r := <-ch:
        if r.err != nil {
            return nil, transport.Endpoint{}, fmt.Errorf("tcp: accept: %w", r.err)
        }
        remote := r.c.RemoteAddr().String()
        return r.c, transport.Endpoint{ID: remote, Addr: remote}, nil
    }
}

func (p *Provider) Connect(ctx context.Context, ep transport.Endpoint, timeout time.Duration) (transport.Transport, error) {
    addr := ep.Addr
    if addr == "" {
        addr = ep.ID
    }
    if addr == "" {
        return nil, errors.New("tcp: endpoint address required")
    }
    d := &net.Dialer{Timeout: timeout}
    c, err := d.DialContext(ctx, "tcp", addr)
    if err != nil {
        return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
    }
    return c, nil
}

// Events returns nil: TCP has no radio or ACL notifications; link loss is
// observed as a read error on the session.
func (p *Provider) Events() <-chan transport.Event { return nil }

func (p *Provider) BondedPeers(ctx context.Context) ([]transport.Endpoint, error) {
    return append([]transport.Endpoint(nil), p.peers...), ctx.Err()
}

// Scan reports the configured peers that currently accept connections.
func (p *Provider) Scan(ctx context.Context) (<-chan transport.Endpoint, error) {
    out := make(chan transport.Endpoint)
    go func() {
        defer close(out)
        for _, ep := range p.peers {
            addr := ep.Addr
            if addr == "" {
                addr = ep.ID
            }
            d := &net.Dialer{Timeout: time.Second}
            c, err := d.DialContext(ctx, "tcp", addr)
            if err != nil {
                continue
            }
            _ = c.Close()
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
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed {
        return nil
    }
    p.closed = true
    if p.ln != nil {
        err := p.ln.Close()
        p.ln = nil
        return err
    }
    return nil
}
