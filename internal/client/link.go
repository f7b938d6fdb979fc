package client

import (
    "context"
    "errors"
    "fmt"

    "go.uber.org/zap"

    "btlink/internal/transport"
)

// Connect establishes the link to ep and remembers it for reconnection.
// Queued tasks are admitted as soon as the link is up. A second Connect
// while one is running fails with ErrConnectionInProgress; Connect on an
// already connected client returns nil.
func (c *Client) Connect(ctx context.Context, ep transport.Endpoint) error {
    if ep.IsZero() {
        return errors.New("client: endpoint required")
    }
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return ErrClosed
    }
    if !c.radioOn {
        c.mu.Unlock()
        return ErrLinkUnavailable
    }
    switch c.state {
    case Connecting:
        c.mu.Unlock()
        return ErrConnectionInProgress
    case Connected:
        c.mu.Unlock()
        c.log.Debug("already connected", zap.Stringer("endpoint", ep))
        return nil
    }
    c.state = Connecting
    c.endpoint = ep
    c.mu.Unlock()

    return c.dial(ctx, ep)
}

// Disconnect drops the link. Outstanding tasks fail with ErrLinkLost; the
// remembered endpoint is kept.
func (c *Client) Disconnect() {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.dropLinkLocked(fmt.Errorf("%w: disconnected locally", ErrLinkLost))
}

// dial performs the blocking connect for a client already in Connecting.
func (c *Client) dial(ctx context.Context, ep transport.Endpoint) error {
    c.log.Info("connecting", zap.Stringer("endpoint", ep), zap.Duration("timeout", c.opts.ConnectTimeout))
    tr, err := c.provider.Connect(ctx, ep, c.opts.ConnectTimeout)

    c.mu.Lock()
    if err == nil && (c.closed || c.state != Connecting) {
        // The attempt was overtaken (radio off, Close) while it was blocked.
        _ = tr.Close()
        c.mu.Unlock()
        if c.closed {
            return ErrClosed
        }
        return fmt.Errorf("%w: connect to %s abandoned", ErrLinkNotConnected, ep)
    }
    if err != nil {
        err = fmt.Errorf("%w: connect to %s: %w", ErrLinkNotConnected, ep, err)
        if c.state == Connecting {
            c.state = Disconnected
            c.failAllLocked(err)
        }
        c.mu.Unlock()
        c.log.Warn("connect failed", zap.Stringer("endpoint", ep), zap.Error(err))
        return err
    }
    c.attachLocked(tr, ep)
    out := c.drainLocked()
    c.mu.Unlock()

    c.log.Info("connected", zap.Stringer("endpoint", ep), zap.Int("admitted", len(out)))
    c.write(out)
    return nil
}

func (c *Client) attachLocked(tr transport.Transport, ep transport.Endpoint) {
    sess := transport.NewSession(tr, ep, c.log, c.opts.ReadBuffer)
    c.session = sess
    c.state = Connected
    c.assembling = nil
    c.carry = nil
    sess.Start()
    c.wg.Add(1)
    go c.pump(sess)
}

// pump hands chunks from the session's receive loop to the dispatcher and
// reports the session's end.
func (c *Client) pump(sess *transport.Session) {
    defer c.wg.Done()
    for chunk := range sess.Chunks() {
        c.onChunk(sess, chunk)
    }
    c.sessionEnded(sess, sess.Err())
}

// sessionEnded converts a transport failure into link loss, once per session.
func (c *Client) sessionEnded(sess *transport.Session, cause error) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.session != sess {
        return
    }
    c.dropLinkLocked(fmt.Errorf("%w: %w", ErrLinkLost, cause))
}

// dropLinkLocked cancels the session, marks the link down and fails every
// outstanding task with cause.
func (c *Client) dropLinkLocked(cause error) {
    sess := c.session
    c.session = nil
    prev := c.state
    c.state = Disconnected
    if sess != nil {
        _ = sess.Close()
    }
    if prev != Disconnected {
        c.log.Info("link down", zap.Stringer("was", prev), zap.Error(cause))
    }
    c.failAllLocked(cause)
}

// startReconnectLocked launches a reconnection to the remembered endpoint.
func (c *Client) startReconnectLocked() {
    if c.state != Disconnected || c.endpoint.IsZero() || c.closed {
        return
    }
    c.state = Connecting
    ep := c.endpoint
    c.wg.Add(1)
    go func() {
        defer c.wg.Done()
        c.reconnect(ep)
    }()
}

func (c *Client) reconnect(ep transport.Endpoint) {
    c.log.Info("reconnecting", zap.Stringer("endpoint", ep))
    target, err := c.resolvePeer(ep)
    if err != nil {
        err = fmt.Errorf("%w: reconnect %s: %w", ErrLinkNotConnected, ep, err)
        c.log.Warn("reconnect failed", zap.Error(err))
        c.mu.Lock()
        if c.state == Connecting {
            c.state = Disconnected
            c.failAllLocked(err)
        }
        c.mu.Unlock()
        return
    }
    _ = c.dial(c.ctx, target)
}

// resolvePeer looks ep up among bonded peers, then by discovery scan,
// matching on endpoint ID. Without a directory ep is dialed as is.
func (c *Client) resolvePeer(ep transport.Endpoint) (transport.Endpoint, error) {
    if c.dir == nil {
        return ep, nil
    }
    bonded, err := c.dir.BondedPeers(c.ctx)
    if err != nil {
        c.log.Warn("bonded peers unavailable", zap.Error(err))
    }
    for _, p := range bonded {
        if p.ID == ep.ID {
            return p, nil
        }
    }

    c.log.Info("peer not bonded, scanning", zap.Stringer("endpoint", ep), zap.Duration("timeout", c.opts.ScanTimeout))
    ctx, cancel := context.WithTimeout(c.ctx, c.opts.ScanTimeout)
    defer cancel()
    found, err := c.dir.Scan(ctx)
    if err != nil {
        return transport.Endpoint{}, fmt.Errorf("scan: %w", err)
    }
    for p := range found {
        if p.ID == ep.ID {
            cancel()
            return p, nil
        }
    }
    return transport.Endpoint{}, fmt.Errorf("peer %s not found", ep)
}

func (c *Client) eventLoop(events <-chan transport.Event) {
    defer c.wg.Done()
    for {
        select {
        case <-c.ctx.Done():
            return
        case ev, ok := <-events:
            if !ok {
                return
            }
            c.handleEvent(ev)
        }
    }
}

func (c *Client) handleEvent(ev transport.Event) {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.log.Debug("link event", zap.Stringer("kind", ev.Kind), zap.Stringer("peer", ev.Peer))
    switch ev.Kind {
    case transport.LinkDisabled:
        c.radioOn = false
        c.dropLinkLocked(fmt.Errorf("%w: radio turned off", ErrLinkUnavailable))
    case transport.LinkEnabled:
        // Nothing to do until the next submission needs the link.
        c.radioOn = true
    case transport.PeerDisconnected:
        if c.state == Disconnected {
            return
        }
        if !ev.Peer.IsZero() && ev.Peer.ID != c.endpoint.ID {
            return
        }
        c.dropLinkLocked(fmt.Errorf("%w: peer %s disconnected", ErrLinkLost, ev.Peer))
    }
}
