// Package client is the requesting side of the engine. It queues commands,
// admits at most one command per type onto the shared stream, routes reply
// chunks back by correlation id, and keeps the link up: it remembers the
// last endpoint, reconnects lazily on the next submission and fails every
// outstanding command when the link goes away.
//
// All queue, in-flight and link state is guarded by one mutex per Client.
// Blocking work (connect, scan, reads, writes) happens outside it.
package client

import (
    "context"
    "sort"
    "sync"
    "time"

    "go.uber.org/zap"

    "btlink/internal/task"
    "btlink/internal/transport"
)

const (
    DefaultConnectTimeout = 15 * time.Second
    DefaultScanTimeout    = 12 * time.Second
)

// LinkState is the client's view of the connection.
type LinkState int

const (
    Disconnected LinkState = iota
    Connecting
    Connected
)

func (s LinkState) String() string {
    switch s {
    case Disconnected:
        return "disconnected"
    case Connecting:
        return "connecting"
    case Connected:
        return "connected"
    default:
        return "unknown"
    }
}

// Options configures a Client. Provider is required.
type Options struct {
    Provider  transport.Provider
    Directory transport.Directory // optional; without it reconnection dials the remembered endpoint as is
    Logger    *zap.Logger

    DefaultTimeout time.Duration // per task; task.DefaultTimeout when zero
    ConnectTimeout time.Duration
    ScanTimeout    time.Duration
    ReadBuffer     int

    // RadioOff starts the client with the link marked unavailable until a
    // LinkEnabled event arrives.
    RadioOff bool
}

// Client is safe for concurrent use.
type Client struct {
    provider transport.Provider
    dir      transport.Directory
    log      *zap.Logger
    opts     Options

    mu         sync.Mutex
    state      LinkState
    radioOn    bool
    closed     bool
    endpoint   transport.Endpoint
    session    *transport.Session
    pending    []*task.Task
    inflight   map[uint16]*task.Task
    busy       map[int]*task.Task // type -> in-flight task
    live       map[uint16]struct{}
    assembling *task.Task
    carry      []byte // short frame-start prefix waiting for more bytes
    nextID     uint16

    ctx    context.Context
    cancel context.CancelFunc
    wg     sync.WaitGroup
}

func New(opts Options) *Client {
    if opts.Logger == nil {
        opts.Logger = zap.NewNop()
    }
    if opts.DefaultTimeout <= 0 {
        opts.DefaultTimeout = task.DefaultTimeout
    }
    if opts.ConnectTimeout <= 0 {
        opts.ConnectTimeout = DefaultConnectTimeout
    }
    if opts.ScanTimeout <= 0 {
        opts.ScanTimeout = DefaultScanTimeout
    }
    ctx, cancel := context.WithCancel(context.Background())
    c := &Client{
        provider: opts.Provider,
        dir:      opts.Directory,
        log:      opts.Logger.Named("client"),
        opts:     opts,
        radioOn:  !opts.RadioOff,
        inflight: make(map[uint16]*task.Task),
        busy:     make(map[int]*task.Task),
        live:     make(map[uint16]struct{}),
        ctx:      ctx,
        cancel:   cancel,
    }
    if events := opts.Provider.Events(); events != nil {
        c.wg.Add(1)
        go c.eventLoop(events)
    }
    return c
}

// State returns the current link state.
func (c *Client) State() LinkState {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.state
}

// Available reports whether the radio is on, as last reported by the
// provider's link events.
func (c *Client) Available() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.radioOn
}

// Endpoint returns the remembered reconnection target.
func (c *Client) Endpoint() transport.Endpoint {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.endpoint
}

// SetEndpoint replaces the remembered endpoint. It is the only way to change
// or clear it; disconnects never do. An active session is left alone.
func (c *Client) SetEndpoint(ep transport.Endpoint) {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.endpoint = ep
}

// Stats is a snapshot of the dispatcher.
type Stats struct {
    State         LinkState
    Pending       int
    InFlight      int
    InFlightTypes []int
}

func (c *Client) Stats() Stats {
    c.mu.Lock()
    defer c.mu.Unlock()
    st := Stats{State: c.state, Pending: len(c.pending), InFlight: len(c.inflight)}
    for typ := range c.busy {
        st.InFlightTypes = append(st.InFlightTypes, typ)
    }
    sort.Ints(st.InFlightTypes)
    return st
}

// Close tears the link down, fails every outstanding task with ErrClosed and
// stops background goroutines. The provider is not closed.
func (c *Client) Close() error {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return nil
    }
    c.closed = true
    c.dropLinkLocked(ErrClosed)
    c.mu.Unlock()

    c.cancel()
    c.wg.Wait()
    return nil
}
