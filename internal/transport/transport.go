// Package transport defines the boundary between the command engine and the
// link that carries it: an established byte stream (Transport), something
// that yields such streams and reports link events (Provider), and a peer
// directory used for reconnection (Directory).
//
// Session wraps one Transport with a receive loop and a serialized writer.
package transport

import (
    "context"
    "io"
    "time"
)

// Transport is an established bidirectional byte stream. It is not
// restartable once closed; closing it unblocks any pending Read.
type Transport interface {
    io.ReadWriteCloser
}

// Endpoint identifies a peer. ID is the stable identity used for matching
// during reconnection (MAC address, host:port, serial device name).
type Endpoint struct {
    ID   string
    Name string // optional human readable name
    Addr string // optional provider specific address (e.g. BlueZ object path)
}

func (e Endpoint) String() string {
    if e.Name != "" && e.Name != e.ID {
        return e.Name + " (" + e.ID + ")"
    }
    return e.ID
}

// IsZero reports whether no peer identity is set.
func (e Endpoint) IsZero() bool { return e.ID == "" && e.Addr == "" }

// EventKind enumerates link-level notifications.
type EventKind int

const (
    LinkEnabled EventKind = iota + 1
    LinkDisabled
    PeerConnected
    PeerDisconnected
)

func (k EventKind) String() string {
    switch k {
    case LinkEnabled:
        return "link_enabled"
    case LinkDisabled:
        return "link_disabled"
    case PeerConnected:
        return "peer_connected"
    case PeerDisconnected:
        return "peer_disconnected"
    default:
        return "unknown"
    }
}

// Event is a link state-change notification. Peer is zero for adapter-wide
// events.
type Event struct {
    Kind EventKind
    Peer Endpoint
}

// Provider yields Transports by listening or connecting.
type Provider interface {
    // Listen blocks until one peer connects or ctx is done. It is single-use
    // per call; call it again to accept the next peer.
    Listen(ctx context.Context) (Transport, Endpoint, error)

    // Connect makes a bounded-time outbound attempt.
    Connect(ctx context.Context, ep Endpoint, timeout time.Duration) (Transport, error)

    // Events delivers link notifications. Providers without link events may
    // return nil. Consumers stop reading on their own shutdown; the channel
    // is not guaranteed to be closed.
    Events() <-chan Event

    Close() error
}

// Directory resolves peers for reconnection.
type Directory interface {
    // BondedPeers returns the peers known without discovery.
    BondedPeers(ctx context.Context) ([]Endpoint, error)

    // Scan streams discovered peers. The channel is closed when the scan ends
    // (ctx done or discovery finished).
    Scan(ctx context.Context) (<-chan Endpoint, error)
}
