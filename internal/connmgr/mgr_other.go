//go:build !linux

package connmgr

import (
    "context"
    "time"

    "btlink/internal/transport"
)

// Provider is unavailable outside linux; New always fails.
type Provider struct{}

func New(Options) (*Provider, error) { return nil, errUnsupported }

func (*Provider) Listen(context.Context) (transport.Transport, transport.Endpoint, error) {
    return nil, transport.Endpoint{}, errUnsupported
}

func (*Provider) Connect(context.Context, transport.Endpoint, time.Duration) (transport.Transport, error) {
    return nil, errUnsupported
}

func (*Provider) Events() <-chan transport.Event { return nil }

func (*Provider) BondedPeers(context.Context) ([]transport.Endpoint, error) {
    return nil, errUnsupported
}

func (*Provider) Scan(context.Context) (<-chan transport.Endpoint, error) {
    return nil, errUnsupported
}

func (*Provider) ScanSPP(context.Context) (<-chan transport.Endpoint, error) {
    return nil, errUnsupported
}

func (*Provider) Close() error { return nil }
