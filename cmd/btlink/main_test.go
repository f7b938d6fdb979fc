package main

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "btlink/internal/config"
    "btlink/internal/transport"
    "btlink/internal/transport/serialport"
    "btlink/internal/transport/tcp"
)

func TestParsePayload(t *testing.T) {
    b, err := parsePayload("0x50 49 4E 47")
    require.NoError(t, err)
    assert.Equal(t, []byte("PING"), b)

    b, err = parsePayload("")
    require.NoError(t, err)
    assert.Empty(t, b)

    _, err = parsePayload("zz")
    assert.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
    assert.Equal(t, transport.Endpoint{ID: "AA:BB:CC:DD:EE:FF"}, parseEndpoint(config.KindRFCOMM, "aa:bb:cc:dd:ee:ff"))
    assert.Equal(t, transport.Endpoint{ID: "127.0.0.1:7700", Addr: "127.0.0.1:7700"}, parseEndpoint(config.KindTCP, "127.0.0.1:7700"))
}

func TestNewProviderByKind(t *testing.T) {
    cfg := config.Default()
    cfg.Transport.Kind = config.KindTCP
    cfg.Transport.Listen = "127.0.0.1:0"
    cfg.Transport.Peers = []string{"127.0.0.1:1"}
    p, dir, err := newProvider(cfg, zap.NewNop())
    require.NoError(t, err)
    assert.IsType(t, &tcp.Provider{}, p)
    peers, err := dir.BondedPeers(context.Background())
    require.NoError(t, err)
    assert.Equal(t, []transport.Endpoint{{ID: "127.0.0.1:1", Addr: "127.0.0.1:1"}}, peers)
    require.NoError(t, p.Close())

    cfg.Transport.Kind = config.KindSerial
    p, _, err = newProvider(cfg, zap.NewNop())
    require.NoError(t, err)
    assert.IsType(t, &serialport.Provider{}, p)

    cfg.Transport.Kind = "smoke"
    _, _, err = newProvider(cfg, zap.NewNop())
    assert.Error(t, err)
}

func TestLoopbackMode(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    err := run(ctx, config.Default(), zap.NewNop(), options{
        mode:    "loopback",
        payload: []byte("PING"),
        count:   3,
        timeout: time.Second,
    })
    assert.NoError(t, err)
}

func TestUnknownMode(t *testing.T) {
    cfg := config.Default()
    cfg.Transport.Kind = config.KindTCP
    cfg.Transport.Listen = "127.0.0.1:0"
    err := run(context.Background(), cfg, zap.NewNop(), options{mode: "juggle"})
    assert.Error(t, err)
}

// staticDirectory streams a fixed list from Scan and a narrower one from
// ScanSPP.
type staticDirectory struct {
    all, spp []transport.Endpoint
}

func stream(eps []transport.Endpoint) <-chan transport.Endpoint {
    out := make(chan transport.Endpoint, len(eps))
    for _, ep := range eps {
        out <- ep
    }
    close(out)
    return out
}

func (d staticDirectory) BondedPeers(context.Context) ([]transport.Endpoint, error) { return nil, nil }

func (d staticDirectory) Scan(context.Context) (<-chan transport.Endpoint, error) {
    return stream(d.all), nil
}

func (d staticDirectory) ScanSPP(context.Context) (<-chan transport.Endpoint, error) {
    return stream(d.spp), nil
}

func TestListingScanPrefersSPP(t *testing.T) {
    spp := transport.Endpoint{ID: "00:11:22:33:44:55"}
    plain := transport.Endpoint{ID: "AA:BB:CC:DD:EE:FF"}
    dir := staticDirectory{all: []transport.Endpoint{spp, plain}, spp: []transport.Endpoint{spp}}

    found, err := listingScan(context.Background(), dir)
    require.NoError(t, err)
    var got []transport.Endpoint
    for ep := range found {
        got = append(got, ep)
    }
    assert.Equal(t, []transport.Endpoint{spp}, got)

    found, err = dir.Scan(context.Background())
    require.NoError(t, err)
    got = nil
    for ep := range found {
        got = append(got, ep)
    }
    assert.Len(t, got, 2, "reconnect scans see peers without the profile")
}
