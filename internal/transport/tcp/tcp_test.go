package tcp

import (
    "context"
    "io"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "btlink/internal/transport"
)

func TestListenConnect(t *testing.T) {
    srv := New("127.0.0.1:0", nil, nil)
    require.NoError(t, srv.Bind())
    defer srv.Close()
    addr := srv.Addr().String()

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    type accepted struct {
        t   transport.Transport
        err error
    }
    ch := make(chan accepted, 1)
    go func() {
        tr, _, err := srv.Listen(ctx)
        ch <- accepted{tr, err}
    }()

    cli := New("", []transport.Endpoint{{ID: addr}}, nil)
    c, err := cli.Connect(ctx, transport.Endpoint{ID: addr}, time.Second)
    require.NoError(t, err)
    defer c.Close()

    a := <-ch
    require.NoError(t, a.err)
    defer a.t.Close()

    _, err = c.Write([]byte("ping"))
    require.NoError(t, err)
    buf := make([]byte, 4)
    _, err = io.ReadFull(a.t, buf)
    require.NoError(t, err)
    assert.Equal(t, "ping", string(buf))

    peers, err := cli.BondedPeers(ctx)
    require.NoError(t, err)
    assert.Equal(t, []transport.Endpoint{{ID: addr}}, peers)

    scan, err := cli.Scan(ctx)
    require.NoError(t, err)
    var found []transport.Endpoint
    for ep := range scan {
        found = append(found, ep)
    }
    assert.Equal(t, peers, found)
}

func TestListenCanceled(t *testing.T) {
    srv := New("127.0.0.1:0", nil, nil)
    defer srv.Close()
    ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
    defer cancel()
    _, _, err := srv.Listen(ctx)
    assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectRequiresAddress(t *testing.T) {
    _, err := New("", nil, nil).Connect(context.Background(), transport.Endpoint{}, time.Second)
    assert.Error(t, err)
}
