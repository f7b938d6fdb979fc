package pipe

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "btlink/internal/transport"
)

var (
    srvEP = transport.Endpoint{ID: "srv"}
    cliEP = transport.Endpoint{ID: "cli"}
)

func TestListenConnect(t *testing.T) {
    hub := NewHub()
    srv, cli := hub.Provider(srvEP), hub.Provider(cliEP)
    defer srv.Close()
    defer cli.Close()

    type accepted struct {
        tr   transport.Transport
        peer transport.Endpoint
        err  error
    }
    ch := make(chan accepted, 1)
    go func() {
        tr, peer, err := srv.Listen(context.Background())
        ch <- accepted{tr, peer, err}
    }()

    conn, err := cli.Connect(context.Background(), srvEP, time.Second)
    require.NoError(t, err)
    a := <-ch
    require.NoError(t, a.err)
    assert.Equal(t, cliEP, a.peer)

    go func() { _, _ = conn.Write([]byte("hi")) }()
    buf := make([]byte, 2)
    n, err := a.tr.Read(buf)
    require.NoError(t, err)
    assert.Equal(t, "hi", string(buf[:n]))

    srv.Break()
    _, err = conn.Read(buf)
    assert.Error(t, err)
    assert.Equal(t, 1, cli.Connects())
}

func TestConnectTimesOutWithoutListener(t *testing.T) {
    hub := NewHub()
    cli := hub.Provider(cliEP)
    _, err := cli.Connect(context.Background(), srvEP, 20*time.Millisecond)
    assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailConnects(t *testing.T) {
    cli := NewHub().Provider(cliEP)
    boom := errors.New("boom")
    cli.FailConnects(boom)
    _, err := cli.Connect(context.Background(), srvEP, time.Second)
    assert.ErrorIs(t, err, boom)
}

func TestDirectory(t *testing.T) {
    p := NewHub().Provider(cliEP)
    p.SetBonded(srvEP)
    p.SetDiscoverable(srvEP, transport.Endpoint{ID: "other"})

    bonded, err := p.BondedPeers(context.Background())
    require.NoError(t, err)
    assert.Equal(t, []transport.Endpoint{srvEP}, bonded)

    found, err := p.Scan(context.Background())
    require.NoError(t, err)
    var got []string
    for ep := range found {
        got = append(got, ep.ID)
    }
    assert.Equal(t, []string{"srv", "other"}, got)
}

func TestCloseUnblocksListen(t *testing.T) {
    p := NewHub().Provider(srvEP)
    errc := make(chan error, 1)
    go func() {
        _, _, err := p.Listen(context.Background())
        errc <- err
    }()
    require.NoError(t, p.Close())
    select {
    case err := <-errc:
        assert.ErrorIs(t, err, ErrClosed)
    case <-time.After(time.Second):
        t.Fatal("listen still blocked")
    }
}
