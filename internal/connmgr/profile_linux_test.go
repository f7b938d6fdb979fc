//go:build linux

package connmgr

import (
    "os"
    "syscall"
    "testing"

    dbus "github.com/godbus/dbus/v5"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

// socketFD returns one end of a socket pair as a raw FD, as BlueZ would hand
// it over, and the peer end as a file.
func socketFD(t *testing.T) (int, *os.File) {
    t.Helper()
    fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
    require.NoError(t, err)
    peer := os.NewFile(uintptr(fds[1]), "peer")
    t.Cleanup(func() { _ = peer.Close() })
    return fds[0], peer
}

func dbusFD(fd int) dbus.UnixFD { return dbus.UnixFD(fd) }

func TestProfileRejectsWhenNotArmed(t *testing.T) {
    p := newProfile()
    fd, _ := socketFD(t)
    derr := p.NewConnection(devPath, dbusFD(fd), nil)
    require.NotNil(t, derr)
    assert.Equal(t, "org.bluez.Error.Rejected", derr.Name)
}

func TestProfileDeliversOnceAndRearms(t *testing.T) {
    p := newProfile()
    ch, err := p.arm()
    require.NoError(t, err)

    fd, peer := socketFD(t)
    require.Nil(t, p.NewConnection(devPath, dbusFD(fd), nil))
    res := <-ch
    assert.Equal(t, "00:11:22:33:44:55", res.dev.MAC)

    // a second connection while the first is active is rejected
    fd2, _ := socketFD(t)
    assert.NotNil(t, p.NewConnection(devPath, dbusFD(fd2), nil))
    _, err = p.arm()
    assert.ErrorIs(t, err, errBusy)

    c := newConn(res, p)
    _, err = peer.Write([]byte{0xAA, 0xBB})
    require.NoError(t, err)
    buf := make([]byte, 2)
    n, err := c.Read(buf)
    require.NoError(t, err)
    assert.Equal(t, 2, n)

    require.NoError(t, c.Close())
    _, err = p.arm()
    assert.NoError(t, err, "closing the conn re-arms the profile")
}

func TestProfileDisarmClosesLateDelivery(t *testing.T) {
    p := newProfile()
    _, err := p.arm()
    require.NoError(t, err)
    fd, _ := socketFD(t)
    require.Nil(t, p.NewConnection(devPath, dbusFD(fd), nil))

    p.disarm()
    _, err = p.arm()
    assert.NoError(t, err)
}
