//go:build linux

package connmgr

import (
    "os"
    "sync"
    "syscall"

    dbus "github.com/godbus/dbus/v5"
)

// profile implements org.bluez.Profile1 and forwards NewConnection events to
// one armed waiter at a time.
type profile struct {
    mu     sync.Mutex
    ch     chan acceptResult // capacity 1; holds at most one undelivered FD
    armed  bool              // a Listen or Connect is waiting
    active bool              // a delivered FD has not been released yet
}

type acceptResult struct {
    fd  int
    dev Device
}

func newProfile() *profile {
    return &profile{ch: make(chan acceptResult, 1)}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the owner of the FD closes it.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the armed waiter.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
    res := acceptResult{
        fd:  int(fd),
        dev: Device{Path: string(dev), MAC: macFromPath(dev)},
    }
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.active || !p.armed {
        // No receiver or a connection is already in use; close FD and reject.
        _ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
        return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"not accepting"}}
    }
    p.armed = false
    p.active = true
    p.ch <- res
    return nil
}

// arm prepares for one delivery.
func (p *profile) arm() (<-chan acceptResult, error) {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.active {
        return nil, errBusy
    }
    p.armed = true
    return p.ch, nil
}

// disarm abandons a wait. An FD delivered in the meantime is closed.
func (p *profile) disarm() {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.armed = false
    select {
    case res := <-p.ch:
        _ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
        p.active = false
    default:
    }
}

// release marks the delivered FD as closed so the profile can accept again.
func (p *profile) release() {
    p.mu.Lock()
    p.active = false
    p.mu.Unlock()
}

// conn is an RFCOMM socket handed to the transport layer.
type conn struct {
    *os.File
    once    sync.Once
    onClose func()
}

// newConn switches the socket to non-blocking mode so the runtime poller
// owns it and Close unblocks a pending Read.
func newConn(res acceptResult, p *profile) *conn {
    _ = syscall.SetNonblock(res.fd, true)
    return &conn{File: os.NewFile(uintptr(res.fd), "rfcomm"), onClose: p.release}
}

func (c *conn) Close() error {
    err := c.File.Close()
    c.once.Do(c.onClose)
    return err
}
