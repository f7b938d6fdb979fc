//go:build linux

package connmgr

import (
    "context"
    "errors"
    "fmt"
    "strconv"
    "sync"
    "sync/atomic"
    "time"

    dbus "github.com/godbus/dbus/v5"
    "go.uber.org/zap"

    "btlink/internal/transport"
)

var pathCounter uint64

// Provider is the BlueZ implementation of transport.Provider and
// transport.Directory.
type Provider struct {
    opts Options
    log  *zap.Logger
    bus  *dbus.Conn

    mu     sync.Mutex
    closed bool

    srvProf    *profile
    serverPath dbus.ObjectPath
    cliProf    *profile
    clientPath dbus.ObjectPath

    events chan transport.Event
    done   chan struct{}
    wg     sync.WaitGroup

    // cleanup functions to release resources in Close (executed once, in reverse order).
    cleanup []func()
}

// New connects to the system bus and starts watching adapter and device
// property changes. The adapter's current power state is reported as the
// first event.
func New(opts Options) (*Provider, error) {
    if opts.Logger == nil {
        opts.Logger = zap.NewNop()
    }
    bus, err := dbus.SystemBus()
    if err != nil {
        return nil, fmt.Errorf("connmgr: connect system bus: %w", err)
    }
    p := &Provider{
        opts:   opts,
        log:    opts.Logger.Named("connmgr"),
        bus:    bus,
        events: make(chan transport.Event, 16),
        done:   make(chan struct{}),
    }
    // Close the bus last during cleanup.
    p.cleanup = append(p.cleanup, func() { _ = bus.Close() })
    if err := p.watch(); err != nil {
        _ = p.Close()
        return nil, err
    }
    return p, nil
}

func (p *Provider) managedObjects() (managedObjects, error) {
    obj := p.bus.Object(bluezService, dbus.ObjectPath("/"))
    var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
    if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
        return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
    } else if err := call.Store(&objs); err != nil {
        return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
    }
    return managedObjects(objs), nil
}

// watch subscribes to PropertiesChanged and forwards adapter power and
// device connection changes as events.
func (p *Provider) watch() error {
    match := []dbus.MatchOption{
        dbus.WithMatchInterface(propsIface),
        dbus.WithMatchMember("PropertiesChanged"),
    }
    if err := p.bus.AddMatchSignal(match...); err != nil {
        return fmt.Errorf("connmgr: AddMatchSignal: %w", err)
    }
    sigCh := make(chan *dbus.Signal, 32)
    p.bus.Signal(sigCh)
    p.cleanup = append(p.cleanup, func() {
        p.bus.RemoveSignal(sigCh)
        _ = p.bus.RemoveMatchSignal(match...)
    })

    initial, havePower := p.adapterPowered()

    p.wg.Add(1)
    go func() {
        defer p.wg.Done()
        if havePower {
            kind := transport.LinkDisabled
            if initial {
                kind = transport.LinkEnabled
            }
            if !p.emit(transport.Event{Kind: kind}) {
                return
            }
        }
        for {
            select {
            case <-p.done:
                return
            case sig := <-sigCh:
                if sig == nil || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
                    continue
                }
                iface, _ := sig.Body[0].(string)
                changed, _ := sig.Body[1].(map[string]dbus.Variant)
                ev, ok := eventFromProps(sig.Path, iface, changed)
                if !ok {
                    continue
                }
                p.log.Debug("bluez event", zap.Stringer("kind", ev.Kind), zap.Stringer("peer", ev.Peer))
                if !p.emit(ev) {
                    return
                }
            }
        }
    }()
    return nil
}

func (p *Provider) emit(ev transport.Event) bool {
    select {
    case p.events <- ev:
        return true
    case <-p.done:
        return false
    }
}

// adapterPowered reads Adapter1.Powered of the first adapter.
func (p *Provider) adapterPowered() (on, ok bool) {
    objs, err := p.managedObjects()
    if err != nil {
        p.log.Warn("adapter state unavailable", zap.Error(err))
        return false, false
    }
    for _, ap := range adaptersFrom(objs) {
        if v, found := objs[ap][adapterIface]["Powered"]; found {
            on, ok = v.Value().(bool)
            return on, ok
        }
    }
    return false, false
}

// Events implements transport.Provider.
func (p *Provider) Events() <-chan transport.Event { return p.events }

// registerLocked exports prof at a unique path and registers it with BlueZ.
func (p *Provider) registerLocked(prof *profile, kind string, opts map[string]dbus.Variant) (dbus.ObjectPath, error) {
    id := atomic.AddUint64(&pathCounter, 1)
    path := dbus.ObjectPath("/org/btlink/connmgr/" + kind + "/p" + strconv.FormatUint(id, 10))
    if err := p.bus.Export(prof, path, profileInterfaceName); err != nil {
        return "", fmt.Errorf("connmgr: export %s profile: %w", kind, err)
    }
    pm := p.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
    if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, SPPUUID, opts); call.Err != nil {
        _ = p.bus.Export(nil, path, profileInterfaceName)
        return "", fmt.Errorf("connmgr: RegisterProfile(%s): %w", kind, call.Err)
    }
    // Unregister before closing the bus.
    p.cleanup = append(p.cleanup, func() {
        _ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
        _ = p.bus.Export(nil, path, profileInterfaceName)
    })
    return path, nil
}

// Listen registers the server profile on first use (RFCOMM channel 22) and
// waits for one incoming connection. Call it again after the returned
// transport is closed to accept the next peer.
func (p *Provider) Listen(ctx context.Context) (transport.Transport, transport.Endpoint, error) {
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return nil, transport.Endpoint{}, errClosed
    }
    if p.srvProf == nil {
        if p.opts.ServiceName == "" {
            p.mu.Unlock()
            return nil, transport.Endpoint{}, errors.New("connmgr: ServiceName required")
        }
        prof := newProfile()
        path, err := p.registerLocked(prof, "server", map[string]dbus.Variant{
            "Name": dbus.MakeVariant(p.opts.ServiceName),
            "Role": dbus.MakeVariant("server"),
            // BlueZ expects Channel as a uint16 (not byte).
            "Channel": dbus.MakeVariant(uint16(DefaultRFCOMMChannel)),
        })
        if err != nil {
            p.mu.Unlock()
            return nil, transport.Endpoint{}, err
        }
        p.srvProf, p.serverPath = prof, path
        p.log.Info("server profile registered", zap.String("service", p.opts.ServiceName), zap.Uint8("channel", DefaultRFCOMMChannel))
    }
    prof := p.srvProf
    p.mu.Unlock()

    ch, err := prof.arm()
    if err != nil {
        return nil, transport.Endpoint{}, err
    }
    select {
    case <-ctx.Done():
        prof.disarm()
        return nil, transport.Endpoint{}, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
    case <-p.done:
        prof.disarm()
        return nil, transport.Endpoint{}, errClosed
    case res := <-ch:
        ep := p.describe(res.dev)
        p.log.Info("accepted", zap.Stringer("peer", ep))
        return newConn(res, prof), ep, nil
    }
}

// describe fills in name details for a device from BlueZ, best effort.
func (p *Provider) describe(dev Device) transport.Endpoint {
    objs, err := p.managedObjects()
    if err != nil {
        return dev.Endpoint()
    }
    if full, ok := deviceFromIfaces(dbus.ObjectPath(dev.Path), objs[dbus.ObjectPath(dev.Path)]); ok {
        return full.Endpoint()
    }
    return dev.Endpoint()
}

// Connect pairs with the device if needed, then asks BlueZ to connect the
// SPP profile and waits for the client profile to receive the socket.
func (p *Provider) Connect(ctx context.Context, ep transport.Endpoint, timeout time.Duration) (transport.Transport, error) {
    if ep.IsZero() {
        return nil, errors.New("connmgr: device required")
    }
    if timeout > 0 {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, timeout)
        defer cancel()
    }

    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return nil, errClosed
    }
    if p.cliProf == nil {
        prof := newProfile()
        path, err := p.registerLocked(prof, "client", map[string]dbus.Variant{
            "Role": dbus.MakeVariant("client"),
        })
        if err != nil {
            p.mu.Unlock()
            return nil, err
        }
        p.cliProf, p.clientPath = prof, path
    }
    prof := p.cliProf
    p.mu.Unlock()

    objs, err := p.managedObjects()
    if err != nil {
        return nil, err
    }
    devPath, ok := devicePath(ep, objs)
    if !ok {
        return nil, fmt.Errorf("connmgr: device %s unknown to adapter", ep)
    }

    ch, err := prof.arm()
    if err != nil {
        return nil, err
    }
    devObj := p.bus.Object(bluezService, devPath)
    if err := p.pairIfNeeded(ctx, devObj); err != nil {
        prof.disarm()
        return nil, err
    }
    if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
        prof.disarm()
        return nil, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
    }

    select {
    case <-ctx.Done():
        prof.disarm()
        return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
    case <-p.done:
        prof.disarm()
        return nil, errClosed
    case res := <-ch:
        p.log.Info("connected", zap.Stringer("peer", ep), zap.String("path", string(devPath)))
        return newConn(res, prof), nil
    }
}

// pairIfNeeded calls Device1.Pair when Paired is false. A pre-registered
// BlueZ Agent (external to this package) must handle the exchange.
func (p *Provider) pairIfNeeded(ctx context.Context, devObj dbus.BusObject) error {
    var paired dbus.Variant
    call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired")
    if call.Err != nil || call.Store(&paired) != nil {
        return nil
    }
    if b, ok := paired.Value().(bool); ok && !b {
        if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
            return fmt.Errorf("connmgr: Pair: %w", err)
        }
    }
    return nil
}

// BondedPeers implements transport.Directory with the adapter's paired devices.
func (p *Provider) BondedPeers(ctx context.Context) ([]transport.Endpoint, error) {
    if err := p.usable(ctx); err != nil {
        return nil, err
    }
    objs, err := p.managedObjects()
    if err != nil {
        return nil, err
    }
    var out []transport.Endpoint
    for _, d := range devicesFrom(objs, pairedDevice) {
        out = append(out, d.Endpoint())
    }
    return out, nil
}

// Scan starts discovery on all adapters and streams every device, known
// ones first, then those reported by InterfacesAdded, until ctx is done.
// Devices that have not yet advertised their UUIDs are included.
func (p *Provider) Scan(ctx context.Context) (<-chan transport.Endpoint, error) {
    return p.scan(ctx, anyDevice)
}

// ScanSPP is Scan limited to devices advertising the serial port profile.
func (p *Provider) ScanSPP(ctx context.Context) (<-chan transport.Endpoint, error) {
    return p.scan(ctx, sppDevice)
}

func (p *Provider) scan(ctx context.Context, keep func(Device) bool) (<-chan transport.Endpoint, error) {
    if err := p.usable(ctx); err != nil {
        return nil, err
    }
    objs, err := p.managedObjects()
    if err != nil {
        return nil, err
    }
    match := []dbus.MatchOption{
        dbus.WithMatchInterface(objManagerIface),
        dbus.WithMatchMember("InterfacesAdded"),
    }
    if err := p.bus.AddMatchSignal(match...); err != nil {
        return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
    }
    sigCh := make(chan *dbus.Signal, 16)
    p.bus.Signal(sigCh)

    adapters := adaptersFrom(objs)
    for _, ap := range adapters {
        // best-effort; discovery may already be running
        _ = p.bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
    }

    out := make(chan transport.Endpoint)
    p.wg.Add(1)
    go func() {
        defer p.wg.Done()
        defer close(out)
        defer func() {
            for _, ap := range adapters {
                _ = p.bus.Object(bluezService, ap).Call(adapterIface+".StopDiscovery", 0).Err
            }
            p.bus.RemoveSignal(sigCh)
            _ = p.bus.RemoveMatchSignal(match...)
        }()

        seen := make(map[string]bool)
        send := func(d Device) bool {
            if !keep(d) || seen[d.Path] {
                return true
            }
            seen[d.Path] = true
            select {
            case out <- d.Endpoint():
                return true
            case <-ctx.Done():
                return false
            case <-p.done:
                return false
            }
        }
        for _, d := range devicesFrom(objs, anyDevice) {
            if !send(d) {
                return
            }
        }
        for {
            select {
            case <-ctx.Done():
                return
            case <-p.done:
                return
            case sig := <-sigCh:
                if sig == nil || sig.Name != objManagerIface+".InterfacesAdded" || len(sig.Body) < 2 {
                    continue
                }
                path, _ := sig.Body[0].(dbus.ObjectPath)
                ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
                if d, ok := deviceFromIfaces(path, ifaces); ok && !send(d) {
                    return
                }
            }
        }
    }()
    return out, nil
}

func (p *Provider) usable(ctx context.Context) error {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed {
        return errClosed
    }
    return ctx.Err()
}

// Close is safe for concurrent and redundant calls (idempotent).
func (p *Provider) Close() error {
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return nil
    }
    p.closed = true
    cleanup := p.cleanup
    // Clear to allow GC of captured resources.
    p.cleanup = nil
    close(p.done)
    p.mu.Unlock()

    p.wg.Wait()
    // Run cleanup outside the lock in reverse order of registration.
    for i := len(cleanup) - 1; i >= 0; i-- {
        if cleanup[i] != nil {
            cleanup[i]()
        }
    }
    return nil
}
