// Package connmgr provides RFCOMM SPP byte streams through BlueZ over D-Bus.
//
// Provider registers Serial Port profiles with BlueZ, hands the socket FDs
// delivered through Profile1.NewConnection to callers as transport.Transport
// values, resolves peers from the adapter's managed objects and translates
// adapter and device property changes into transport events.
//
// Thread-safety: all Provider methods are safe for concurrent use. At most
// one accepted and one outgoing connection are active at a time; further
// NewConnection calls from BlueZ are rejected and their FDs closed.
package connmgr

import (
    "errors"
    "strings"

    dbus "github.com/godbus/dbus/v5"
    "go.uber.org/zap"

    "btlink/internal/transport"
)

const (
    // SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
    SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

    // DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
    DefaultRFCOMMChannel uint8 = 22
)

const (
    bluezService         = "org.bluez"
    profileInterfaceName = "org.bluez.Profile1"
    profileManagerIface  = "org.bluez.ProfileManager1"
    deviceIface          = "org.bluez.Device1"
    adapterIface         = "org.bluez.Adapter1"
    objManagerIface      = "org.freedesktop.DBus.ObjectManager"
    propsIface           = "org.freedesktop.DBus.Properties"
)

var (
    errClosed      = errors.New("connmgr: closed")
    errBusy        = errors.New("connmgr: connection already active")
    errUnsupported = errors.New("connmgr: BlueZ is only available on linux")
)

// Options configures a Provider.
type Options struct {
    // ServiceName is advertised in the server profile record ("Name").
    // Required before Listen.
    ServiceName string
    Logger      *zap.Logger
}

// Device represents the minimum information needed to display and connect.
//
// Path is required (BlueZ Device1 object path as string). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
    Path   string // required: D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
    MAC    string // optional: Bluetooth device address
    Name   string // optional: Device1.Name
    Alias  string // optional: Device1.Alias
    Paired bool
    SPP    bool // advertises SPPUUID
}

// Endpoint converts d for the transport layer. The MAC is the identity used
// for reconnection; the object path is kept as the address.
func (d Device) Endpoint() transport.Endpoint {
    name := d.Alias
    if name == "" {
        name = d.Name
    }
    return transport.Endpoint{ID: d.MAC, Name: name, Addr: d.Path}
}

var (
    _ transport.Provider  = (*Provider)(nil)
    _ transport.Directory = (*Provider)(nil)
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// deviceFromIfaces extracts a Device from one entry of GetManagedObjects or
// an InterfacesAdded signal.
func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
    props, ok := ifaces[deviceIface]
    if !ok {
        return Device{}, false
    }
    dev := Device{Path: string(path)}
    if v, ok := props["UUIDs"]; ok {
        uu, _ := v.Value().([]string)
        dev.SPP = containsUUID(uu, SPPUUID)
    }
    if v, ok := props["Address"]; ok {
        dev.MAC, _ = v.Value().(string)
    }
    if v, ok := props["Name"]; ok {
        dev.Name, _ = v.Value().(string)
    }
    if v, ok := props["Alias"]; ok {
        dev.Alias, _ = v.Value().(string)
    }
    if v, ok := props["Paired"]; ok {
        dev.Paired, _ = v.Value().(bool)
    }
    if dev.MAC == "" {
        dev.MAC = macFromPath(path)
    }
    return dev, true
}

// Device filters for devicesFrom and scan.
func anyDevice(Device) bool      { return true }
func pairedDevice(d Device) bool { return d.Paired }
func sppDevice(d Device) bool    { return d.SPP }

// devicesFrom lists the devices in objs that satisfy keep.
func devicesFrom(objs managedObjects, keep func(Device) bool) []Device {
    var out []Device
    for path, ifaces := range objs {
        if dev, ok := deviceFromIfaces(path, ifaces); ok && keep(dev) {
            out = append(out, dev)
        }
    }
    return out
}

func adaptersFrom(objs managedObjects) []dbus.ObjectPath {
    var out []dbus.ObjectPath
    for path, ifaces := range objs {
        if _, ok := ifaces[adapterIface]; ok {
            out = append(out, path)
        }
    }
    return out
}

// eventFromProps translates a PropertiesChanged signal into a link event.
// Adapter1.Powered maps to LinkEnabled/LinkDisabled, Device1.Connected to
// PeerConnected/PeerDisconnected.
func eventFromProps(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) (transport.Event, bool) {
    switch iface {
    case adapterIface:
        v, ok := changed["Powered"]
        if !ok {
            return transport.Event{}, false
        }
        on, ok := v.Value().(bool)
        if !ok {
            return transport.Event{}, false
        }
        if on {
            return transport.Event{Kind: transport.LinkEnabled}, true
        }
        return transport.Event{Kind: transport.LinkDisabled}, true
    case deviceIface:
        v, ok := changed["Connected"]
        if !ok {
            return transport.Event{}, false
        }
        up, ok := v.Value().(bool)
        if !ok {
            return transport.Event{}, false
        }
        peer := transport.Endpoint{ID: macFromPath(path), Addr: string(path)}
        if up {
            return transport.Event{Kind: transport.PeerConnected, Peer: peer}, true
        }
        return transport.Event{Kind: transport.PeerDisconnected, Peer: peer}, true
    }
    return transport.Event{}, false
}

func containsUUID(list []string, target string) bool {
    for _, s := range list {
        if strings.EqualFold(s, target) {
            return true
        }
    }
    return false
}

func macFromPath(p dbus.ObjectPath) string {
    s := string(p)
    // Expect .../dev_XX_XX_XX_XX_XX_XX
    idx := strings.LastIndex(s, "/dev_")
    if idx < 0 {
        return ""
    }
    return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// devicePath returns the object path for ep: its Addr when that is already a
// BlueZ path, otherwise the device under adapter whose address matches ep.ID.
func devicePath(ep transport.Endpoint, objs managedObjects) (dbus.ObjectPath, bool) {
    if strings.HasPrefix(ep.Addr, "/org/bluez/") {
        return dbus.ObjectPath(ep.Addr), true
    }
    for path, ifaces := range objs {
        if dev, ok := deviceFromIfaces(path, ifaces); ok && strings.EqualFold(dev.MAC, ep.ID) {
            return path, true
        }
    }
    return "", false
}

// ParseEndpoint accepts a MAC address or a BlueZ device object path.
func ParseEndpoint(s string) transport.Endpoint {
    s = strings.TrimSpace(s)
    if strings.HasPrefix(s, "/") {
        p := dbus.ObjectPath(s)
        return transport.Endpoint{ID: macFromPath(p), Addr: s}
    }
    return transport.Endpoint{ID: strings.ToUpper(s)}
}
