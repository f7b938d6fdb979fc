package connmgr

import (
    "testing"

    dbus "github.com/godbus/dbus/v5"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "btlink/internal/transport"
)

const devPath = dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")

func deviceProps(paired bool, uuids ...string) map[string]map[string]dbus.Variant {
    return map[string]map[string]dbus.Variant{
        deviceIface: {
            "Address": dbus.MakeVariant("00:11:22:33:44:55"),
            "Name":    dbus.MakeVariant("HC-06"),
            "Alias":   dbus.MakeVariant("bench"),
            "Paired":  dbus.MakeVariant(paired),
            "UUIDs":   dbus.MakeVariant(uuids),
        },
    }
}

func TestMacFromPath(t *testing.T) {
    assert.Equal(t, "00:11:22:33:44:55", macFromPath(devPath))
    assert.Equal(t, "", macFromPath("/org/bluez/hci0"))
}

func TestDeviceFromIfaces(t *testing.T) {
    dev, ok := deviceFromIfaces(devPath, deviceProps(true, "0000110A-0000-1000-8000-00805F9B34FB", "00001101-0000-1000-8000-00805F9B34FB"))
    require.True(t, ok)
    assert.Equal(t, "00:11:22:33:44:55", dev.MAC)
    assert.True(t, dev.Paired)
    assert.True(t, dev.SPP, "UUID match is case-insensitive")

    ep := dev.Endpoint()
    assert.Equal(t, transport.Endpoint{ID: "00:11:22:33:44:55", Name: "bench", Addr: string(devPath)}, ep)

    _, ok = deviceFromIfaces("/org/bluez/hci0", map[string]map[string]dbus.Variant{adapterIface: {}})
    assert.False(t, ok)
}

func TestDeviceFromIfacesFallsBackToPathMAC(t *testing.T) {
    ifaces := map[string]map[string]dbus.Variant{deviceIface: {}}
    dev, ok := deviceFromIfaces(devPath, ifaces)
    require.True(t, ok)
    assert.Equal(t, "00:11:22:33:44:55", dev.MAC)
    assert.False(t, dev.SPP)
}

func TestDevicesFromAndAdapters(t *testing.T) {
    other := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
    objs := managedObjects{
        "/org/bluez/hci0": {adapterIface: {"Powered": dbus.MakeVariant(true)}},
        devPath:           deviceProps(true, SPPUUID),
        other:             deviceProps(false),
    }
    assert.Equal(t, []dbus.ObjectPath{"/org/bluez/hci0"}, adaptersFrom(objs))

    paired := devicesFrom(objs, func(d Device) bool { return d.Paired })
    require.Len(t, paired, 1)
    assert.Equal(t, string(devPath), paired[0].Path)

    all := devicesFrom(objs, func(Device) bool { return true })
    assert.Len(t, all, 2)
}

func TestScanFiltersKeepNonSPPPeers(t *testing.T) {
    other := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
    objs := managedObjects{
        devPath: deviceProps(true, SPPUUID),
        other:   deviceProps(false),
    }

    all := devicesFrom(objs, anyDevice)
    require.Len(t, all, 2)
    var plain Device
    for _, d := range all {
        if d.Path == string(other) {
            plain = d
        }
    }
    require.Equal(t, string(other), plain.Path, "a device without advertised UUIDs is still scanned")
    assert.False(t, plain.SPP)
    assert.Equal(t, string(other), plain.Endpoint().Addr)

    spp := devicesFrom(objs, sppDevice)
    require.Len(t, spp, 1)
    assert.Equal(t, string(devPath), spp[0].Path)

    paired := devicesFrom(objs, pairedDevice)
    require.Len(t, paired, 1)
    assert.Equal(t, string(devPath), paired[0].Path)
}

func TestDevicePath(t *testing.T) {
    objs := managedObjects{devPath: deviceProps(true, SPPUUID)}

    p, ok := devicePath(transport.Endpoint{ID: "00:11:22:33:44:55"}, objs)
    require.True(t, ok)
    assert.Equal(t, devPath, p)

    p, ok = devicePath(transport.Endpoint{ID: "x", Addr: "/org/bluez/hci1/dev_01_02_03_04_05_06"}, nil)
    require.True(t, ok)
    assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1/dev_01_02_03_04_05_06"), p)

    _, ok = devicePath(transport.Endpoint{ID: "66:77:88:99:AA:BB"}, objs)
    assert.False(t, ok)
}

func TestEventFromProps(t *testing.T) {
    ev, ok := eventFromProps("/org/bluez/hci0", adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)})
    require.True(t, ok)
    assert.Equal(t, transport.LinkDisabled, ev.Kind)
    assert.True(t, ev.Peer.IsZero())

    ev, ok = eventFromProps("/org/bluez/hci0", adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)})
    require.True(t, ok)
    assert.Equal(t, transport.LinkEnabled, ev.Kind)

    ev, ok = eventFromProps(devPath, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)})
    require.True(t, ok)
    assert.Equal(t, transport.PeerDisconnected, ev.Kind)
    assert.Equal(t, "00:11:22:33:44:55", ev.Peer.ID)

    _, ok = eventFromProps(devPath, deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-40))})
    assert.False(t, ok)
    _, ok = eventFromProps(devPath, "org.bluez.MediaControl1", map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)})
    assert.False(t, ok)
}

func TestParseEndpoint(t *testing.T) {
    assert.Equal(t, transport.Endpoint{ID: "00:11:22:33:44:55", Addr: string(devPath)}, ParseEndpoint(string(devPath)))
    assert.Equal(t, transport.Endpoint{ID: "AA:BB:CC:DD:EE:FF"}, ParseEndpoint(" aa:bb:cc:dd:ee:ff "))
}
