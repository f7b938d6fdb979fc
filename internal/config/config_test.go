package config

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
    t.Helper()
    p := filepath.Join(t.TempDir(), "btlink.yaml")
    require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
    return p
}

func TestLoadDefaults(t *testing.T) {
    t.Setenv("BTLINK_CONFIG", "")
    wd, err := os.Getwd()
    require.NoError(t, err)
    require.NoError(t, os.Chdir(t.TempDir()))
    t.Cleanup(func() { _ = os.Chdir(wd) })

    cfg, err := Load("")
    require.NoError(t, err)
    assert.Equal(t, KindRFCOMM, cfg.Transport.Kind)
    assert.Equal(t, 20*time.Second, cfg.Client.DefaultTimeout)
    assert.Equal(t, 15*time.Second, cfg.Client.ConnectTimeout)
    assert.Equal(t, 2000, cfg.Client.ReadBuffer)

    resp, err := cfg.Server.ResponseBytes()
    require.NoError(t, err)
    assert.Equal(t, []byte{1, 2, 3, 4, 5}, resp)
}

func TestLoadFile(t *testing.T) {
    p := writeConfig(t, `
log:
  level: DEBUG
  format: json
transport:
  kind: TCP
  address: 127.0.0.1:7700
  peers: ["127.0.0.1:7700", "127.0.0.1:7701"]
client:
  default_timeout: 3s
  read_buffer: 64
server:
  response: "de ad be ef"
`)
    cfg, err := Load(p)
    require.NoError(t, err)
    assert.Equal(t, "debug", cfg.Log.Level)
    assert.Equal(t, "json", cfg.Log.Format)
    assert.Equal(t, KindTCP, cfg.Transport.Kind)
    assert.Equal(t, "127.0.0.1:7700", cfg.Transport.Address)
    assert.Len(t, cfg.Transport.Peers, 2)
    assert.Equal(t, 3*time.Second, cfg.Client.DefaultTimeout)
    assert.Equal(t, 64, cfg.Client.ReadBuffer)
    // untouched keys keep their defaults
    assert.Equal(t, 15*time.Second, cfg.Client.ConnectTimeout)

    resp, err := cfg.Server.ResponseBytes()
    require.NoError(t, err)
    assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, resp)
}

func TestLoadEnvOverride(t *testing.T) {
    p := writeConfig(t, "transport:\n  kind: tcp\n")
    t.Setenv("BTLINK_TRANSPORT_KIND", "serial")
    t.Setenv("BTLINK_TRANSPORT_SERIAL_PORT", "/dev/ttyUSB0")

    cfg, err := Load(p)
    require.NoError(t, err)
    assert.Equal(t, KindSerial, cfg.Transport.Kind)
    assert.Equal(t, "/dev/ttyUSB0", cfg.Transport.Serial.Port)
    assert.Equal(t, 115200, cfg.Transport.Serial.BaudRate)
}

func TestLoadRejectsInvalid(t *testing.T) {
    cases := map[string]string{
        "kind":     "transport:\n  kind: carrier-pigeon\n",
        "level":    "log:\n  level: loud\n",
        "response": "server:\n  response: xyz\n",
        "timeout":  "client:\n  default_timeout: 0s\n",
    }
    for name, body := range cases {
        t.Run(name, func(t *testing.T) {
            _, err := Load(writeConfig(t, body))
            assert.Error(t, err)
        })
    }
}

func TestLoadMissingExplicitFile(t *testing.T) {
    _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
    assert.Error(t, err)
}
