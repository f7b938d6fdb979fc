// Package config provides YAML-based configuration loading for btlink.
package config

import (
    "encoding/hex"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Transport selects and configures the byte stream provider
    Transport TransportConfig `mapstructure:"transport"`

    Client ClientConfig `mapstructure:"client"`
    Server ServerConfig `mapstructure:"server"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// Transport kinds.
const (
    KindRFCOMM = "rfcomm"
    KindTCP    = "tcp"
    KindSerial = "serial"
)

// TransportConfig selects the provider.
type TransportConfig struct {
    // Kind: rfcomm, tcp or serial
    Kind string `mapstructure:"kind"`
    // Address is the outbound peer: a MAC, host:port or serial device
    Address string `mapstructure:"address"`
    // Listen is the inbound address for tcp
    Listen string `mapstructure:"listen"`
    // ServiceName is the SPP record name advertised over rfcomm
    ServiceName string `mapstructure:"service_name"`
    // Peers is a static directory for tcp (host:port entries)
    Peers []string `mapstructure:"peers"`

    Serial SerialConfig `mapstructure:"serial"`
}

type SerialConfig struct {
    Port     string `mapstructure:"port"`
    BaudRate int    `mapstructure:"baud_rate"`
    DataBits int    `mapstructure:"data_bits"`
}

type ClientConfig struct {
    DefaultTimeout time.Duration `mapstructure:"default_timeout"`
    ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
    ScanTimeout    time.Duration `mapstructure:"scan_timeout"`
    ReadBuffer     int           `mapstructure:"read_buffer"`
}

type ServerConfig struct {
    // Response is the hex encoded payload the static responder answers with
    Response   string `mapstructure:"response"`
    ReadBuffer int    `mapstructure:"read_buffer"`
}

// ResponseBytes decodes Response.
func (s ServerConfig) ResponseBytes() ([]byte, error) {
    b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s.Response), " ", ""))
    if err != nil {
        return nil, fmt.Errorf("server.response: %w", err)
    }
    return b, nil
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stderr"},
            Development: false,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/btlink.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Transport: TransportConfig{
            Kind:        KindRFCOMM,
            Listen:      ":7700",
            ServiceName: "btlink",
            Serial:      SerialConfig{BaudRate: 115200, DataBits: 8},
        },
        Client: ClientConfig{
            DefaultTimeout: 20 * time.Second,
            ConnectTimeout: 15 * time.Second,
            ScanTimeout:    12 * time.Second,
            ReadBuffer:     2000,
        },
        Server: ServerConfig{
            Response:   "0102030405",
            ReadBuffer: 2000,
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix BTLINK and `.`/`-` are replaced with `_`.
// Example: BTLINK_TRANSPORT_KIND=tcp
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("BTLINK")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("transport.kind", cfg.Transport.Kind)
    v.SetDefault("transport.address", cfg.Transport.Address)
    v.SetDefault("transport.listen", cfg.Transport.Listen)
    v.SetDefault("transport.service_name", cfg.Transport.ServiceName)
    v.SetDefault("transport.peers", cfg.Transport.Peers)
    v.SetDefault("transport.serial.port", cfg.Transport.Serial.Port)
    v.SetDefault("transport.serial.baud_rate", cfg.Transport.Serial.BaudRate)
    v.SetDefault("transport.serial.data_bits", cfg.Transport.Serial.DataBits)
    v.SetDefault("client.default_timeout", cfg.Client.DefaultTimeout)
    v.SetDefault("client.connect_timeout", cfg.Client.ConnectTimeout)
    v.SetDefault("client.scan_timeout", cfg.Client.ScanTimeout)
    v.SetDefault("client.read_buffer", cfg.Client.ReadBuffer)
    v.SetDefault("server.response", cfg.Server.Response)
    v.SetDefault("server.read_buffer", cfg.Server.ReadBuffer)

    // Choose config file
    if path == "" {
        if envPath := os.Getenv("BTLINK_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("btlink")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".btlink"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        c.Log.Level = lvl
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stderr"}
    }

    c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
    switch c.Transport.Kind {
    case KindRFCOMM, KindTCP, KindSerial:
    default:
        return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
    }
    if c.Transport.Serial.BaudRate <= 0 {
        return fmt.Errorf("invalid transport.serial.baud_rate: %d", c.Transport.Serial.BaudRate)
    }

    if c.Client.DefaultTimeout <= 0 {
        return fmt.Errorf("invalid client.default_timeout: %s", c.Client.DefaultTimeout)
    }
    if c.Client.ConnectTimeout <= 0 {
        return fmt.Errorf("invalid client.connect_timeout: %s", c.Client.ConnectTimeout)
    }
    if c.Client.ReadBuffer <= 0 || c.Server.ReadBuffer <= 0 {
        return errors.New("invalid read_buffer: must be positive")
    }
    if _, err := c.Server.ResponseBytes(); err != nil {
        return err
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
