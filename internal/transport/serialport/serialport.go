// Package serialport carries the engine over a serial line (including
// /dev/rfcommN bindings created with `rfcomm bind`) using go.bug.st/serial.
//
// A serial line has no accept step: Listen opens the configured port and
// returns it as the single inbound transport. Connect opens the port named
// by the endpoint.
package serialport

import (
    "context"
    "errors"
    "fmt"
    "time"

    "go.bug.st/serial"
    "go.uber.org/zap"

    "btlink/internal/transport"
)

// Config selects the port and line settings.
type Config struct {
    Port     string
    BaudRate int
    DataBits int
}

// Provider implements transport.Provider and transport.Directory.
type Provider struct {
    cfg  Config
    log  *zap.Logger
    open func(name string, mode *serial.Mode) (serial.Port, error)
    list func() ([]string, error)
}

func New(cfg Config, log *zap.Logger) *Provider {
    if log == nil {
        log = zap.NewNop()
    }
    if cfg.BaudRate == 0 {
        cfg.BaudRate = 115200
    }
    if cfg.DataBits == 0 {
        cfg.DataBits = 8
    }
    return &Provider{cfg: cfg, log: log.Named("serial"), open: serial.Open, list: serial.GetPortsList}
}

func (p *Provider) mode() *serial.Mode {
    return &serial.Mode{
        BaudRate: p.cfg.BaudRate,
        DataBits: p.cfg.DataBits,
        Parity:   serial.NoParity,
        StopBits: serial.OneStopBit,
    }
}

func (p *Provider) openPort(name string) (transport.Transport, error) {
    port, err := p.open(name, p.mode())
    if err != nil {
        return nil, fmt.Errorf("serial: open %s: %w", name, err)
    }
    // Reads must block until data arrives; closing the port unblocks them.
    if err := port.SetReadTimeout(serial.NoTimeout); err != nil {
        _ = port.Close()
        return nil, fmt.Errorf("serial: set read timeout %s: %w", name, err)
    }
    p.log.Info("port open", zap.String("port", name), zap.Int("baud", p.cfg.BaudRate))
    return port, nil
}

func (p *Provider) Listen(ctx context.Context) (transport.Transport, transport.Endpoint, error) {
    if p.cfg.Port == "" {
        return nil, transport.Endpoint{}, errors.New("serial: port required")
    }
    if err := ctx.Err(); err != nil {
        return nil, transport.Endpoint{}, err
    }
    t, err := p.openPort(p.cfg.Port)
    if err != nil {
        return nil, transport.Endpoint{}, err
    }
    return t, transport.Endpoint{ID: p.cfg.Port}, nil
}

func (p *Provider) Connect(ctx context.Context, ep transport.Endpoint, _ time.Duration) (transport.Transport, error) {
    name := ep.Addr
    if name == "" {
        name = ep.ID
    }
    if name == "" {
        return nil, errors.New("serial: endpoint port required")
    }
    if err := ctx.Err(); err != nil {
        return nil, err
    }
    return p.openPort(name)
}

// Events returns nil; a serial line reports loss only through read errors.
func (p *Provider) Events() <-chan transport.Event { return nil }

// BondedPeers lists the ports currently present on the system.
func (p *Provider) BondedPeers(ctx context.Context) ([]transport.Endpoint, error) {
    if err := ctx.Err(); err != nil {
        return nil, err
    }
    names, err := p.list()
    if err != nil {
        return nil, fmt.Errorf("serial: list ports: %w", err)
    }
    out := make([]transport.Endpoint, 0, len(names))
    for _, n := range names {
        out = append(out, transport.Endpoint{ID: n})
    }
    return out, nil
}

// Scan is a one-shot port enumeration.
func (p *Provider) Scan(ctx context.Context) (<-chan transport.Endpoint, error) {
    eps, err := p.BondedPeers(ctx)
    if err != nil {
        return nil, err
    }
    out := make(chan transport.Endpoint)
    go func() {
        defer close(out)
        for _, ep := range eps {
            select {
            case out <- ep:
            case <-ctx.Done():
                return
            }
        }
    }()
    return out, nil
}

func (p *Provider) Close() error { return nil }
