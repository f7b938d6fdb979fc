// btlink CLI
//
// Prerequisites for the rfcomm transport
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - Most environments require sudo for RegisterProfile: run with `sudo` if needed.
//
// Configuration comes from btlink.yaml (./, ./configs, ~/.btlink), the file
// named by -config or BTLINK_CONFIG, and BTLINK_* environment overrides.
//
// Modes
// 1) List paired peers / scan for peers:
//     go run ./cmd/btlink -mode=bonded
//     go run ./cmd/btlink -mode=scan -timeout=15s
//
// 2) Answer requests (server role, replies with server.response):
//     sudo go run ./cmd/btlink -mode=server
//
// 3) Send requests (client role):
//     sudo go run ./cmd/btlink -mode=client -device 00:11:22:33:44:55 -payload 50494E47 -count 3
//   Without -device (and no transport.address) the CLI scans and prompts.
//
// 4) In-process self test, no hardware:
//     go run ./cmd/btlink -mode=loopback -count 5
//
// Notes
// - Exit/Ctrl-C cancels via context.
// - BTLINK_TRANSPORT_KIND=tcp with transport.listen/address runs the same
//   engine over TCP.
package main

import (
    "bufio"
    "context"
    "encoding/hex"
    "errors"
    "flag"
    "fmt"
    "log"
    "os"
    "os/signal"
    "strconv"
    "strings"
    "syscall"
    "time"

    "go.uber.org/zap"

    "btlink/internal/client"
    "btlink/internal/config"
    "btlink/internal/connmgr"
    "btlink/internal/observability"
    "btlink/internal/server"
    "btlink/internal/transport"
    "btlink/internal/transport/pipe"
    "btlink/internal/transport/serialport"
    "btlink/internal/transport/tcp"
)

type options struct {
    mode    string
    device  string
    payload []byte
    typ     int
    count   int
    timeout time.Duration
}

func main() {
    cfgPath := flag.String("config", "", "config file (default: search btlink.yaml)")
    mode := flag.String("mode", "scan", "mode: scan|bonded|client|server|loopback")
    device := flag.String("device", "", "peer to connect to (MAC, object path, host:port or serial port)")
    payload := flag.String("payload", "50494E47", "request payload as hex (client and loopback modes)")
    typ := flag.Int("type", 0, "command type (client and loopback modes)")
    count := flag.Int("count", 1, "number of requests to send")
    timeout := flag.Duration("timeout", 15*time.Second, "scan duration or per-request timeout")
    flag.Parse()

    cfg, err := config.Load(*cfgPath)
    if err != nil {
        log.Fatalf("config: %v", err)
    }
    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        log.Fatalf("logger: %v", err)
    }
    defer func() { _ = logger.Sync() }()

    body, err := parsePayload(*payload)
    if err != nil {
        log.Fatalf("-payload: %v", err)
    }
    opts := options{
        mode:    strings.ToLower(*mode),
        device:  *device,
        payload: body,
        typ:     *typ,
        count:   *count,
        timeout: *timeout,
    }

    // Ctrl-C cancellation
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    sig := make(chan os.Signal, 1)
    signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
    go func() {
        <-sig
        cancel()
    }()

    if err := run(ctx, cfg, logger, opts); err != nil {
        logger.Error("exit", zap.String("mode", opts.mode), zap.Error(err))
        _ = logger.Sync()
        os.Exit(1)
    }
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, o options) error {
    if o.mode == "loopback" {
        return runLoopback(ctx, cfg, logger, o)
    }
    p, dir, err := newProvider(cfg, logger)
    if err != nil {
        return err
    }
    defer func() {
        if err := p.Close(); err != nil {
            logger.Warn("provider close", zap.Error(err))
        }
    }()

    switch o.mode {
    case "scan":
        return runScan(ctx, dir, o.timeout)
    case "bonded":
        return runBonded(ctx, dir)
    case "server":
        return runServer(ctx, cfg, logger, p)
    case "client":
        return runClient(ctx, cfg, logger, p, dir, o)
    default:
        return fmt.Errorf("unknown mode: %s", o.mode)
    }
}

// newProvider builds the provider selected by transport.kind.
func newProvider(cfg *config.Config, logger *zap.Logger) (transport.Provider, transport.Directory, error) {
    tc := cfg.Transport
    switch tc.Kind {
    case config.KindRFCOMM:
        p, err := connmgr.New(connmgr.Options{ServiceName: tc.ServiceName, Logger: logger})
        if err != nil {
            return nil, nil, err
        }
        return p, p, nil
    case config.KindTCP:
        var peers []transport.Endpoint
        for _, addr := range tc.Peers {
            peers = append(peers, transport.Endpoint{ID: addr, Addr: addr})
        }
        p := tcp.New(tc.Listen, peers, logger)
        return p, p, nil
    case config.KindSerial:
        p := serialport.New(serialport.Config{
            Port:     tc.Serial.Port,
            BaudRate: tc.Serial.BaudRate,
            DataBits: tc.Serial.DataBits,
        }, logger)
        return p, p, nil
    default:
        return nil, nil, fmt.Errorf("unsupported transport kind %q", tc.Kind)
    }
}

// parseEndpoint interprets a -device value for the configured transport.
func parseEndpoint(kind, s string) transport.Endpoint {
    if kind == config.KindRFCOMM {
        return connmgr.ParseEndpoint(s)
    }
    return transport.Endpoint{ID: s, Addr: s}
}

func parsePayload(s string) ([]byte, error) {
    s = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(s), " ", ""), "0x")
    return hex.DecodeString(s)
}

// sppScanner is implemented by directories that can limit a scan to
// devices advertising the serial port profile.
type sppScanner interface {
    ScanSPP(ctx context.Context) (<-chan transport.Endpoint, error)
}

// listingScan is the scan used for listing peers to a user. It prefers the
// SPP-only scan when dir offers one.
func listingScan(ctx context.Context, dir transport.Directory) (<-chan transport.Endpoint, error) {
    if s, ok := dir.(sppScanner); ok {
        return s.ScanSPP(ctx)
    }
    return dir.Scan(ctx)
}

func runScan(ctx context.Context, dir transport.Directory, d time.Duration) error {
    ctx, cancel := context.WithTimeout(ctx, d)
    defer cancel()
    found, err := listingScan(ctx, dir)
    if err != nil {
        return fmt.Errorf("scan: %w", err)
    }
    n := 0
    for ep := range found {
        fmt.Printf("[%d] ID=%s Name=%s Addr=%s\n", n, ep.ID, ep.Name, ep.Addr)
        n++
    }
    if n == 0 {
        fmt.Println("no peers found")
    }
    return nil
}

func runBonded(ctx context.Context, dir transport.Directory) error {
    peers, err := dir.BondedPeers(ctx)
    if err != nil {
        return fmt.Errorf("bonded peers: %w", err)
    }
    if len(peers) == 0 {
        fmt.Println("no bonded peers")
        return nil
    }
    for i, ep := range peers {
        fmt.Printf("[%d] ID=%s Name=%s Addr=%s\n", i, ep.ID, ep.Name, ep.Addr)
    }
    return nil
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, p transport.Provider) error {
    resp, err := cfg.Server.ResponseBytes()
    if err != nil {
        return err
    }
    r := server.New(server.Options{
        Provider:   p,
        Handler:    server.Static(resp),
        Logger:     logger,
        ReadBuffer: cfg.Server.ReadBuffer,
    })
    logger.Info("server running", zap.String("transport", cfg.Transport.Kind), zap.String("response", hex.EncodeToString(resp)))
    err = r.Run(ctx)
    logger.Info("server stopped", zap.Uint64("accepted", r.Accepted()), zap.Uint64("served", r.Served()))
    return err
}

func runClient(ctx context.Context, cfg *config.Config, logger *zap.Logger, p transport.Provider, dir transport.Directory, o options) error {
    target := o.device
    if target == "" {
        target = cfg.Transport.Address
    }
    var ep transport.Endpoint
    if target != "" {
        ep = parseEndpoint(cfg.Transport.Kind, target)
    } else {
        chosen, err := choosePeer(ctx, dir, cfg.Client.ScanTimeout)
        if err != nil {
            return err
        }
        ep = chosen
    }

    c := client.New(client.Options{
        Provider:       p,
        Directory:      dir,
        Logger:         logger,
        DefaultTimeout: cfg.Client.DefaultTimeout,
        ConnectTimeout: cfg.Client.ConnectTimeout,
        ScanTimeout:    cfg.Client.ScanTimeout,
        ReadBuffer:     cfg.Client.ReadBuffer,
    })
    defer func() { _ = c.Close() }()

    if err := c.Connect(ctx, ep); err != nil {
        return err
    }
    return exchange(ctx, c, o)
}

// exchange sends o.count requests one after another and prints each reply.
func exchange(ctx context.Context, c *client.Client, o options) error {
    for i := 0; i < o.count; i++ {
        start := time.Now()
        h, err := c.Submit(o.payload, o.typ, o.timeout)
        if err != nil {
            return fmt.Errorf("submit: %w", err)
        }
        resp, err := h.Wait(ctx)
        if errors.Is(err, client.ErrTaskTimeout) {
            fmt.Printf("[%d] id=%d timed out after %s\n", i, h.ID(), o.timeout)
            continue
        }
        if err != nil {
            return fmt.Errorf("request %d: %w", h.ID(), err)
        }
        fmt.Printf("[%d] id=%d rtt=%s response=% X\n", i, h.ID(), time.Since(start).Truncate(time.Microsecond), resp)
    }
    return nil
}

func choosePeer(ctx context.Context, dir transport.Directory, d time.Duration) (transport.Endpoint, error) {
    fmt.Println("Scanning for peers to choose...")
    sctx, cancel := context.WithTimeout(ctx, d)
    defer cancel()
    found, err := listingScan(sctx, dir)
    if err != nil {
        return transport.Endpoint{}, fmt.Errorf("scan: %w", err)
    }
    var peers []transport.Endpoint
    for ep := range found {
        fmt.Printf("[%d] ID=%s Name=%s Addr=%s\n", len(peers), ep.ID, ep.Name, ep.Addr)
        peers = append(peers, ep)
    }
    if len(peers) == 0 {
        return transport.Endpoint{}, errors.New("no peers found")
    }
    fmt.Print("Choose index: ")
    i, err := readIndex(len(peers))
    if err != nil {
        return transport.Endpoint{}, err
    }
    return peers[i], nil
}

// runLoopback wires a responder and a client through an in-process hub.
func runLoopback(ctx context.Context, cfg *config.Config, logger *zap.Logger, o options) error {
    resp, err := cfg.Server.ResponseBytes()
    if err != nil {
        return err
    }
    hub := pipe.NewHub()
    srvEP := transport.Endpoint{ID: "loopback-server", Name: "loopback"}
    srv := hub.Provider(srvEP)
    cli := hub.Provider(transport.Endpoint{ID: "loopback-client"})
    defer func() { _ = srv.Close() }()
    defer func() { _ = cli.Close() }()

    rctx, stop := context.WithCancel(ctx)
    defer stop()
    r := server.New(server.Options{Provider: srv, Handler: server.Static(resp), Logger: logger})
    go func() { _ = r.Run(rctx) }()

    c := client.New(client.Options{Provider: cli, Directory: cli, Logger: logger, DefaultTimeout: cfg.Client.DefaultTimeout})
    defer func() { _ = c.Close() }()
    if err := c.Connect(ctx, srvEP); err != nil {
        return err
    }
    return exchange(ctx, c, o)
}

func readIndex(n int) (int, error) {
    r := bufio.NewReader(os.Stdin)
    for {
        line, rerr := r.ReadString('\n')
        i, err := strconv.Atoi(strings.TrimSpace(line))
        if err == nil && i >= 0 && i < n {
            return i, nil
        }
        if rerr != nil {
            return 0, fmt.Errorf("read choice: %w", rerr)
        }
        fmt.Printf("enter 0..%d: ", n-1)
    }
}
