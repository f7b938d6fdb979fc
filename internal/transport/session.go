package transport

import (
    "errors"
    "fmt"
    "io"
    "sync"

    "go.uber.org/zap"
)

// DefaultReadBuffer is the size of a single read from the stream. Each
// successful read becomes one chunk.
const DefaultReadBuffer = 2000

// ErrSessionClosed is reported by Err after an explicit Close.
var ErrSessionClosed = errors.New("transport: session closed")

// Session owns one open Transport. A dedicated goroutine reads chunks and
// hands them over Chunks(); writes are serialized. Any I/O error is terminal:
// the Transport is closed, Done() is closed and Err() reports the cause.
type Session struct {
    t       Transport
    peer    Endpoint
    log     *zap.Logger
    bufSize int

    chunks chan []byte
    done   chan struct{}

    wmu sync.Mutex

    mu        sync.Mutex
    err       error
    closeOnce sync.Once
    startOnce sync.Once
}

// NewSession wraps t. bufSize <= 0 selects DefaultReadBuffer. The receive
// loop does not run until Start.
func NewSession(t Transport, peer Endpoint, log *zap.Logger, bufSize int) *Session {
    if log == nil {
        log = zap.NewNop()
    }
    if bufSize <= 0 {
        bufSize = DefaultReadBuffer
    }
    return &Session{
        t:       t,
        peer:    peer,
        log:     log.Named("session").With(zap.Stringer("peer", peer)),
        bufSize: bufSize,
        chunks:  make(chan []byte, 16),
        done:    make(chan struct{}),
    }
}

// Start launches the receive loop. Calling it more than once has no effect.
func (s *Session) Start() {
    s.startOnce.Do(func() { go s.readLoop() })
}

// Peer returns the endpoint this session is connected to.
func (s *Session) Peer() Endpoint { return s.peer }

// Chunks yields received byte chunks in arrival order. It is closed when the
// receive loop exits; check Err afterwards.
func (s *Session) Chunks() <-chan []byte { return s.chunks }

// Done is closed once the session is finished for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, or nil while the session is alive.
func (s *Session) Err() error {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.err
}

// Write sends b in one serialized operation.
func (s *Session) Write(b []byte) error {
    s.wmu.Lock()
    defer s.wmu.Unlock()
    select {
    case <-s.done:
        return s.Err()
    default:
    }
    if _, err := s.t.Write(b); err != nil {
        err = fmt.Errorf("transport: write: %w", err)
        s.fail(err)
        return err
    }
    return nil
}

// Close shuts the session down and unblocks the receive loop. Idempotent.
func (s *Session) Close() error {
    s.fail(ErrSessionClosed)
    return nil
}

func (s *Session) fail(err error) {
    s.closeOnce.Do(func() {
        s.mu.Lock()
        s.err = err
        s.mu.Unlock()
        if cerr := s.t.Close(); cerr != nil {
            s.log.Debug("close transport", zap.Error(cerr))
        }
        close(s.done)
        if errors.Is(err, ErrSessionClosed) {
            s.log.Debug("session closed")
        } else {
            s.log.Warn("session failed", zap.Error(err))
        }
    })
}

func (s *Session) readLoop() {
    defer close(s.chunks)
    buf := make([]byte, s.bufSize)
    for {
        n, err := s.t.Read(buf)
        if n > 0 {
            chunk := make([]byte, n)
            copy(chunk, buf[:n])
            s.log.Debug("chunk", zap.Int("size", n))
            select {
            case s.chunks <- chunk:
            case <-s.done:
                return
            }
        }
        if err != nil {
            if errors.Is(err, io.EOF) {
                err = fmt.Errorf("transport: peer closed stream: %w", err)
            } else {
                err = fmt.Errorf("transport: read: %w", err)
            }
            s.fail(err)
            return
        }
    }
}
