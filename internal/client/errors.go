package client

import "errors"

var (
    // ErrLinkUnavailable: the radio is disabled or absent.
    ErrLinkUnavailable = errors.New("btlink: link unavailable")
    // ErrLinkNotConnected: no active session and no endpoint to reconnect to,
    // or reconnection failed.
    ErrLinkNotConnected = errors.New("btlink: link not connected")
    // ErrConnectionInProgress rejects a connect while another is running.
    ErrConnectionInProgress = errors.New("btlink: connection in progress")
    // ErrTaskTimeout: no matching response within the task's timeout.
    ErrTaskTimeout = errors.New("btlink: task timeout")
    // ErrLinkLost: the transport failed or the peer went away mid-session.
    ErrLinkLost = errors.New("btlink: link lost")
    // ErrIDSpaceExhausted: every 16-bit correlation id is held by a live task.
    ErrIDSpaceExhausted = errors.New("btlink: correlation id space exhausted")
    ErrClosed           = errors.New("btlink: client closed")
)
