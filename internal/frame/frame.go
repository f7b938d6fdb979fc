// Package frame implements the wire format shared by client and server:
//
//    [0xAA][0xBB][id_lo][id_hi][len_lo][len_hi][payload...][0xCC][0xDD]
//
// The correlation id and the payload length are little-endian uint16.
// Completion of an inbound frame is decided structurally (markers and id),
// never from the length field; see IsComplete.
package frame

import (
    "encoding/binary"
    "errors"
    "fmt"
)

const (
    // HeaderSize covers the head marker, correlation id and length field.
    HeaderSize = 6
    // Overhead is the number of non-payload bytes in an encoded frame.
    Overhead = HeaderSize + 2
    // MinCompleteSize is the smallest accumulated buffer IsComplete will accept.
    MinCompleteSize = 6
    // MaxPayload is the largest payload the 16-bit length field can carry.
    MaxPayload = 0xFFFF
)

var (
    Head = [2]byte{0xAA, 0xBB}
    Tail = [2]byte{0xCC, 0xDD}
)

var (
    ErrPayloadTooLarge = errors.New("frame: payload exceeds 65535 bytes")
    ErrMalformed       = errors.New("frame: malformed")
)

// Frame is one decoded wire message.
type Frame struct {
    ID      uint16
    Length  uint16 // as carried on the wire
    Payload []byte
}

// Encode builds the wire bytes for payload under correlation id id.
func Encode(id uint16, payload []byte) ([]byte, error) {
    if len(payload) > MaxPayload {
        return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(payload))
    }
    out := make([]byte, Overhead+len(payload))
    out[0], out[1] = Head[0], Head[1]
    binary.LittleEndian.PutUint16(out[2:4], id)
    binary.LittleEndian.PutUint16(out[4:6], uint16(len(payload)))
    copy(out[HeaderSize:], payload)
    out[len(out)-2], out[len(out)-1] = Tail[0], Tail[1]
    return out, nil
}

// IsFrameStart reports whether b begins with the head marker and carries
// enough bytes to read a correlation id.
func IsFrameStart(b []byte) bool {
    return len(b) >= 4 && b[0] == Head[0] && b[1] == Head[1]
}

// IsStartPrefix reports whether b is too short to be a frame start but is
// consistent with the beginning of one. Receivers hold such chunks back and
// prepend them to the next chunk.
func IsStartPrefix(b []byte) bool {
    switch len(b) {
    case 1:
        return b[0] == Head[0]
    case 2, 3:
        return b[0] == Head[0] && b[1] == Head[1]
    default:
        return false
    }
}

// Rejoin prepends a held-back start prefix to chunk. The join is kept only
// if it still starts a frame or is still a prefix of one; otherwise the
// prefix was noise and chunk is returned alone.
func Rejoin(carry, chunk []byte) []byte {
    if len(carry) == 0 {
        return chunk
    }
    joined := append(append([]byte(nil), carry...), chunk...)
    if IsFrameStart(joined) || IsStartPrefix(joined) {
        return joined
    }
    return chunk
}

// Boundary locates the end of a frame inside chunk. acc holds the bytes of
// the frame received before chunk. It returns the offset in chunk where the
// frame ends when the length field puts that end strictly inside chunk, the
// two bytes before it are Tail and what follows starts another frame (or a
// prefix of one). Otherwise it returns -1 and the whole chunk belongs to
// the frame.
func Boundary(acc, chunk []byte) int {
    at := func(i int) byte {
        if i < len(acc) {
            return acc[i]
        }
        return chunk[i-len(acc)]
    }
    total := len(acc) + len(chunk)
    if total < HeaderSize || at(0) != Head[0] || at(1) != Head[1] {
        return -1
    }
    end := Overhead + (int(at(4)) | int(at(5))<<8)
    if end <= len(acc) || end >= total {
        return -1
    }
    if at(end-2) != Tail[0] || at(end-1) != Tail[1] {
        return -1
    }
    cut := end - len(acc)
    rest := chunk[cut:]
    if !IsFrameStart(rest) && !IsStartPrefix(rest) {
        return -1
    }
    return cut
}

// CorrelationID reads the little-endian id at offset 2. ok is false when b
// is too short.
func CorrelationID(b []byte) (id uint16, ok bool) {
    if len(b) < 4 {
        return 0, false
    }
    return binary.LittleEndian.Uint16(b[2:4]), true
}

// IsComplete is the structural completion check: buf holds at least
// MinCompleteSize bytes, starts with Head, ends with Tail and carries id at
// offset 2. Only the final two bytes are inspected for the tail marker, so a
// payload that itself ends in CC DD terminates reassembly early.
func IsComplete(buf []byte, id uint16) bool {
    n := len(buf)
    if n < MinCompleteSize {
        return false
    }
    if buf[0] != Head[0] || buf[1] != Head[1] {
        return false
    }
    if buf[n-2] != Tail[0] || buf[n-1] != Tail[1] {
        return false
    }
    return binary.LittleEndian.Uint16(buf[2:4]) == id
}

// Decode parses a single complete frame. Unlike IsComplete it checks the
// length field against the buffer.
func Decode(b []byte) (Frame, error) {
    if len(b) < Overhead {
        return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
    }
    if b[0] != Head[0] || b[1] != Head[1] {
        return Frame{}, fmt.Errorf("%w: bad head marker % X", ErrMalformed, b[:2])
    }
    if b[len(b)-2] != Tail[0] || b[len(b)-1] != Tail[1] {
        return Frame{}, fmt.Errorf("%w: bad tail marker % X", ErrMalformed, b[len(b)-2:])
    }
    f := Frame{
        ID:     binary.LittleEndian.Uint16(b[2:4]),
        Length: binary.LittleEndian.Uint16(b[4:6]),
    }
    if int(f.Length) != len(b)-Overhead {
        return Frame{}, fmt.Errorf("%w: length field %d, payload %d", ErrMalformed, f.Length, len(b)-Overhead)
    }
    f.Payload = append([]byte(nil), b[HeaderSize:len(b)-2]...)
    return f, nil
}

// Payload returns the bytes between header and tail of a structurally
// complete buffer without validating the length field. The server uses it
// to hand requests to the application the same way the completion check
// sees them.
func Payload(buf []byte) []byte {
    if len(buf) < Overhead {
        return nil
    }
    return buf[HeaderSize : len(buf)-2]
}
