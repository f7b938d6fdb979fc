package frame

import (
    "bytes"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestEncodePing(t *testing.T) {
    b, err := Encode(7, []byte("PING"))
    require.NoError(t, err)
    want := []byte{0xAA, 0xBB, 0x07, 0x00, 0x04, 0x00, 0x50, 0x49, 0x4E, 0x47, 0xCC, 0xDD}
    assert.Equal(t, want, b)
    assert.True(t, IsComplete(b, 7))
    assert.False(t, IsComplete(b, 8))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
    sizes := []int{0, 1, 2, 255, 256, 4096, MaxPayload}
    for _, n := range sizes {
        p := bytes.Repeat([]byte{0x5A}, n)
        if n > 0 {
            p[0] = 0xCC // interior marker bytes must not matter
        }
        b, err := Encode(0xBEEF, p)
        require.NoError(t, err, "size %d", n)
        require.Len(t, b, Overhead+n)

        f, err := Decode(b)
        require.NoError(t, err, "size %d", n)
        assert.Equal(t, uint16(0xBEEF), f.ID)
        assert.Equal(t, uint16(n), f.Length)
        assert.True(t, bytes.Equal(p, f.Payload), "size %d", n)
    }
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
    _, err := Encode(1, make([]byte, MaxPayload+1))
    assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestIsFrameStart(t *testing.T) {
    assert.False(t, IsFrameStart(nil))
    assert.False(t, IsFrameStart([]byte{0xAA, 0xBB, 0x01}))
    assert.True(t, IsFrameStart([]byte{0xAA, 0xBB, 0x01, 0x00}))
    assert.False(t, IsFrameStart([]byte{0xAB, 0xBB, 0x01, 0x00}))
}

func TestIsStartPrefix(t *testing.T) {
    assert.True(t, IsStartPrefix([]byte{0xAA}))
    assert.True(t, IsStartPrefix([]byte{0xAA, 0xBB}))
    assert.True(t, IsStartPrefix([]byte{0xAA, 0xBB, 0x01}))
    assert.False(t, IsStartPrefix([]byte{0xAA, 0xBC}))
    assert.False(t, IsStartPrefix([]byte{0xAA, 0xBB, 0x01, 0x00}))
    assert.False(t, IsStartPrefix(nil))
}

func TestCorrelationID(t *testing.T) {
    id, ok := CorrelationID([]byte{0xAA, 0xBB, 0x34, 0x12})
    require.True(t, ok)
    assert.Equal(t, uint16(0x1234), id)

    _, ok = CorrelationID([]byte{0xAA, 0xBB, 0x34})
    assert.False(t, ok)
}

func TestIsCompleteNegatives(t *testing.T) {
    full, err := Encode(3, []byte{1, 2, 3})
    require.NoError(t, err)

    for n := 0; n < MinCompleteSize; n++ {
        assert.False(t, IsComplete(full[:n], 3), "prefix %d", n)
    }
    // every proper prefix of a frame without a trailing tail marker
    for n := MinCompleteSize; n < len(full); n++ {
        assert.False(t, IsComplete(full[:n], 3), "prefix %d", n)
    }
    bad := append([]byte(nil), full...)
    bad[0] = 0x00
    assert.False(t, IsComplete(bad, 3))
}

func TestIsCompleteTrailingMarkerQuirk(t *testing.T) {
    // A payload ending in the tail marker looks complete as soon as the
    // payload bytes arrive, before the real tail does.
    b, err := Encode(9, []byte{0x01, 0xCC, 0xDD})
    require.NoError(t, err)
    assert.True(t, IsComplete(b[:len(b)-2], 9))

    // Interior tail markers do not terminate reassembly once more bytes
    // follow them.
    b, err = Encode(9, []byte{0xCC, 0xDD, 0x01})
    require.NoError(t, err)
    assert.False(t, IsComplete(b[:HeaderSize+3], 9))
    assert.True(t, IsComplete(b, 9))
}

func TestDecodeMalformed(t *testing.T) {
    good, err := Encode(1, []byte("abc"))
    require.NoError(t, err)

    _, err = Decode(good[:5])
    assert.ErrorIs(t, err, ErrMalformed)

    lying := append([]byte(nil), good...)
    lying[4] = 9
    _, err = Decode(lying)
    assert.ErrorIs(t, err, ErrMalformed)

    noTail := append([]byte(nil), good...)
    noTail[len(noTail)-1] = 0
    _, err = Decode(noTail)
    assert.ErrorIs(t, err, ErrMalformed)
}

func TestPayload(t *testing.T) {
    b, err := Encode(2, []byte("hello"))
    require.NoError(t, err)
    assert.Equal(t, []byte("hello"), Payload(b))
    assert.Nil(t, Payload([]byte{0xAA}))
}

func TestRejoin(t *testing.T) {
    f, err := Encode(4, []byte("ok"))
    require.NoError(t, err)

    assert.Equal(t, f, Rejoin(f[:2], f[2:]))
    assert.Equal(t, []byte{0xAA, 0xBB}, Rejoin([]byte{0xAA}, []byte{0xBB}), "still a prefix")
    // a lone head byte followed by a complete frame is noise
    assert.Equal(t, f, Rejoin([]byte{0xAA}, f))
    assert.Equal(t, f, Rejoin(nil, f))
}

func TestBoundary(t *testing.T) {
    a, err := Encode(0, []byte("r0"))
    require.NoError(t, err)
    b, err := Encode(1, []byte("r1"))
    require.NoError(t, err)
    both := append(append([]byte(nil), a...), b...)

    assert.Equal(t, len(a), Boundary(nil, both))
    assert.Equal(t, -1, Boundary(nil, a), "single frame is not split")

    // the first frame was partly received already
    assert.Equal(t, len(a)-3, Boundary(a[:3], both[3:]))
    // tail marker straddles the previous chunk
    assert.Equal(t, 1, Boundary(a[:len(a)-1], both[len(a)-1:]))

    // a following short start prefix still splits
    assert.Equal(t, len(a), Boundary(nil, append(append([]byte(nil), a...), 0xAA)))

    // garbage after the declared end keeps the chunk whole
    assert.Equal(t, -1, Boundary(nil, append(append([]byte(nil), a...), 0x01, 0x02)))

    // a payload carrying a full frame is not split when the length says otherwise
    inner, err := Encode(2, both)
    require.NoError(t, err)
    assert.Equal(t, -1, Boundary(nil, inner))
}
