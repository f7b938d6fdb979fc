package server

import "context"

// Handler produces the response payload for one complete request. An error
// drops the request without a reply.
type Handler interface {
    Respond(ctx context.Context, id uint16, request []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, id uint16, request []byte) ([]byte, error)

func (f HandlerFunc) Respond(ctx context.Context, id uint16, request []byte) ([]byte, error) {
    return f(ctx, id, request)
}

// Static answers every request with payload.
func Static(payload []byte) Handler {
    p := append([]byte(nil), payload...)
    return HandlerFunc(func(context.Context, uint16, []byte) ([]byte, error) {
        return p, nil
    })
}

// Echo answers every request with its own payload.
func Echo() Handler {
    return HandlerFunc(func(_ context.Context, _ uint16, request []byte) ([]byte, error) {
        return request, nil
    })
}
