package server

import (
	"context"
	"io"

	"github.com/i5heu/ouroboros-vcs/internal/protocol"
)

// Authenticator runs once per connection before the first request and
// returns the rights granted to it. It may exchange bytes with the peer.
type Authenticator interface {
	Authenticate(ctx context.Context, conn io.ReadWriter) (protocol.Rights, error)
}

// StaticAuthenticator grants the same rights to everyone.
type StaticAuthenticator protocol.Rights

func (s StaticAuthenticator) Authenticate(context.Context, io.ReadWriter) (protocol.Rights, error) {
	return protocol.Rights(s), nil
}

// AuthFunc adapts a function to Authenticator.
type AuthFunc func(ctx context.Context, conn io.ReadWriter) (protocol.Rights, error)

func (f AuthFunc) Authenticate(ctx context.Context, conn io.ReadWriter) (protocol.Rights, error) {
	return f(ctx, conn)
}
