package client

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/i5heu/ouroboros-vcs/internal/server"
)

// Pipe opens bidirectional byte streams to a sync server. The protocol does
// not care what carries the bytes.
type Pipe interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
}

// TCPPipe dials a server over TCP.
type TCPPipe struct {
	Addr   string
	Dialer net.Dialer
}

func (p *TCPPipe) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := p.Dialer.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", p.Addr, err)
	}
	return conn, nil
}

// FuncPipe adapts a function to Pipe.
type FuncPipe func(ctx context.Context) (io.ReadWriteCloser, error)

func (f FuncPipe) Open(ctx context.Context) (io.ReadWriteCloser, error) { return f(ctx) }

// InProcess connects to srv through net.Pipe, one ServeConn per stream.
func InProcess(srv *server.Server) Pipe {
	return FuncPipe(func(ctx context.Context) (io.ReadWriteCloser, error) {
		local, remote := net.Pipe()
		go func() {
			_ = srv.ServeConn(context.WithoutCancel(ctx), remote)
		}()
		return local, nil
	})
}
