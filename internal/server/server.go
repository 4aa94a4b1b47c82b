// Package server answers sync protocol requests for many branches, each
// backed by its own chunk store and branch log.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-vcs/internal/protocol"
	"github.com/i5heu/ouroboros-vcs/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	cfg      config.ServerConfig
	log      *logrus.Logger
	registry *Registry
	acl      protocol.AccessControl
	auth     Authenticator
	limits   protocol.Limits
}

type Option func(*Server)

func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

func New(cfg *config.ServerConfig, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil server config", config.ErrInvalidConfig)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      *cfg,
		log:      cfg.Logger,
		registry: registry,
		acl:      protocol.NewAccessControl(cfg.DisableAccessControl),
		auth:     StaticAuthenticator(cfg.DefaultRights),
		limits: protocol.Limits{
			MaxMessage:   cfg.MaxStringSize,
			MaxChunkSize: cfg.MaxChunkSize,
			MaxCount:     cfg.MaxBatch,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Close() error {
	return s.registry.Close()
}

// ListenAndServe listens on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is done, then waits for open
// connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	s.log.WithField("addr", ln.Addr().String()).Info("Sync server listening")

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				if err := s.ServeConn(ctx, conn); err != nil {
					s.log.WithError(err).Warn("Connection ended with error")
				}
				return nil
			})
		}
	})
	err := g.Wait()
	if ctx.Err() != nil && err == nil {
		return nil
	}
	return err
}

// ServeConn handles request rounds on conn until the peer closes it.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	log := s.log.WithField("conn", uuid.NewString())
	rights, err := s.auth.Authenticate(ctx, conn)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	log.WithField("rights", int32(rights)).Debug("Connection accepted")

	h := &handler{
		srv:    s,
		log:    log,
		rights: rights,
		dec:    protocol.NewDecoder(conn, s.limits),
		enc:    protocol.NewEncoder(conn),
	}
	for {
		code, err := h.dec.ReadRequestHeader()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, protocol.ErrProtocol) {
				h.enc.WriteResponseHeader(code, protocol.StatusError, err.Error())
				_ = h.enc.Flush()
			}
			return err
		}
		if err := h.handle(ctx, code); err != nil {
			return err
		}
	}
}
