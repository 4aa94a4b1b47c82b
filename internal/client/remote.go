package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/i5heu/ouroboros-vcs/internal/protocol"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/sirupsen/logrus"
)

// Counters tracks what a Remote moved over the wire.
type Counters struct {
	Requests       atomic.Int64
	ChunksSent     atomic.Int64
	ChunksReceived atomic.Int64
}

// Remote issues protocol requests for one branch on a server. Every call
// uses its own stream from the pipe.
type Remote struct {
	pipe     Pipe
	branch   string
	limits   protocol.Limits
	log      *logrus.Logger
	counters Counters
}

type RemoteOption func(*Remote)

func WithLimits(l protocol.Limits) RemoteOption {
	return func(r *Remote) { r.limits = l }
}

func WithLogger(l *logrus.Logger) RemoteOption {
	return func(r *Remote) { r.log = l }
}

func NewRemote(pipe Pipe, branch string, opts ...RemoteOption) *Remote {
	r := &Remote{pipe: pipe, branch: branch, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) Branch() string { return r.branch }

func (r *Remote) Counters() *Counters { return &r.counters }

// round runs one request/response exchange. The stream is closed when ctx
// is cancelled, which unblocks any pending read or write.
func (r *Remote) round(ctx context.Context, code protocol.Code, fn func(enc *protocol.Encoder, dec *protocol.Decoder) error) error {
	conn, err := r.pipe.Open(ctx)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	r.counters.Requests.Add(1)
	r.log.WithFields(logrus.Fields{"request": code.String(), "branch": r.branch}).Debug("Sending request")
	err = fn(protocol.NewEncoder(conn), protocol.NewDecoder(conn, r.limits))
	if ctx.Err() != nil {
		return fmt.Errorf("%s cancelled: %w", code, ctx.Err())
	}
	return err
}

func (r *Remote) request(enc *protocol.Encoder, code protocol.Code, body func()) error {
	enc.WriteRequestHeader(code)
	enc.WriteString(r.branch)
	if body != nil {
		body()
	}
	return enc.Flush()
}

// GetRemoteTip returns the branch log message of the remote tip, empty when
// the branch has no history.
func (r *Remote) GetRemoteTip(ctx context.Context) (string, error) {
	var tip string
	err := r.round(ctx, protocol.GetRemoteTip, func(enc *protocol.Encoder, dec *protocol.Decoder) error {
		if err := r.request(enc, protocol.GetRemoteTip, nil); err != nil {
			return err
		}
		if _, err := dec.ReadResponseHeader(protocol.GetRemoteTip); err != nil {
			return err
		}
		tip = dec.ReadMessage()
		return dec.Err()
	})
	return tip, err
}

// HasChunks returns the subset of hashes the remote already stores.
func (r *Remote) HasChunks(ctx context.Context, hashes []hash.Hash) ([]hash.Hash, error) {
	var have []hash.Hash
	err := r.round(ctx, protocol.HasChunks, func(enc *protocol.Encoder, dec *protocol.Decoder) error {
		err := r.request(enc, protocol.HasChunks, func() { enc.WriteHashes(hashes) })
		if err != nil {
			return err
		}
		if _, err := dec.ReadResponseHeader(protocol.HasChunks); err != nil {
			return err
		}
		have = dec.ReadHashes()
		return dec.Err()
	})
	return have, err
}

// GetChunks downloads chunks in request order. The server fails the whole
// request if any of them is missing.
func (r *Remote) GetChunks(ctx context.Context, hashes []hash.Hash) ([]protocol.Chunk, error) {
	var out []protocol.Chunk
	err := r.round(ctx, protocol.GetChunks, func(enc *protocol.Encoder, dec *protocol.Decoder) error {
		err := r.request(enc, protocol.GetChunks, func() { enc.WriteHashes(hashes) })
		if err != nil {
			return err
		}
		if _, err := dec.ReadResponseHeader(protocol.GetChunks); err != nil {
			return err
		}
		out = make([]protocol.Chunk, 0, len(hashes))
		for _, want := range hashes {
			c := dec.ReadChunk()
			if err := dec.Err(); err != nil {
				return err
			}
			if c.Hash != want {
				return fmt.Errorf("%w: got chunk %s, expected %s", protocol.ErrProtocol, c.Hash.Short(), want.Short())
			}
			out = append(out, c)
		}
		r.counters.ChunksReceived.Add(int64(len(out)))
		return nil
	})
	return out, err
}

// GetAllChunks streams the remote's whole chunk store into fn.
func (r *Remote) GetAllChunks(ctx context.Context, fn func(protocol.Chunk) error) (int, error) {
	var n int
	err := r.round(ctx, protocol.GetAllChunks, func(enc *protocol.Encoder, dec *protocol.Decoder) error {
		if err := r.request(enc, protocol.GetAllChunks, nil); err != nil {
			return err
		}
		if _, err := dec.ReadResponseHeader(protocol.GetAllChunks); err != nil {
			return err
		}
		count := dec.Count()
		for i := 0; i < count; i++ {
			c := dec.ReadChunk()
			if err := dec.Err(); err != nil {
				return err
			}
			if err := fn(c); err != nil {
				return err
			}
			n++
		}
		r.counters.ChunksReceived.Add(int64(n))
		return dec.Err()
	})
	return n, err
}

// PutChunks uploads chunks and asks the remote to append (id, message) if
// its tip is still expected. The zero hash expects an empty branch.
func (r *Remote) PutChunks(ctx context.Context, expected, id hash.Hash, message string, chunks []protocol.Chunk) (protocol.Status, error) {
	var status protocol.Status
	err := r.round(ctx, protocol.PutChunks, func(enc *protocol.Encoder, dec *protocol.Decoder) error {
		err := r.request(enc, protocol.PutChunks, func() {
			enc.WriteHash(expected)
			enc.WriteHash(id)
			enc.WriteString(message)
			enc.Int32(int32(len(chunks)))
			for _, c := range chunks {
				enc.WriteChunk(c)
			}
		})
		if err != nil {
			return err
		}
		r.counters.ChunksSent.Add(int64(len(chunks)))
		status, err = dec.ReadResponseHeader(protocol.PutChunks)
		return err
	})
	return status, err
}
