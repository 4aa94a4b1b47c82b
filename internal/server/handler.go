package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/internal/protocol"
	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/sirupsen/logrus"
)

// handler serves the requests of one connection.
type handler struct {
	srv    *Server
	log    *logrus.Entry
	rights protocol.Rights
	dec    *protocol.Decoder
	enc    *protocol.Encoder
}

// handle reads the body of one request and answers it. A returned error
// ends the connection; failures the peer can recover from are answered
// with an error status instead.
func (h *handler) handle(ctx context.Context, code protocol.Code) error {
	switch code {
	case protocol.GetRemoteTip:
		return h.getRemoteTip(ctx)
	case protocol.HasChunks:
		return h.hasChunks(ctx)
	case protocol.GetChunks:
		return h.getChunks(ctx)
	case protocol.PutChunks:
		return h.putChunks(ctx)
	case protocol.GetAllChunks:
		return h.getAllChunks(ctx)
	default:
		err := fmt.Errorf("%w: unknown request code %d", protocol.ErrProtocol, int32(code))
		h.enc.WriteResponseHeader(code, protocol.StatusError, err.Error())
		_ = h.enc.Flush()
		return err
	}
}

// bodyDone turns a malformed request body into a fatal error response.
func (h *handler) bodyDone(code protocol.Code) error {
	err := h.dec.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, protocol.ErrProtocol) || errors.Is(err, protocol.ErrTooLarge) {
		h.enc.WriteResponseHeader(code, protocol.StatusError, err.Error())
		_ = h.enc.Flush()
	}
	return fmt.Errorf("reading %s request: %w", code, err)
}

// admit checks the connection's rights. Denied requests are answered here
// and never reach storage.
func (h *handler) admit(code protocol.Code) (bool, error) {
	if h.srv.acl.Check(code, h.rights) {
		return true, nil
	}
	h.log.WithField("request", code.String()).Warn("Access denied")
	h.enc.WriteResponseHeader(code, protocol.StatusAccessDenied,
		fmt.Sprintf("%s requires rights %d", code, protocol.RequiredRights(code)))
	return false, h.enc.Flush()
}

func (h *handler) fail(code protocol.Code, err error) error {
	h.log.WithError(err).WithField("request", code.String()).Warn("Request failed")
	h.enc.WriteResponseHeader(code, protocol.StatusError, err.Error())
	return h.enc.Flush()
}

func (h *handler) getRemoteTip(_ context.Context) error {
	const code = protocol.GetRemoteTip
	name := h.dec.ReadBranch()
	if err := h.bodyDone(code); err != nil {
		return err
	}
	if ok, err := h.admit(code); !ok {
		return err
	}
	b, err := h.srv.registry.Branch(name)
	if err != nil {
		return h.fail(code, err)
	}
	latest, err := b.Log.Latest()
	if err != nil {
		return h.fail(code, err)
	}
	tip := ""
	if latest != nil {
		tip = latest.Message
	}
	h.enc.WriteResponseHeader(code, protocol.StatusOK, "")
	h.enc.WriteString(tip)
	return h.enc.Flush()
}

func (h *handler) hasChunks(_ context.Context) error {
	const code = protocol.HasChunks
	name := h.dec.ReadBranch()
	wanted := h.dec.ReadHashes()
	if err := h.bodyDone(code); err != nil {
		return err
	}
	if ok, err := h.admit(code); !ok {
		return err
	}
	b, err := h.srv.registry.Branch(name)
	if err != nil {
		return h.fail(code, err)
	}
	var have []hash.Hash
	for _, c := range wanted {
		ok, err := b.Store.Contains(c)
		if err != nil {
			return h.fail(code, err)
		}
		if ok {
			have = append(have, c)
		}
	}
	h.enc.WriteResponseHeader(code, protocol.StatusOK, "")
	h.enc.WriteHashes(have)
	return h.enc.Flush()
}

func (h *handler) getChunks(_ context.Context) error {
	const code = protocol.GetChunks
	name := h.dec.ReadBranch()
	wanted := h.dec.ReadHashes()
	if err := h.bodyDone(code); err != nil {
		return err
	}
	if ok, err := h.admit(code); !ok {
		return err
	}
	b, err := h.srv.registry.Branch(name)
	if err != nil {
		return h.fail(code, err)
	}
	for _, c := range wanted {
		ok, err := b.Store.Contains(c)
		if err != nil {
			return h.fail(code, err)
		}
		if !ok {
			return h.fail(code, fmt.Errorf("chunk %s is not stored on branch %s", c.Short(), name))
		}
	}

	h.enc.WriteResponseHeader(code, protocol.StatusOK, "")
	for _, c := range wanted {
		data, err := b.Store.Get(c)
		if err != nil {
			// the status is already on the wire
			return fmt.Errorf("serving chunk %s: %w", c.Short(), err)
		}
		h.enc.WriteChunk(protocol.Chunk{Hash: c, Data: data})
	}
	return h.enc.Flush()
}

func (h *handler) putChunks(ctx context.Context) error {
	const code = protocol.PutChunks
	name := h.dec.ReadBranch()
	expected := h.dec.ReadHash()
	id := h.dec.ReadHash()
	message := h.dec.ReadMessage()
	n := h.dec.Count()
	chunks := make([]protocol.Chunk, 0, min(n, protocol.MaxPrealloc))
	for i := 0; i < n && h.dec.Err() == nil; i++ {
		chunks = append(chunks, h.dec.ReadChunk())
	}
	if err := h.bodyDone(code); err != nil {
		return err
	}
	if ok, err := h.admit(code); !ok {
		return err
	}
	b, err := h.srv.registry.Branch(name)
	if err != nil {
		return h.fail(code, err)
	}
	if message == "" {
		return h.fail(code, errors.New("empty branch log message"))
	}
	if id != b.Log.EntryID(message) {
		return h.fail(code, fmt.Errorf("entry id %s does not match its message", id.Short()))
	}

	b.push.Lock()
	defer b.push.Unlock()

	tx := b.Store.Begin()
	hashes := make([]hash.Hash, 0, len(chunks))
	for _, c := range chunks {
		if _, err := tx.PutWithHash(c.Hash, c.Data); err != nil {
			tx.Cancel()
			return h.fail(code, err)
		}
		hashes = append(hashes, c.Hash)
	}
	if err := tx.Commit(ctx); err != nil {
		return h.fail(code, err)
	}

	appended, err := b.Log.AddIfLatest(ctx, expected, id, message, hashes)
	if err != nil {
		return h.fail(code, err)
	}
	status := protocol.StatusOK
	if !appended {
		status = protocol.StatusPullRequired
	}
	h.log.WithFields(logrus.Fields{
		"branch": name,
		"chunks": len(chunks),
		"status": status.String(),
	}).Info("PUT_CHUNKS")
	h.enc.WriteResponseHeader(code, status, "")
	return h.enc.Flush()
}

func (h *handler) getAllChunks(ctx context.Context) error {
	const code = protocol.GetAllChunks
	name := h.dec.ReadBranch()
	if err := h.bodyDone(code); err != nil {
		return err
	}
	if ok, err := h.admit(code); !ok {
		return err
	}
	b, err := h.srv.registry.Branch(name)
	if err != nil {
		return h.fail(code, err)
	}
	it, err := b.Store.Iterator(ctx)
	if err != nil {
		return h.fail(code, err)
	}
	defer it.Unlock()
	keys, err := it.Keys(ctx)
	if err != nil {
		return h.fail(code, err)
	}

	h.enc.WriteResponseHeader(code, protocol.StatusOK, "")
	h.enc.Int32(int32(len(keys)))
	for _, k := range keys {
		data, err := b.Store.Get(k)
		if err != nil {
			return fmt.Errorf("serving chunk %s: %w", k.Short(), err)
		}
		h.enc.WriteChunk(protocol.Chunk{Hash: k, Data: data})
	}
	h.log.WithFields(logrus.Fields{"branch": name, "chunks": len(keys)}).Info("GET_ALL_CHUNKS")
	return h.enc.Flush()
}
