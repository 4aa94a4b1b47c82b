package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/i5heu/ouroboros-vcs/pkg/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRequestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		branch := rapid.StringN(0, 40, MaxBranchName).Draw(t, "branch")
		n := rapid.IntRange(0, 8).Draw(t, "n")
		chunks := make([]Chunk, n)
		for i := range chunks {
			data := rapid.SliceOfN(rapid.Byte(), 0, 300).Draw(t, "data")
			chunks[i] = Chunk{Hash: hash.Of(data), Data: data}
		}

		var buf bytes.Buffer
		enc := NewEncoder(&buf)
		enc.WriteRequestHeader(PutChunks)
		enc.WriteString(branch)
		enc.WriteHash(hash.Hash{})
		enc.Int32(int32(len(chunks)))
		for _, c := range chunks {
			enc.WriteChunk(c)
		}
		if err := enc.Flush(); err != nil {
			t.Fatal(err)
		}

		dec := NewDecoder(&buf, Limits{})
		code, err := dec.ReadRequestHeader()
		if err != nil || code != PutChunks {
			t.Fatalf("header: %v %v", code, err)
		}
		if got := dec.ReadBranch(); got != branch {
			t.Fatalf("branch %q != %q", got, branch)
		}
		if h := dec.ReadHash(); !h.IsZero() {
			t.Fatalf("zero hash decoded as %s", h)
		}
		count := dec.Count()
		if count != len(chunks) {
			t.Fatalf("count %d != %d", count, len(chunks))
		}
		for i := 0; i < count; i++ {
			c := dec.ReadChunk()
			if c.Hash != chunks[i].Hash || !bytes.Equal(c.Data, chunks[i].Data) {
				t.Fatalf("chunk %d differs", i)
			}
		}
		if dec.Err() != nil {
			t.Fatal(dec.Err())
		}
	})
}

func TestHashesRoundTrip(t *testing.T) {
	hs := []hash.Hash{hash.OfString("a"), hash.OfString("b"), hash.OfString("c")}
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WriteHashes(hs)
	require.NoError(t, enc.Flush())

	dec := NewDecoder(&buf, Limits{})
	assert.Equal(t, hs, dec.ReadHashes())
	require.NoError(t, dec.Err())
}

func TestResponseHeaderCarriesErrors(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WriteResponseHeader(GetChunks, StatusError, "chunk missing")
	enc.WriteResponseHeader(GetRemoteTip, StatusAccessDenied, "no pull right")
	enc.WriteResponseHeader(PutChunks, StatusPullRequired, "ignored")
	require.NoError(t, enc.Flush())

	dec := NewDecoder(&buf, Limits{})
	_, err := dec.ReadResponseHeader(GetChunks)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "chunk missing", remote.Message)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = dec.ReadResponseHeader(GetRemoteTip)
	assert.ErrorIs(t, err, ErrAccessDenied)

	status, err := dec.ReadResponseHeader(PutChunks)
	require.NoError(t, err)
	assert.Equal(t, StatusPullRequired, status)
}

func TestDecoderRejectsOversizedValues(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WriteString(string(make([]byte, MaxBranchName+1)))
	require.NoError(t, enc.Flush())
	dec := NewDecoder(&buf, Limits{})
	dec.ReadBranch()
	assert.ErrorIs(t, dec.Err(), ErrTooLarge)

	buf.Reset()
	enc = NewEncoder(&buf)
	enc.WriteChunk(Chunk{Hash: hash.OfString("x"), Data: make([]byte, 100)})
	require.NoError(t, enc.Flush())
	dec = NewDecoder(&buf, Limits{MaxChunkSize: 99})
	dec.ReadChunk()
	assert.ErrorIs(t, dec.Err(), ErrTooLarge)

	buf.Reset()
	enc = NewEncoder(&buf)
	enc.Int32(-5)
	require.NoError(t, enc.Flush())
	dec = NewDecoder(&buf, Limits{})
	dec.Count()
	assert.ErrorIs(t, dec.Err(), ErrProtocol)
}

func TestDecoderRejectsVersionAndCodeMismatch(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Int32(Version + 1)
	enc.Int32(int32(GetRemoteTip))
	require.NoError(t, enc.Flush())
	_, err := NewDecoder(&buf, Limits{}).ReadRequestHeader()
	assert.ErrorIs(t, err, ErrProtocol)

	buf.Reset()
	enc = NewEncoder(&buf)
	enc.WriteResponseHeader(HasChunks, StatusOK, "")
	require.NoError(t, enc.Flush())
	_, err = NewDecoder(&buf, Limits{}).ReadResponseHeader(GetChunks)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadRequestHeaderEOF(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader(nil), Limits{}).ReadRequestHeader()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAccessControl(t *testing.T) {
	acl := NewAccessControl(false)
	assert.True(t, acl.Check(GetRemoteTip, RightPull))
	assert.False(t, acl.Check(PutChunks, RightPull))
	assert.True(t, acl.Check(PutChunks, RightPush))
	assert.False(t, acl.Check(GetAllChunks, RightPull))
	assert.True(t, acl.Check(GetAllChunks, RightPull|RightPullChunkStore))
	assert.False(t, acl.Check(Code(42), RightPull|RightPush))

	open := NewAccessControl(true)
	assert.True(t, open.Disabled())
	assert.True(t, open.Check(PutChunks, 0))
}

func TestStatusFailed(t *testing.T) {
	assert.True(t, StatusError.Failed())
	assert.True(t, StatusAccessDenied.Failed())
	assert.False(t, StatusOK.Failed())
	assert.False(t, StatusPullRequired.Failed())
	assert.Equal(t, "PULL_REQUIRED", StatusPullRequired.String())
	assert.Equal(t, "HAS_CHUNKS", HasChunks.String())
}

func TestDecoderDoesNotTrustCounts(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Int32(DefaultMaxCount)
	enc.WriteHash(hash.OfString("a"))
	enc.WriteHash(hash.OfString("b"))
	require.NoError(t, enc.Flush())

	dec := NewDecoder(&buf, Limits{})
	got := dec.ReadHashes()
	require.Error(t, dec.Err())
	assert.LessOrEqual(t, cap(got), MaxPrealloc)

	buf.Reset()
	enc = NewEncoder(&buf)
	enc.WriteHash(hash.OfString("c"))
	enc.Int32(DefaultMaxChunkSize)
	enc.raw([]byte("short"))
	require.NoError(t, enc.Flush())
	dec = NewDecoder(&buf, Limits{})
	c := dec.ReadChunk()
	assert.ErrorIs(t, dec.Err(), io.ErrUnexpectedEOF)
	assert.Empty(t, c.Data)
}

func TestLargeChunkStreamsIn(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), MaxPrealloc*8)
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WriteChunk(Chunk{Hash: hash.Of(data), Data: data})
	require.NoError(t, enc.Flush())

	dec := NewDecoder(&buf, Limits{})
	c := dec.ReadChunk()
	require.NoError(t, dec.Err())
	assert.Equal(t, data, c.Data)
}

func TestErrorMessageKeepsRunesWhole(t *testing.T) {
	msg := "x" + strings.Repeat("\u00e9", MaxErrorMessage)
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.WriteResponseHeader(GetChunks, StatusError, msg)
	require.NoError(t, enc.Flush())

	_, err := NewDecoder(&buf, Limits{}).ReadResponseHeader(GetChunks)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.True(t, utf8.ValidString(remote.Message))
	assert.Equal(t, MaxErrorMessage-1, len(remote.Message))
	assert.True(t, strings.HasPrefix(msg, remote.Message))

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab", truncate("ab\u00e9", 3))
}
