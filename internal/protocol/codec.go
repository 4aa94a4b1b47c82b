package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/i5heu/ouroboros-vcs/pkg/hash"
)

const (
	MaxBranchName   = 128
	MaxErrorMessage = 4 << 10

	DefaultMaxMessage   = 64 << 10
	DefaultMaxChunkSize = 8 << 20
	DefaultMaxCount     = 1 << 20

	// MaxPrealloc caps capacity reserved from a peer supplied count. Larger
	// lists grow as elements actually arrive.
	MaxPrealloc = 1024
)

// Limits bound every length read from the wire.
type Limits struct {
	MaxMessage   int
	MaxChunkSize int
	MaxCount     int
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessage:   DefaultMaxMessage,
		MaxChunkSize: DefaultMaxChunkSize,
		MaxCount:     DefaultMaxCount,
	}
}

func (l Limits) orDefault() Limits {
	d := DefaultLimits()
	if l.MaxMessage <= 0 {
		l.MaxMessage = d.MaxMessage
	}
	if l.MaxChunkSize <= 0 {
		l.MaxChunkSize = d.MaxChunkSize
	}
	if l.MaxCount <= 0 {
		l.MaxCount = d.MaxCount
	}
	return l
}

// Chunk is one (hash, bytes) pair on the wire.
type Chunk struct {
	Hash hash.Hash
	Data []byte
}

// Encoder buffers writes; call Flush at the end of every message.
type Encoder struct {
	w   *bufio.Writer
	err error
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) Int32(v int32) {
	if e.err != nil {
		return
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	_, e.err = e.w.Write(b[:])
}

func (e *Encoder) raw(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *Encoder) WriteRequestHeader(code Code) {
	e.Int32(Version)
	e.Int32(int32(code))
}

// WriteResponseHeader writes a response header. Failed statuses are
// followed by msg.
func (e *Encoder) WriteResponseHeader(code Code, status Status, msg string) {
	e.Int32(Version)
	e.Int32(int32(code))
	e.Int32(int32(status))
	if status.Failed() {
		e.WriteString(truncate(msg, MaxErrorMessage))
	}
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (e *Encoder) WriteString(s string) {
	e.Int32(int32(len(s)))
	e.raw([]byte(s))
}

// WriteHash writes a length-prefixed hash; the zero hash is sent with
// length 0.
func (e *Encoder) WriteHash(h hash.Hash) {
	if h.IsZero() {
		e.Int32(0)
		return
	}
	e.Int32(int32(len(h)))
	e.raw(h[:])
}

func (e *Encoder) WriteHashes(hs []hash.Hash) {
	e.Int32(int32(len(hs)))
	for _, h := range hs {
		e.WriteHash(h)
	}
}

func (e *Encoder) WriteChunk(c Chunk) {
	e.WriteHash(c.Hash)
	e.Int32(int32(len(c.Data)))
	e.raw(c.Data)
}

func (e *Encoder) Flush() error {
	if e.err != nil {
		return e.err
	}
	e.err = e.w.Flush()
	return e.err
}

func (e *Encoder) Err() error { return e.err }

// Decoder reads bounded values. The first failure sticks.
type Decoder struct {
	r      *bufio.Reader
	limits Limits
	err    error
}

func NewDecoder(r io.Reader, limits Limits) *Decoder {
	return &Decoder{r: bufio.NewReader(r), limits: limits.orDefault()}
}

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) Limits() Limits { return d.limits }

func (d *Decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
}

func (d *Decoder) Int32() int32 {
	if d.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.err = err
		return 0
	}
	return int32(binary.BigEndian.Uint32(b[:]))
}

func (d *Decoder) length(max int, what string) int {
	n := d.Int32()
	if d.err != nil {
		return 0
	}
	if n < 0 {
		d.fail("%w: negative %s length %d", ErrProtocol, what, n)
		return 0
	}
	if int(n) > max {
		d.fail("%w: %s length %d > %d", ErrTooLarge, what, n, max)
		return 0
	}
	return int(n)
}

func (d *Decoder) bytes(n int) []byte {
	if d.err != nil || n == 0 {
		return nil
	}
	if n <= MaxPrealloc*64 {
		b := make([]byte, n)
		if _, err := io.ReadFull(d.r, b); err != nil {
			d.err = err
			return nil
		}
		return b
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, d.r, int64(n)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		return nil
	}
	return buf.Bytes()
}

func (d *Decoder) version() {
	v := d.Int32()
	if d.err == nil && v != Version {
		d.fail("%w: unsupported version %d", ErrProtocol, v)
	}
}

// ReadRequestHeader returns io.EOF untouched when the peer closed the
// connection between requests.
func (d *Decoder) ReadRequestHeader() (Code, error) {
	d.version()
	code := Code(d.Int32())
	return code, d.err
}

// ReadResponseHeader checks version and code and turns failed statuses
// into a *RemoteError.
func (d *Decoder) ReadResponseHeader(want Code) (Status, error) {
	d.version()
	code := Code(d.Int32())
	status := Status(d.Int32())
	if d.err != nil {
		return 0, d.err
	}
	if code != want {
		d.fail("%w: response for %s, expected %s", ErrProtocol, code, want)
		return 0, d.err
	}
	if status.Failed() {
		msg := d.ReadString(MaxErrorMessage)
		if d.err != nil {
			return 0, d.err
		}
		return status, &RemoteError{Code: code, Status: status, Message: msg}
	}
	return status, nil
}

func (d *Decoder) ReadString(max int) string {
	return string(d.bytes(d.length(max, "string")))
}

func (d *Decoder) ReadBranch() string {
	return d.ReadString(MaxBranchName)
}

func (d *Decoder) ReadMessage() string {
	return d.ReadString(d.limits.MaxMessage)
}

func (d *Decoder) ReadHash() hash.Hash {
	n := d.length(len(hash.Hash{}), "hash")
	if d.err != nil || n == 0 {
		return hash.Hash{}
	}
	if n != len(hash.Hash{}) {
		d.fail("%w: hash length %d", ErrProtocol, n)
		return hash.Hash{}
	}
	var h hash.Hash
	copy(h[:], d.bytes(n))
	return h
}

// Count reads a bounded element count.
func (d *Decoder) Count() int {
	return d.length(d.limits.MaxCount, "count")
}

func (d *Decoder) ReadHashes() []hash.Hash {
	n := d.Count()
	if d.err != nil {
		return nil
	}
	out := make([]hash.Hash, 0, min(n, MaxPrealloc))
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.ReadHash())
	}
	return out
}

func (d *Decoder) ReadChunk() Chunk {
	h := d.ReadHash()
	data := d.bytes(d.length(d.limits.MaxChunkSize, "chunk"))
	if data == nil {
		data = []byte{}
	}
	return Chunk{Hash: h, Data: data}
}
