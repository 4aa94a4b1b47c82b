package tree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-vcs/internal/types"
	"google.golang.org/protobuf/encoding/protowire"
)

type Kind uint8

const (
	File Kind = 1
	Dir  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Dir:
		return "dir"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var ErrMalformedBox = errors.New("malformed box")

// Entry is one name in a directory.
type Entry struct {
	Name string
	Kind Kind
	Ref  types.Ref // container of the file content or of the sub directory box
	Size uint64    // file size in bytes, zero for directories
}

func (e Entry) IsFile() bool { return e.Kind == File }
func (e Entry) IsDir() bool  { return e.Kind == Dir }

// Same reports whether two entries point at identical content.
func (e Entry) Same(o Entry) bool {
	return e.Kind == o.Kind && e.Ref.Equal(o.Ref)
}

// DirBox is a FlatDirectoryBox: entries in insertion order, names unique.
type DirBox struct {
	Entries []Entry
}

func (d *DirBox) Lookup(name string) (Entry, bool) {
	for _, e := range d.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Put replaces the entry with the same name or appends a new one.
func (d *DirBox) Put(e Entry) {
	for i := range d.Entries {
		if d.Entries[i].Name == e.Name {
			d.Entries[i] = e
			return
		}
	}
	d.Entries = append(d.Entries, e)
}

func (d *DirBox) Remove(name string) bool {
	for i := range d.Entries {
		if d.Entries[i].Name == name {
			d.Entries = append(d.Entries[:i], d.Entries[i+1:]...)
			return true
		}
	}
	return false
}

func (d *DirBox) Clone() *DirBox {
	return &DirBox{Entries: append([]Entry(nil), d.Entries...)}
}

// Sorted returns the entries ordered by name.
func (d *DirBox) Sorted() []Entry {
	out := append([]Entry(nil), d.Entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

const (
	dirFieldEntry protowire.Number = 1

	entryName protowire.Number = 1
	entryKind protowire.Number = 2
	entryRef  protowire.Number = 3
	entrySize protowire.Number = 4
)

// Encode writes entries sorted by name so equal directories hash equally.
func (d *DirBox) Encode() []byte {
	var b []byte
	for _, e := range d.Sorted() {
		var msg []byte
		msg = protowire.AppendTag(msg, entryName, protowire.BytesType)
		msg = protowire.AppendString(msg, e.Name)
		msg = protowire.AppendTag(msg, entryKind, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(e.Kind))
		msg = types.AppendRef(msg, entryRef, e.Ref)
		msg = protowire.AppendTag(msg, entrySize, protowire.VarintType)
		msg = protowire.AppendVarint(msg, e.Size)
		b = protowire.AppendTag(b, dirFieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

func DecodeDirBox(b []byte) (*DirBox, error) {
	d := &DirBox{}
	seen := make(map[string]struct{})
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		if num != dirFieldEntry || typ != protowire.BytesType {
			return nil
		}
		e, err := decodeEntry(v)
		if err != nil {
			return err
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("%w: duplicate entry %q", ErrMalformedBox, e.Name)
		}
		seen[e.Name] = struct{}{}
		d.Entries = append(d.Entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case entryName:
			e.Name = string(v)
		case entryKind:
			e.Kind = Kind(n)
		case entryRef:
			ref, err := types.ConsumeRef(v)
			if err != nil {
				return err
			}
			e.Ref = ref
		case entrySize:
			e.Size = n
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	if e.Name == "" || (e.Kind != File && e.Kind != Dir) {
		return Entry{}, fmt.Errorf("%w: entry %q of kind %s", ErrMalformedBox, e.Name, e.Kind)
	}
	return e, nil
}

// consumeFields walks a protowire message, handing bytes fields as v and
// varint fields as n to fn.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedBox, protowire.ParseError(l))
		}
		b = b[l:]
		var err error
		switch typ {
		case protowire.BytesType:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedBox, protowire.ParseError(l))
			}
			b = b[l:]
			err = fn(num, typ, v, 0)
		case protowire.VarintType:
			n, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedBox, protowire.ParseError(l))
			}
			b = b[l:]
			err = fn(num, typ, nil, n)
		default:
			l := protowire.ConsumeFieldValue(num, typ, b)
			if l < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedBox, protowire.ParseError(l))
			}
			b = b[l:]
		}
		if err != nil {
			return err
		}
	}
	return nil
}
