package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

const (
	version      byte = 1
	kindEntry    byte = 1
	kindManifest byte = 2
)

var (
	ErrCorrupt  = errors.New("offline: corrupt entry")
	ErrTooLarge = errors.New("offline: field too large for wire format")
	magic4      = [...]byte{'O', 'F', 'F', 'L'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Header is one name/value pair. Order is preserved on the wire.
type Header struct {
	Name  string
	Value string
}

// Entry is a cached response as stored by a provider.
// Key echoes the canonical "METHOD url" so readers can detect hash collisions.
type Entry struct {
	Key      string
	Status   int
	StoredAt int64 // unix nanos
	Headers  []Header
	Body     []byte
}

// Entry:
//
//	magic(4) | ver(1) | kind(1=entry) | status(u16 be) | storedAt(i64 be)
//	keyLen(u16 be) | key | nHdr(u16 be)
//	nameLen(u16 be) | name | valLen(u32 be) | val  * nHdr
//	bodyLen(u32 be) | body
func EncodeEntry(e Entry) ([]byte, error) {
	if e.Status < 0 || e.Status > math.MaxUint16 {
		return nil, ErrTooLarge
	}
	if l := len(e.Key); l == 0 || l > math.MaxUint16 {
		return nil, ErrTooLarge
	}
	if len(e.Headers) > math.MaxUint16 || uint64(len(e.Body)) > math.MaxUint32 {
		return nil, ErrTooLarge
	}

	total := 4 + 1 + 1 + 2 + 8 + 2 + len(e.Key) + 2 + 4 + len(e.Body)
	for _, h := range e.Headers {
		if len(h.Name) == 0 || len(h.Name) > math.MaxUint16 || uint64(len(h.Value)) > math.MaxUint32 {
			return nil, ErrTooLarge
		}
		total += 2 + len(h.Name) + 4 + len(h.Value)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint16(u2[:], uint16(e.Status))
	buf.Write(u2[:])
	binary.BigEndian.PutUint64(u8[:], uint64(e.StoredAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Key)))
	buf.Write(u2[:])
	buf.WriteString(e.Key)

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Headers)))
	buf.Write(u2[:])
	for _, h := range e.Headers {
		binary.BigEndian.PutUint16(u2[:], uint16(len(h.Name)))
		buf.Write(u2[:])
		buf.WriteString(h.Name)
		binary.BigEndian.PutUint32(u4[:], uint32(len(h.Value)))
		buf.Write(u4[:])
		buf.WriteString(h.Value)
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Body)))
	buf.Write(u4[:])
	buf.Write(e.Body)

	return buf.Bytes(), nil
}

// DecodeEntry parses an entry frame. Body aliases b.
func DecodeEntry(b []byte) (Entry, error) {
	if len(b) < 6 || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Entry{}, ErrCorrupt
	}
	r := reader{b: b, off: 6}

	var e Entry
	e.Status = int(r.u16())
	e.StoredAt = int64(r.u64())
	klen := int(r.u16())
	if klen == 0 {
		return Entry{}, ErrCorrupt
	}
	e.Key = string(r.bytes(klen))

	n := int(r.u16())
	if r.bad {
		return Entry{}, ErrCorrupt
	}
	if n > 0 {
		e.Headers = make([]Header, 0, n)
	}
	for i := 0; i < n && !r.bad; i++ {
		name := r.bytes(int(r.u16()))
		val := r.bytes(int(r.u32()))
		e.Headers = append(e.Headers, Header{Name: string(name), Value: string(val)})
	}
	e.Body = r.bytes(int(r.u32()))

	if r.bad || r.off != len(b) {
		return Entry{}, ErrCorrupt
	}
	return e, nil
}

// Manifest:
//
//	magic(4) | ver(1) | kind(2=manifest) | n(u32 be) | (keyLen(u16 be) | key) * n
func EncodeManifest(keys []string) ([]byte, error) {
	total := 4 + 1 + 1 + 4
	for _, k := range keys {
		if l := len(k); l == 0 || l > math.MaxUint16 {
			return nil, ErrTooLarge
		}
		total += 2 + len(k)
	}

	var buf bytes.Buffer
	buf.Grow(total)
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindManifest)

	var u4 [4]byte
	var u2 [2]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(keys)))
	buf.Write(u4[:])
	for _, k := range keys {
		binary.BigEndian.PutUint16(u2[:], uint16(len(k)))
		buf.Write(u2[:])
		buf.WriteString(k)
	}
	return buf.Bytes(), nil
}

func DecodeManifest(b []byte) ([]string, error) {
	if len(b) < 6 || !hasMagic(b) || b[4] != version || b[5] != kindManifest {
		return nil, ErrCorrupt
	}
	r := reader{b: b, off: 6}
	n := int(r.u32())
	if r.bad {
		return nil, ErrCorrupt
	}
	// each key needs at least 3 bytes; reject bogus counts before allocating
	if n > (len(b)-r.off)/3 {
		return nil, ErrCorrupt
	}
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		klen := int(r.u16())
		if klen == 0 {
			return nil, ErrCorrupt
		}
		k := r.bytes(klen)
		if r.bad {
			return nil, ErrCorrupt
		}
		keys = append(keys, string(k))
	}
	if r.off != len(b) {
		return nil, ErrCorrupt
	}
	return keys, nil
}

// reader is a bounds-checked cursor; after the first short read every call
// returns zero values and bad stays set.
type reader struct {
	b   []byte
	off int
	bad bool
}

func (r *reader) take(n int) []byte {
	if r.bad || n < 0 || n > len(r.b)-r.off {
		r.bad = true
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) u16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (r *reader) u32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (r *reader) u64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (r *reader) bytes(n int) []byte {
	if n == 0 {
		if r.bad {
			return nil
		}
		return []byte{}
	}
	return r.take(n)
}
