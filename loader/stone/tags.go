// Package stone implements the native tag-list boot protocol: kernels are
// ELF images carrying embedded notes that describe their load requirements,
// and receive a contiguous list of type-tagged records describing the
// machine at entry.
package stone

import (
	"bytes"
	"encoding/binary"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/status"
)

// Protocol identification. A kernel declares the version it was built
// against in its image note; the magic is passed to the kernel in a
// register at entry.
const (
	Magic   uint32 = 0xb007cafe
	Version uint32 = 2
)

// Tag types, in the order a consumer usually sees them.
const (
	TagNone       uint32 = 0
	TagCore       uint32 = 1
	TagOption     uint32 = 2
	TagMemory     uint32 = 3
	TagVMem       uint32 = 4
	TagPagetables uint32 = 5
	TagModule     uint32 = 6
	TagVideo      uint32 = 7
	TagBootDev    uint32 = 8
	TagLog        uint32 = 9
	TagSections   uint32 = 10
	TagBiosE820   uint32 = 11
	TagEFI        uint32 = 12
	TagSerial     uint32 = 13
)

// TagsSize is the fixed size of the tag list allocation.
const TagsSize = 16 * 1024

const tagHeaderSize = 8
const tagAlign = 8

// TagWriter accumulates the tag list in the exact layout the kernel will
// scan: {type u32, size u32, payload}, each record padded to 8 bytes, ended
// by a single TagNone record.
type TagWriter struct {
	buf      []byte
	limit    int
	finished bool
}

func NewTagWriter(limit int) *TagWriter {
	return &TagWriter{limit: limit}
}

// Append adds one record. size covers the header plus the unpadded payload,
// which is what consumers use to skip unknown types.
func (w *TagWriter) Append(typ uint32, payload []byte) error {
	if w.finished {
		return cerrors.Wrap(status.ErrSystemError, "tag list already finished")
	}

	recordSize := tagHeaderSize + len(payload)
	padded := (recordSize + tagAlign - 1) &^ (tagAlign - 1)
	if len(w.buf)+padded+tagHeaderSize > w.limit {
		return cerrors.Wrapf(status.ErrNoMemory,
			"tag list full appending type %d (%d bytes)", typ, recordSize)
	}

	var header [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], typ)
	binary.LittleEndian.PutUint32(header[4:], uint32(recordSize))

	w.buf = append(w.buf, header[:]...)
	w.buf = append(w.buf, payload...)
	w.buf = append(w.buf, make([]byte, padded-recordSize)...)
	return nil
}

// PatchPayload overwrites the payload of the record starting at offset.
// Used for the core tag, whose content is only known once everything else
// has been placed.
func (w *TagWriter) PatchPayload(offset int, payload []byte) error {
	if offset+tagHeaderSize+len(payload) > len(w.buf) {
		return cerrors.Wrap(status.ErrSystemError, "patch outside the written tag list")
	}
	size := binary.LittleEndian.Uint32(w.buf[offset+4:])
	if int(size) != tagHeaderSize+len(payload) {
		return cerrors.Wrap(status.ErrSystemError, "patch does not match the record size")
	}
	copy(w.buf[offset+tagHeaderSize:], payload)
	return nil
}

// Offset returns where the next record will start.
func (w *TagWriter) Offset() int { return len(w.buf) }

// Finish appends the terminator. No further records can be added.
func (w *TagWriter) Finish() error {
	if err := w.Append(TagNone, nil); err != nil {
		return err
	}
	w.finished = true
	return nil
}

// Bytes returns the built list.
func (w *TagWriter) Bytes() []byte { return w.buf }

// ScannedTag is one record found by Scan.
type ScannedTag struct {
	Type    uint32
	Payload []byte
}

// Scan walks a tag list the way a kernel does: advancing by each record's
// size rounded to the alignment, stopping at the TagNone terminator.
// Exactly one terminator must be reached without running past the buffer.
func Scan(data []byte) ([]ScannedTag, error) {
	var tags []ScannedTag
	offset := 0
	for {
		if offset+tagHeaderSize > len(data) {
			return nil, cerrors.Wrap(status.ErrMalformedImage, "tag list has no terminator")
		}

		typ := binary.LittleEndian.Uint32(data[offset:])
		size := binary.LittleEndian.Uint32(data[offset+4:])

		if typ == TagNone {
			return tags, nil
		}
		if size < tagHeaderSize || offset+int(size) > len(data) {
			return nil, cerrors.Wrapf(status.ErrMalformedImage,
				"tag at offset %d has invalid size %d", offset, size)
		}

		tags = append(tags, ScannedTag{
			Type:    typ,
			Payload: bytes.Clone(data[offset+tagHeaderSize : offset+int(size)]),
		})

		offset += (int(size) + tagAlign - 1) &^ (tagAlign - 1)
	}
}

// payloadWriter builds little-endian tag payloads.
type payloadWriter struct {
	buf bytes.Buffer
}

func (p *payloadWriter) u32(v uint32) *payloadWriter {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.buf.Write(b[:])
	return p
}

func (p *payloadWriter) u64(v uint64) *payloadWriter {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	p.buf.Write(b[:])
	return p
}

// str writes a NUL-terminated string padded to the payload alignment.
func (p *payloadWriter) str(s string) *payloadWriter {
	p.buf.WriteString(s)
	p.buf.WriteByte(0)
	for p.buf.Len()%tagAlign != 0 {
		p.buf.WriteByte(0)
	}
	return p
}

func (p *payloadWriter) raw(data []byte) *payloadWriter {
	p.buf.Write(data)
	for p.buf.Len()%tagAlign != 0 {
		p.buf.WriteByte(0)
	}
	return p
}

func (p *payloadWriter) bytes() []byte { return p.buf.Bytes() }
