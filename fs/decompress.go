package fs

import (
	"encoding/binary"
	"io"

	cerrors "github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/readahead"

	"github.com/loadstone-boot/loadstone/status"
)

const (
	gzipMagic0 = 0x1f
	gzipMagic1 = 0x8b

	gzipMethodDeflate = 8

	gzipFlagEncrypted = 1 << 5

	// Header plus trailer: the smallest possible gzip file.
	gzipMinSize = 18
)

// WrapDecompress sniffs a file handle for a known compressed container and,
// if one is recognized, returns a handle that decompresses on demand and
// reports the uncompressed size. Unrecognized content returns the handle
// unchanged, so the wrapping is invisible to callers either way.
func WrapDecompress(h Handle) (Handle, error) {
	if h.Size() < gzipMinSize {
		return h, nil
	}

	var header [10]byte
	if err := Read(h, header[:], 0); err != nil {
		return nil, err
	}
	if header[0] != gzipMagic0 || header[1] != gzipMagic1 {
		return h, nil
	}
	if header[2] != gzipMethodDeflate {
		return h, nil
	}
	if header[3]&gzipFlagEncrypted != 0 {
		return nil, cerrors.Wrap(status.ErrNotSupported, "encrypted gzip content")
	}

	// The trailer holds the uncompressed size modulo 2^32.
	var trailer [4]byte
	if err := Read(h, trailer[:], h.Size()-4); err != nil {
		return nil, err
	}

	return &decompressHandle{
		src:  h,
		size: uint64(binary.LittleEndian.Uint32(trailer[:])),
	}, nil
}

// decompressHandle reads a gzip stream sequentially. Forward seeks discard
// intervening output; backward seeks restart the stream from the beginning.
type decompressHandle struct {
	src    Handle
	size   uint64
	offset uint64
	reader *gzip.Reader
	raw    io.Closer
}

func (h *decompressHandle) restart() error {
	h.discard()

	ra, err := readahead.NewReaderSize(&handleReader{h: h.src}, 4, 128<<10)
	if err != nil {
		return cerrors.Wrap(err, "creating read-ahead stream")
	}

	gz, err := gzip.NewReader(ra)
	if err != nil {
		ra.Close()
		return cerrors.Wrapf(status.ErrCorruptFilesystem, "bad gzip stream: %v", err)
	}

	h.reader = gz
	h.raw = ra
	h.offset = 0
	return nil
}

func (h *decompressHandle) discard() {
	if h.reader != nil {
		h.reader.Close()
		h.reader = nil
	}
	if h.raw != nil {
		h.raw.Close()
		h.raw = nil
	}
}

func (h *decompressHandle) Read(buf []byte, offset uint64) error {
	if h.reader == nil || offset < h.offset {
		if err := h.restart(); err != nil {
			return err
		}
	}

	if offset > h.offset {
		if _, err := io.CopyN(io.Discard, h.reader, int64(offset-h.offset)); err != nil {
			return cerrors.Wrapf(status.ErrCorruptFilesystem, "gzip stream ended early: %v", err)
		}
		h.offset = offset
	}

	if _, err := io.ReadFull(h.reader, buf); err != nil {
		return cerrors.Wrapf(status.ErrCorruptFilesystem, "gzip stream ended early: %v", err)
	}
	h.offset += uint64(len(buf))
	return nil
}

func (h *decompressHandle) Mount() Mount   { return h.src.Mount() }
func (h *decompressHandle) Type() FileType { return TypeFile }
func (h *decompressHandle) Size() uint64   { return h.size }

func (h *decompressHandle) Lookup(string) (Handle, error) {
	return nil, cerrors.Wrap(status.ErrNotDir, "lookup on a file")
}

func (h *decompressHandle) Iterate(func(string) error) error {
	return cerrors.Wrap(status.ErrNotDir, "iterate on a file")
}

func (h *decompressHandle) Close() {
	h.discard()
	h.src.Close()
}

// handleReader adapts a Handle to a sequential io.Reader for the
// decompression pipeline.
type handleReader struct {
	h   Handle
	off uint64
}

func (r *handleReader) Read(p []byte) (int, error) {
	remaining := r.h.Size() - r.off
	if remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}
	if err := Read(r.h, p, r.off); err != nil {
		return 0, err
	}
	r.off += uint64(len(p))
	return len(p), nil
}
