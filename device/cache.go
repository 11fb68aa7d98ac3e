package device

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loadstone-boot/loadstone/status"
)

// cachedOps layers an LRU block cache over another device. Filesystem
// metadata walks re-read the same blocks constantly, so even a small cache
// pays for itself.
type cachedOps struct {
	inner     Ops
	blockSize uint64
	cache     *lru.Cache[uint64, []byte]
}

// NewCachedOps wraps ops with an LRU cache of blocks blocks of blockSize
// bytes each.
func NewCachedOps(ops Ops, blockSize uint64, blocks int) (Ops, error) {
	if blockSize == 0 || blocks <= 0 {
		return nil, cerrors.Wrapf(status.ErrInvalidArg,
			"cache of %d blocks of %d bytes", blocks, blockSize)
	}
	cache, err := lru.New[uint64, []byte](blocks)
	if err != nil {
		return nil, cerrors.Wrap(err, "creating block cache")
	}
	return &cachedOps{inner: ops, blockSize: blockSize, cache: cache}, nil
}

func (o *cachedOps) block(idx uint64) ([]byte, error) {
	if data, ok := o.cache.Get(idx); ok {
		return data, nil
	}

	start := idx * o.blockSize
	size := o.blockSize
	if start >= o.inner.Size() {
		return nil, cerrors.Wrapf(status.ErrEndOfFile, "block %d is past the device end", idx)
	}
	if start+size > o.inner.Size() {
		size = o.inner.Size() - start
	}

	data := make([]byte, size)
	if err := o.inner.Read(data, start); err != nil {
		return nil, err
	}
	o.cache.Add(idx, data)
	return data, nil
}

func (o *cachedOps) Read(buf []byte, offset uint64) error {
	if offset >= o.inner.Size() || offset+uint64(len(buf)) > o.inner.Size() {
		return cerrors.Wrapf(status.ErrEndOfFile,
			"read of 0x%x bytes at 0x%x exceeds device size 0x%x", len(buf), offset, o.inner.Size())
	}

	for len(buf) > 0 {
		block, err := o.block(offset / o.blockSize)
		if err != nil {
			return err
		}

		within := offset % o.blockSize
		n := copy(buf, block[within:])
		buf = buf[n:]
		offset += uint64(n)
	}
	return nil
}

func (o *cachedOps) Size() uint64 { return o.inner.Size() }

func (o *cachedOps) Identify() string {
	return fmt.Sprintf("%s (cached)", o.inner.Identify())
}
