// Package assets loads the model files the engine consumes: the encoder and
// decoder graphs, the token embedding table and the vocabulary.
package assets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrCorruptFile = errors.New("assets: file too large or unreadable")

// Blob is an owned, read-only byte buffer. Files are memory-mapped where
// possible. Blob is safe for concurrent use.
type Blob struct {
	mu       sync.Mutex
	name     string
	data     []byte
	mmapped  bool
	released bool
}

// Open maps path read-only, falling back to reading it into memory.
// The returned blob must be closed to release any mapping.
func Open(path string) (*Blob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s", ErrCorruptFile, path)
	}
	size := int(size64)

	if size > 0 {
		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			return &Blob{name: path, data: data, mmapped: true}, nil
		}
	}

	data, err := readAllAt(f, size)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &Blob{name: path, data: data}, nil
}

// FromBytes wraps an in-memory buffer. The blob takes ownership of data.
func FromBytes(name string, data []byte) *Blob {
	return &Blob{name: name, data: data}
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

// Name is the path or label the blob was created with.
func (b *Blob) Name() string { return b.name }

// Bytes returns the contents. After Release a heap blob returns nil; a
// mapped blob stays readable and pages back in on access.
func (b *Blob) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Len reports the size in bytes.
func (b *Blob) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Mapped reports whether the contents are memory-mapped.
func (b *Blob) Mapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mmapped
}

// Release tells the kernel the mapped pages may be reclaimed. A heap blob
// drops its buffer instead. Calling it more than once is a no-op.
func (b *Blob) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released || b.data == nil {
		return nil
	}
	b.released = true
	if !b.mmapped {
		b.data = nil
		return nil
	}
	if len(b.data) == 0 {
		return nil
	}
	if err := unix.Madvise(b.data, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise %s: %w", b.name, err)
	}
	return nil
}

// Close unmaps or drops the contents. It is idempotent.
func (b *Blob) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		b.mmapped = false
		return nil
	}
	var err error
	if b.mmapped {
		err = unix.Munmap(b.data)
	}
	b.data = nil
	b.mmapped = false
	return err
}
