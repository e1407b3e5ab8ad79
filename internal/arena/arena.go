package arena

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrOutOfMemory is returned when an allocation does not fit in the remaining capacity
	ErrOutOfMemory = errors.New("arena: out of memory")

	// ErrNotLast is returned when Resize is called with a mark that is not the most recent allocation
	ErrNotLast = errors.New("arena: mark is not the most recent allocation")
)

// Element lists the pointer-free types that may be carved out of an arena
type Element interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// Mark identifies one allocation. Only the mark of the most recent
// allocation is accepted by Resize
type Mark struct {
	offset int
	size   int
	seq    uint64
}

// Size returns the allocation size in bytes
func (m Mark) Size() int {
	return m.size
}

// Arena is a bump allocator over one contiguous buffer.
// It is owned by a single goroutine and performs no locking
type Arena struct {
	buf    []byte
	offset int
	seq    uint64
	last   Mark
}

// New creates an arena with a fixed capacity in bytes
func New(capacity int) (*Arena, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("arena capacity must be positive, got %d", capacity)
	}

	return &Arena{buf: make([]byte, capacity)}, nil
}

// Cap returns the capacity of the backing buffer
func (a *Arena) Cap() int {
	return len(a.buf)
}

// Used returns the number of bytes consumed, alignment padding included
func (a *Arena) Used() int {
	return a.offset
}

// Reset releases every allocation. Previously returned marks become stale
func (a *Arena) Reset() {
	a.offset = 0
	a.seq++
	a.last = Mark{}
}

// Push allocates size zeroed bytes aligned to align, which must be a power of two
func (a *Arena) Push(size, align int) ([]byte, Mark, error) {
	if size < 0 {
		return nil, Mark{}, fmt.Errorf("arena: negative allocation size %d", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, Mark{}, fmt.Errorf("arena: alignment must be a power of two, got %d", align)
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(a.buf)))
	addr := base + uintptr(a.offset)
	padding := int((uintptr(align) - addr%uintptr(align)) % uintptr(align))

	start := a.offset + padding
	if start+size > len(a.buf) {
		return nil, Mark{}, fmt.Errorf("%w: requested %d bytes, %d of %d in use",
			ErrOutOfMemory, size, a.offset, len(a.buf))
	}

	a.offset = start + size
	a.seq++
	a.last = Mark{offset: start, size: size, seq: a.seq}

	block := a.buf[start : start+size : start+size]
	clear(block)
	return block, a.last, nil
}

// Resize grows or shrinks the most recent allocation in place. Bytes gained
// by growing are zeroed. On failure the allocation is left unchanged
func (a *Arena) Resize(m Mark, newSize int) ([]byte, Mark, error) {
	if m.seq == 0 || m != a.last {
		return nil, Mark{}, ErrNotLast
	}
	if newSize < 0 {
		return nil, Mark{}, fmt.Errorf("arena: negative allocation size %d", newSize)
	}
	if m.offset+newSize > len(a.buf) {
		return nil, Mark{}, fmt.Errorf("%w: resize to %d bytes, %d of %d in use",
			ErrOutOfMemory, newSize, a.offset, len(a.buf))
	}

	if newSize > m.size {
		clear(a.buf[m.offset+m.size : m.offset+newSize])
	}

	a.offset = m.offset + newSize
	a.seq++
	a.last = Mark{offset: m.offset, size: newSize, seq: a.seq}

	return a.buf[m.offset : m.offset+newSize : m.offset+newSize], a.last, nil
}

// PushSlice allocates n zeroed elements of T aligned for T
func PushSlice[T Element](a *Arena, n int) ([]T, Mark, error) {
	var zero T
	elem := int(unsafe.Sizeof(zero))

	block, m, err := a.Push(n*elem, int(unsafe.Alignof(zero)))
	if err != nil {
		return nil, Mark{}, err
	}
	return view[T](block, n), m, nil
}

// ResizeSlice resizes the most recent allocation, made by PushSlice, to n elements
func ResizeSlice[T Element](a *Arena, m Mark, n int) ([]T, Mark, error) {
	var zero T
	block, m, err := a.Resize(m, n*int(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, Mark{}, err
	}
	return view[T](block, n), m, nil
}

func view[T Element](block []byte, n int) []T {
	if n == 0 {
		return []T{}
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(block))), n)
}
