package region

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultBlockSize is the size of a freshly linked block when the request fits.
const DefaultBlockSize = 64 * 1024

const (
	align    = 8
	descSize = 16 // owner(u32) size(u32) tombstone(u8) padding(7)
)

var (
	ErrOutOfMemory = errors.New("region: out of memory")
	ErrFreed       = errors.New("region: access after free")
	ErrBadHandle   = errors.New("region: handle does not belong to this region")
)

var nextID atomic.Uint32

// Ptr is a handle to an allocation. It is an index triple, never an address,
// so it stays meaningful when the region's blocks are copied or moved.
type Ptr struct {
	region uint32
	block  uint32 // 1-based; zero means nil
	off    uint32 // payload offset inside the block
	size   uint32
}

func (p Ptr) IsNil() bool { return p.block == 0 }
func (p Ptr) Size() int   { return int(p.size) }

func (p Ptr) String() string {
	if p.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("r%d:b%d+%d[%d]", p.region, p.block, p.off, p.size)
}

type block struct {
	buf  []byte
	used int
	next *block
}

// budget is shared between a region and all of its children.
type budget struct {
	limit int // 0 = unlimited
	used  int
}

// Region is a bump allocator whose allocations are released together.
//
// OWNERSHIP: every Ptr handed out is owned by the region that produced it.
// THREAD-SAFETY: none. A region belongs to one evaluation at a time.
type Region struct {
	id        uint32
	parent    *Region
	children  map[*Region]struct{}
	head      *block // newest block first
	blocks    []*block
	blockSize int
	budget    *budget
	debug     bool
	descs     []Ptr
	allocs    int
	freed     bool
}

type Option func(*Region)

// WithBlockSize sets the default size of new blocks.
func WithBlockSize(n int) Option {
	return func(r *Region) {
		if n > 0 {
			r.blockSize = n
		}
	}
}

// WithLimit caps the number of block bytes the region and its children may hold.
func WithLimit(n int) Option {
	return func(r *Region) { r.budget.limit = n }
}

// WithDebug keeps a list of every allocation so Leaks can report them.
func WithDebug() Option {
	return func(r *Region) { r.debug = true }
}

// New creates an empty region. No block is allocated until the first Alloc.
func New(opts ...Option) *Region {
	r := &Region{
		id:        nextID.Add(1),
		blockSize: DefaultBlockSize,
		budget:    &budget{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Child creates a nested region sharing this region's budget. Freeing the
// parent frees the child too.
func (r *Region) Child() *Region {
	c := &Region{
		id:        nextID.Add(1),
		parent:    r,
		blockSize: r.blockSize,
		budget:    r.budget,
		debug:     r.debug,
	}
	if r.children == nil {
		r.children = make(map[*Region]struct{})
	}
	r.children[c] = struct{}{}
	return c
}

func (r *Region) ID() uint32 { return r.id }

// Alloc reserves n bytes and returns a handle to them. The payload is zeroed
// and 8-byte aligned inside its block.
func (r *Region) Alloc(n int) (Ptr, error) {
	if r.freed {
		return Ptr{}, ErrFreed
	}
	if n < 0 {
		return Ptr{}, fmt.Errorf("region: negative allocation size %d", n)
	}
	payload := (n + align - 1) &^ (align - 1)
	needed := descSize + payload

	if r.head == nil || len(r.head.buf)-r.head.used < needed {
		size := r.blockSize
		if needed > size {
			size = needed
		}
		if r.budget.limit > 0 && r.budget.used+size > r.budget.limit {
			return Ptr{}, ErrOutOfMemory
		}
		b := &block{buf: make([]byte, size), next: r.head}
		r.budget.used += size
		r.head = b
		r.blocks = append(r.blocks, b)
	}

	b := r.head
	start := b.used
	binary.LittleEndian.PutUint32(b.buf[start:], r.id)
	binary.LittleEndian.PutUint32(b.buf[start+4:], uint32(n))
	b.buf[start+8] = 0
	b.used += needed

	p := Ptr{region: r.id, block: uint32(len(r.blocks)), off: uint32(start + descSize), size: uint32(n)}
	r.allocs++
	if r.debug {
		r.descs = append(r.descs, p)
	}
	return p, nil
}

// AllocBytes copies data into a new allocation.
func (r *Region) AllocBytes(data []byte) (Ptr, error) {
	p, err := r.Alloc(len(data))
	if err != nil {
		return Ptr{}, err
	}
	buf, _ := r.Bytes(p)
	copy(buf, data)
	return p, nil
}

// AllocString copies s into a new allocation.
func (r *Region) AllocString(s string) (Ptr, error) {
	p, err := r.Alloc(len(s))
	if err != nil {
		return Ptr{}, err
	}
	buf, _ := r.Bytes(p)
	copy(buf, s)
	return p, nil
}

// Bytes returns the live slice behind p. The slice aliases region memory and
// must not be retained past Free.
func (r *Region) Bytes(p Ptr) ([]byte, error) {
	if r.freed {
		return nil, ErrFreed
	}
	if p.IsNil() || p.region != r.id || int(p.block) > len(r.blocks) {
		return nil, ErrBadHandle
	}
	b := r.blocks[p.block-1]
	end := int(p.off) + int(p.size)
	if end > b.used {
		return nil, ErrBadHandle
	}
	return b.buf[p.off:end:end], nil
}

// String returns a copy of the bytes behind p as a string.
func (r *Region) String(p Ptr) (string, error) {
	buf, err := r.Bytes(p)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Descriptor reads the allocation header stored in front of p.
func (r *Region) Descriptor(p Ptr) (Descriptor, error) {
	if _, err := r.Bytes(p); err != nil {
		return Descriptor{}, err
	}
	b := r.blocks[p.block-1]
	h := int(p.off) - descSize
	return Descriptor{
		Ptr:       p,
		Owner:     binary.LittleEndian.Uint32(b.buf[h:]),
		Size:      int(binary.LittleEndian.Uint32(b.buf[h+4:])),
		Tombstone: b.buf[h+8] != 0,
	}, nil
}

// Release marks an allocation dead. Memory is only reclaimed by Free; the
// tombstone exists for leak checks.
func (r *Region) Release(p Ptr) error {
	if _, err := r.Bytes(p); err != nil {
		return err
	}
	r.blocks[p.block-1].buf[int(p.off)-descSize+8] = 1
	return nil
}

// Free zeroes and drops every block of the region and of its live children.
func (r *Region) Free() {
	if r.freed {
		return
	}
	for c := range r.children {
		c.Free()
	}
	for _, b := range r.blocks {
		clear(b.buf)
		r.budget.used -= len(b.buf)
	}
	r.blocks = nil
	r.head = nil
	r.descs = nil
	r.freed = true
	if r.parent != nil {
		delete(r.parent.children, r)
	}
}

func (r *Region) Freed() bool { return r.freed }

// Reset frees the region's blocks and makes it usable again. The region gets a
// fresh id so handles issued before the reset are rejected.
func (r *Region) Reset() {
	r.Free()
	r.freed = false
	r.allocs = 0
	r.id = nextID.Add(1)
	if r.parent != nil && !r.parent.freed {
		r.parent.children[r] = struct{}{}
	}
}

// Descriptor describes one allocation.
type Descriptor struct {
	Ptr       Ptr
	Owner     uint32
	Size      int
	Tombstone bool
}

// Leaks lists allocations that were never released. Only available with WithDebug.
func (r *Region) Leaks() []Descriptor {
	var out []Descriptor
	for _, p := range r.descs {
		d, err := r.Descriptor(p)
		if err == nil && !d.Tombstone {
			out = append(out, d)
		}
	}
	return out
}

// Stats reports block usage of this region (children excluded).
type Stats struct {
	Blocks   int
	Used     int
	Capacity int
	Allocs   int
	Budget   int
}

func (r *Region) Stats() Stats {
	s := Stats{Blocks: len(r.blocks), Allocs: r.allocs, Budget: r.budget.used}
	for _, b := range r.blocks {
		s.Used += b.used
		s.Capacity += len(b.buf)
	}
	return s
}

// Contiguous returns the used bytes of the region when they live in a single
// block. Encoders that reserve one block up front use it to hand the whole
// payload to a shared segment.
func (r *Region) Contiguous() ([]byte, error) {
	if r.freed {
		return nil, ErrFreed
	}
	switch len(r.blocks) {
	case 0:
		return nil, nil
	case 1:
		return r.blocks[0].buf[:r.blocks[0].used], nil
	default:
		return nil, fmt.Errorf("region: %d blocks, not contiguous", len(r.blocks))
	}
}

// Offset returns the byte offset of p's payload inside its block.
func (p Ptr) Offset() int { return int(p.off) }
