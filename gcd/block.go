package gcd

import (
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/uefikit/dxecore/efi"
)

// blockState tags whether a block's range is currently handed out to an
// owner. A block's region type and attributes live in its payload; the state
// tag only toggles on allocate and free.
type blockState uint8

const (
	blockUnallocated blockState = iota
	blockAllocated
)

func (s blockState) String() string {
	if s == blockAllocated {
		return "Allocated"
	}
	return "Unallocated"
}

// memoryBlockData is the per-block payload for the memory address space.
// Base and length live on the block itself; two memory blocks may merge
// exactly when these payloads compare equal.
type memoryBlockData struct {
	memoryType   efi.GcdMemoryType
	capabilities uint64
	attributes   uint64
	imageHandle  efi.Handle
	deviceHandle efi.Handle
}

// ioBlockData is the per-block payload for the I/O address space. I/O ranges
// carry no attributes or capabilities.
type ioBlockData struct {
	ioType       efi.GcdIoType
	imageHandle  efi.Handle
	deviceHandle efi.Handle
}

// block is one contiguous range of an address space. The split/merge engine
// below is shared between both spaces; everything the two kinds disagree on
// lives in the payload type D and in the transition closures applied to it.
type block[D comparable] struct {
	state  blockState
	base   efi.PhysicalAddress
	length uint64
	data   D
}

func (b *block[D]) end() efi.PhysicalAddress {
	return b.base + b.length
}

func (b *block[D]) contains(address efi.PhysicalAddress) bool {
	return address >= b.base && address-b.base < b.length
}

// containsRange reports whether [base, base+length) lies entirely inside the
// block. Overflow-safe: callers may pass ranges near the top of the space.
func (b *block[D]) containsRange(base efi.PhysicalAddress, length uint64) bool {
	return length != 0 && length <= b.length && base >= b.base &&
		base-b.base <= b.length-length
}

// transition mutates a block's state or payload after checking that the
// mutation is legal. Implementations must not modify the block when they
// return an error: splitStateTransition relies on failed transitions leaving
// the cut fragment untouched so the split can be unwound by re-merging.
type transition[D comparable] func(b *block[D]) error

// blockPool recycles block records through the heavy split/merge churn the
// maps generate. Fields are reset on get, as drained blocks go back in the
// pool still carrying their final payload.
type blockPool[D comparable] struct {
	pool sync.Pool
}

func (p *blockPool[D]) get() *block[D] {
	raw := p.pool.Get()
	if raw == nil {
		return &block[D]{}
	}
	b := raw.(*block[D])
	*b = block[D]{}
	return b
}

func (p *blockPool[D]) put(b *block[D]) {
	p.pool.Put(b)
}

var memoryBlockPool = &blockPool[memoryBlockData]{}
var ioBlockPool = &blockPool[ioBlockData]{}

// merge absorbs other into b. It succeeds only when the two blocks carry the
// same state tag and payload and other begins exactly where b ends; b then
// grows by other's length and other's length drops to zero so the caller can
// discard it. Any other combination returns false without mutating either
// block.
func (b *block[D]) merge(other *block[D]) bool {
	if b.state != other.state || b.data != other.data || b.end() != other.base {
		return false
	}

	b.length += other.length
	other.length = 0
	return true
}

// splitShape describes how a requested range lined up with the block it was
// carved from.
type splitShape uint8

const (
	// splitSame: the range covered the whole block; nothing was created.
	splitSame splitShape = iota
	// splitBefore: the range starts at the block's base; the block becomes
	// the cut and one new block holds the tail.
	splitBefore
	// splitAfter: the range ends at the block's end; the block keeps the
	// head and one new block is the cut.
	splitAfter
	// splitMiddle: the range is strictly interior; the block keeps the head
	// and two new blocks hold the cut and the tail.
	splitMiddle
)

// blockSplit is the outcome of a split: which fragment covers exactly the
// requested range, and the newly created fragments (in address order) the
// caller must insert directly after the original block.
type blockSplit[D comparable] struct {
	shape   splitShape
	cut     *block[D]
	created []*block[D]
}

// split carves [base, base+length) out of the block. The block keeps the
// fragment at its own base address; new fragments for the cut and/or the
// tail come from pool and are returned for insertion. The request must lie
// entirely inside the block or BlockOutsideRangeError is returned and
// nothing changes.
func (b *block[D]) split(base efi.PhysicalAddress, length uint64, pool *blockPool[D]) (blockSplit[D], error) {
	if !b.containsRange(base, length) {
		return blockSplit[D]{}, cerrors.Wrapf(BlockOutsideRangeError,
			"range [%#x, +%#x) is not inside block [%#x, %#x)", base, length, b.base, b.end())
	}

	end := base + length
	switch {
	case base == b.base && end == b.end():
		return blockSplit[D]{shape: splitSame, cut: b}, nil

	case base == b.base:
		next := pool.get()
		*next = *b
		next.base = end
		next.length = b.end() - end
		b.length = length
		return blockSplit[D]{shape: splitBefore, cut: b, created: []*block[D]{next}}, nil

	case end == b.end():
		cut := pool.get()
		*cut = *b
		cut.base = base
		cut.length = length
		b.length = base - b.base
		return blockSplit[D]{shape: splitAfter, cut: cut, created: []*block[D]{cut}}, nil

	default:
		cut := pool.get()
		*cut = *b
		cut.base = base
		cut.length = length

		last := pool.get()
		*last = *b
		last.base = end
		last.length = b.end() - end

		b.length = base - b.base
		return blockSplit[D]{shape: splitMiddle, cut: cut, created: []*block[D]{cut, last}}, nil
	}
}

// splitStateTransition carves the requested range out of the block and
// applies tr to exactly the cut fragment. If the transition fails, the
// fragments are merged back together so the block is restored to its
// pre-call shape, and the transition's error is returned. The all-or-nothing
// behavior here is what keeps a failed mutation from ever leaving the map
// partially split.
func (b *block[D]) splitStateTransition(base efi.PhysicalAddress, length uint64, tr transition[D], pool *blockPool[D]) (blockSplit[D], error) {
	split, err := b.split(base, length, pool)
	if err != nil {
		return blockSplit[D]{}, err
	}

	err = tr(split.cut)
	if err == nil {
		return split, nil
	}

	// A failed transition left the cut untouched, so the fragments are
	// still state-equal and adjacent and these merges cannot fail.
	switch split.shape {
	case splitSame:
		// No fragments were created.
	case splitBefore:
		if !b.merge(split.created[0]) {
			panic("failed to re-merge the tail fragment after a rejected transition")
		}
		pool.put(split.created[0])
	case splitAfter:
		if !b.merge(split.cut) {
			panic("failed to re-merge the cut fragment after a rejected transition")
		}
		pool.put(split.cut)
	case splitMiddle:
		if !split.cut.merge(split.created[1]) {
			panic("failed to re-merge the tail fragment after a rejected transition")
		}
		if !b.merge(split.cut) {
			panic("failed to re-merge the cut fragment after a rejected transition")
		}
		pool.put(split.created[1])
		pool.put(split.cut)
	}

	return blockSplit[D]{}, err
}
