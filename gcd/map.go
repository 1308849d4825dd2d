package gcd

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/uefikit/dxecore/efi"
	"github.com/uefikit/dxecore/memutils"
	"golang.org/x/exp/slices"
)

// spaceMap owns the ordered block partition of one address space. The slice
// is sorted by base address, gapless from zero to the modeled maximum, and
// kept maximally merged: no two neighbors ever carry equal state. All methods
// assume the caller holds whatever lock guards the map.
type spaceMap[D comparable] struct {
	blocks  []*block[D]
	maximum efi.PhysicalAddress
	pool    *blockPool[D]
}

// initSpace models [0, 1<<bits) as a single unallocated block of the zero
// payload (the non-existent region type for both kinds). bits must be below
// 64 so block arithmetic cannot overflow; the façade validates that.
func (m *spaceMap[D]) initSpace(bits uint, pool *blockPool[D]) {
	m.pool = pool
	m.maximum = efi.PhysicalAddress(1) << bits

	first := pool.get()
	first.length = m.maximum
	m.blocks = append(m.blocks[:0], first)
}

func (m *spaceMap[D]) initialized() bool {
	return len(m.blocks) > 0
}

// indexOf returns the index of the block containing address. The partition
// is gapless, so the search can only miss for addresses outside the modeled
// space.
func (m *spaceMap[D]) indexOf(address efi.PhysicalAddress) (int, error) {
	if address >= m.maximum {
		return 0, cerrors.Wrapf(BlockOutsideRangeError,
			"address %#x is beyond the modeled space [0, %#x)", address, m.maximum)
	}

	i, found := slices.BinarySearchFunc(m.blocks, address, func(b *block[D], target efi.PhysicalAddress) int {
		if b.base > target {
			return 1
		}
		if b.end() <= target {
			return -1
		}
		return 0
	})
	if !found {
		panic(fmt.Sprintf("space map has a gap: no block contains address %#x", address))
	}

	return i, nil
}

// overlap returns the index range [first, last] of blocks intersecting
// [base, base+length).
func (m *spaceMap[D]) overlap(base efi.PhysicalAddress, length uint64) (first, last int, err error) {
	if length == 0 || base >= m.maximum || m.maximum-base < length {
		return 0, 0, cerrors.Wrapf(BlockOutsideRangeError,
			"range [%#x, +%#x) is not inside the modeled space [0, %#x)", base, length, m.maximum)
	}

	first, err = m.indexOf(base)
	if err != nil {
		return 0, 0, err
	}
	last, err = m.indexOf(base + length - 1)
	if err != nil {
		return 0, 0, err
	}
	return first, last, nil
}

func (m *spaceMap[D]) removeAt(i int) {
	drained := m.blocks[i]
	m.blocks = append(m.blocks[:i], m.blocks[i+1:]...)
	m.pool.put(drained)
}

// mergeNeighbors restores the max-merged invariant around the block at index
// i, trying the right boundary first and then the left. It returns the
// block's index after any merges.
func (m *spaceMap[D]) mergeNeighbors(i int) int {
	if i+1 < len(m.blocks) && m.blocks[i].merge(m.blocks[i+1]) {
		m.removeAt(i + 1)
	}
	if i > 0 && m.blocks[i-1].merge(m.blocks[i]) {
		m.removeAt(i)
		i--
	}
	return i
}

// transitionAt applies tr to exactly [base, base+length), which must lie
// within a single block: the map is maximally merged, so any range for which
// the transition is legal as a unit is single-block by construction. The
// engine's split rollback guarantees the map is untouched when an error
// comes back.
func (m *spaceMap[D]) transitionAt(base efi.PhysicalAddress, length uint64, tr transition[D]) error {
	if length == 0 {
		return cerrors.Wrap(BlockOutsideRangeError, "zero-length range")
	}
	i, err := m.indexOf(base)
	if err != nil {
		return err
	}

	b := m.blocks[i]
	if !b.containsRange(base, length) {
		return cerrors.Wrapf(BlockOutsideRangeError,
			"range [%#x, +%#x) spans beyond the %s block [%#x, %#x)",
			base, length, b.state, b.base, b.end())
	}

	split, err := b.splitStateTransition(base, length, tr, m.pool)
	if err != nil {
		return err
	}

	if len(split.created) > 0 {
		m.blocks = slices.Insert(m.blocks, i+1, split.created...)
	}

	cutIndex := i
	if split.shape == splitAfter || split.shape == splitMiddle {
		cutIndex = i + 1
	}
	m.mergeNeighbors(cutIndex)
	return nil
}

// transitionRange applies tr across every block overlapping
// [base, base+length), atomically for the whole call: pass one probes each
// overlapped block with a copy, so every precondition failure surfaces
// before anything mutates; pass two then applies the transition sub-range by
// sub-range. A pass-two failure is impossible for a transition that passed
// its probe, so it panics rather than attempting repair.
func (m *spaceMap[D]) transitionRange(base efi.PhysicalAddress, length uint64, tr transition[D]) error {
	first, last, err := m.overlap(base, length)
	if err != nil {
		return err
	}

	for i := first; i <= last; i++ {
		probe := *m.blocks[i]
		if err := tr(&probe); err != nil {
			return err
		}
	}

	address := base
	remaining := length
	for remaining > 0 {
		i, err := m.indexOf(address)
		if err != nil {
			panic(fmt.Sprintf("validated range lost coverage at %#x: %v", address, err))
		}

		b := m.blocks[i]
		size := remaining
		if available := b.end() - address; available < size {
			size = available
		}

		if err := m.transitionAt(address, size, tr); err != nil {
			panic(fmt.Sprintf("validated transition failed to apply at [%#x, +%#x): %v", address, size, err))
		}

		address += size
		remaining -= size
	}
	return nil
}

// searchBottomUp finds the lowest aligned base at or below limit (inclusive
// of the range's last byte) where an eligible block can hold length bytes.
// minAddress keeps searches out of the bottom of the space: the memory map
// passes one page so searches never hand out page zero, while the I/O map
// passes zero because port zero is allocatable.
func (m *spaceMap[D]) searchBottomUp(length, alignment uint64, limit, minAddress efi.PhysicalAddress, eligible func(*block[D]) bool) (efi.PhysicalAddress, error) {
	for _, b := range m.blocks {
		if b.base > limit {
			break
		}
		if !eligible(b) {
			continue
		}

		base := b.base
		if base < minAddress {
			base = minAddress
		}
		candidate := memutils.AlignUp(base, alignment)
		if candidate < b.base || candidate-b.base >= b.length || b.length-(candidate-b.base) < length {
			continue
		}
		if candidate+length-1 > limit {
			continue
		}
		return candidate, nil
	}

	return 0, cerrors.Wrapf(OutOfSpaceError,
		"no unallocated range of %#x bytes below %#x", length, limit)
}

// searchTopDown finds the highest aligned base whose range still ends at or
// below limit, in an eligible block with room for length bytes.
func (m *spaceMap[D]) searchTopDown(length, alignment uint64, limit, minAddress efi.PhysicalAddress, eligible func(*block[D]) bool) (efi.PhysicalAddress, error) {
	for i := len(m.blocks) - 1; i >= 0; i-- {
		b := m.blocks[i]
		if !eligible(b) {
			continue
		}

		end := b.end()
		if limit < end-1 {
			if b.base > limit {
				continue
			}
			end = limit + 1
		}
		if end-b.base < length {
			continue
		}

		candidate := memutils.AlignDown(end-length, alignment)
		if candidate < b.base || candidate < minAddress {
			continue
		}
		return candidate, nil
	}

	return 0, cerrors.Wrapf(OutOfSpaceError,
		"no unallocated range of %#x bytes below %#x", length, limit)
}

// validate checks the structural invariants shared by both spaces: full
// gapless coverage, nonzero block lengths, and maximal merging. The kind
// wrappers layer their payload invariants on top. Wired to
// memutils.DebugValidate after every mutation in debug builds.
func (m *spaceMap[D]) validate() error {
	if len(m.blocks) == 0 {
		return cerrors.New("space map has not been initialized")
	}

	var cursor efi.PhysicalAddress
	for i, b := range m.blocks {
		if b.length == 0 {
			return cerrors.Newf("block %d at %#x has zero length", i, b.base)
		}
		if b.base != cursor {
			return cerrors.Newf("block %d starts at %#x, expected %#x: the map has a gap or overlap", i, b.base, cursor)
		}
		cursor = b.end()

		if i+1 < len(m.blocks) {
			next := m.blocks[i+1]
			if b.state == next.state && b.data == next.data {
				return cerrors.Newf("blocks %d and %d are equal-state neighbors: the map is not maximally merged", i, i+1)
			}
		}
	}

	if cursor != m.maximum {
		return cerrors.Newf("map coverage ends at %#x, expected %#x", cursor, m.maximum)
	}
	return nil
}
