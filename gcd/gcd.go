package gcd

import (
	"context"
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/uefikit/dxecore/efi"
	"github.com/uefikit/dxecore/internal/utils"
	"github.com/uefikit/dxecore/memutils"
	"golang.org/x/exp/slog"
)

// CreateOptions contains optional settings when creating a Gcd
type CreateOptions struct {
	// Mapper is the page-table backend that memory-space attribute changes
	// are synchronized into. It may be left nil, in which case the Gcd
	// tracks attributes without touching any translation tables, which is
	// how unit tests and pre-paging boot phases run.
	Mapper MemoryMapper

	// MapChangeCallback is invoked after every successful structural change
	// to the memory space. It may be left nil.
	MapChangeCallback MapChangeCallback

	// TplGuard ties the internal locks into the firmware's task-priority
	// discipline. It may be left nil when no priority mechanism exists,
	// such as in hosted tests.
	TplGuard utils.TplGuard

	// ExternallySynchronized ensures that this Gcd will not be synchronized
	// internally. The consumer must guarantee it is used from only one
	// thread at a time or is synchronized by some other mechanism.
	ExternallySynchronized bool
}

// Gcd manages the global coherency domain of the boot processor: the full
// partition of the physical memory space and the I/O port space into typed,
// attributed, ownable ranges. One instance serves one processor domain.
//
// All operations fail with efi.StatusNotReady until Init has modeled the two
// address spaces.
type Gcd struct {
	logger *slog.Logger
	mapper MemoryMapper

	mapChangeCallback MapChangeCallback

	memLock utils.TplMutex
	ioLock  utils.TplMutex

	mem memorySpace
	io  ioSpace

	// defaultAttributes is applied to every fresh allocation so nothing is
	// executable until an image loader explicitly requests it.
	defaultAttributes uint64
	memoryLocked      bool

	// pagingLive flips on when InitPaging builds the boot translation
	// tables. Until then attribute changes accumulate in the map only.
	pagingLive bool
}

// New creates a new Gcd
//
// logger - The logger that operational diagnostics are written to
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) *Gcd {
	useMutex := !options.ExternallySynchronized

	g := &Gcd{
		logger:            logger,
		mapper:            options.Mapper,
		mapChangeCallback: options.MapChangeCallback,
		defaultAttributes: efi.MemoryXP,
	}
	g.memLock = utils.TplMutex{UseMutex: useMutex, Guard: options.TplGuard}
	g.ioLock = utils.TplMutex{UseMutex: useMutex, Guard: options.TplGuard}
	return g
}

// Init models the two address spaces: memory as [0, 1<<memoryAddressBits)
// and I/O as [0, 1<<ioAddressBits), both entirely non-existent until
// resources are added. Each bit count must be between 1 and 63.
func (g *Gcd) Init(memoryAddressBits, ioAddressBits uint) error {
	if memoryAddressBits == 0 || memoryAddressBits > 63 || ioAddressBits == 0 || ioAddressBits > 63 {
		return cerrors.Wrapf(efi.StatusInvalidParameter,
			"address space bits must be between 1 and 63, got memory %d and I/O %d",
			memoryAddressBits, ioAddressBits)
	}

	g.memLock.Lock()
	defer g.memLock.Unlock()
	g.ioLock.Lock()
	defer g.ioLock.Unlock()

	if g.mem.initialized() || g.io.initialized() {
		return cerrors.Wrap(efi.StatusUnsupported, "the address spaces are already initialized")
	}

	g.mem.init(memoryAddressBits)
	g.io.init(ioAddressBits)

	g.logger.LogAttrs(context.Background(), slog.LevelInfo, "global coherency domain initialized",
		slog.Uint64("memoryAddressBits", uint64(memoryAddressBits)),
		slog.Uint64("ioAddressBits", uint64(ioAddressBits)),
	)
	return nil
}

// IsReady reports whether Init has run.
func (g *Gcd) IsReady() bool {
	g.memLock.Lock()
	defer g.memLock.Unlock()
	return g.mem.initialized()
}

func (g *Gcd) memReady() error {
	if !g.mem.initialized() {
		return cerrors.Wrap(efi.StatusNotReady, "the memory space has not been initialized")
	}
	return nil
}

func (g *Gcd) ioReady() error {
	if !g.io.initialized() {
		return cerrors.Wrap(efi.StatusNotReady, "the I/O space has not been initialized")
	}
	return nil
}

// beyondSpace reports whether [base, base+length) escapes a space that ends
// at maximum, without overflowing the sum.
func beyondSpace(base efi.PhysicalAddress, length uint64, maximum efi.PhysicalAddress) bool {
	return base >= maximum || length > maximum-base
}

func hexAttr(key string, value uint64) slog.Attr {
	return slog.String(key, fmt.Sprintf("%#x", value))
}

func (g *Gcd) notifyMapChange(change MapChangeType) {
	if g.mapChangeCallback != nil {
		g.mapChangeCallback(change)
	}
}

// AddMemorySpace adds reserved memory, system memory, or memory-mapped I/O
// resources to the global coherency domain. The range must currently be
// non-existent; it comes up unallocated and read-protected, with the
// software access attributes and runtime registration added to its
// capabilities.
func (g *Gcd) AddMemorySpace(memoryType efi.GcdMemoryType, baseAddress efi.PhysicalAddress, length uint64, capabilities uint64) error {
	g.memLock.Lock()
	defer g.memLock.Unlock()

	if err := g.memReady(); err != nil {
		return err
	}
	if g.memoryLocked {
		return cerrors.Wrap(efi.StatusAccessDenied, "the memory space is locked against structural changes")
	}
	if length == 0 {
		return cerrors.Wrap(efi.StatusInvalidParameter, "cannot add a zero-length range")
	}
	if memoryType == efi.GcdMemoryTypeNonExistent || memoryType >= efi.GcdMemoryTypeMaximum {
		return cerrors.Wrapf(efi.StatusInvalidParameter, "cannot add %s space", memoryType)
	}
	if beyondSpace(baseAddress, length, g.mem.maximum) {
		return cerrors.Wrapf(efi.StatusUnsupported,
			"range [%#x, +%#x) extends beyond the modeled memory space", baseAddress, length)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "adding memory space",
		slog.String("memoryType", memoryType.String()),
		hexAttr("baseAddress", baseAddress),
		hexAttr("length", length),
		hexAttr("capabilities", capabilities),
	)

	// Every added range can support the software access attributes and
	// runtime registration; MMIO can additionally forward ISA I/O cycles.
	capabilities |= efi.MemoryAccessMask | efi.MemoryRuntime
	if memoryType == efi.GcdMemoryTypeMemoryMappedIo {
		capabilities |= efi.MemoryIsaValid
	}

	desc, err := g.mem.descriptorForAddress(baseAddress)
	if err != nil {
		return cerrors.Wrapf(efi.StatusNotFound, "no block covers %#x", baseAddress)
	}
	if desc.MemoryType != efi.GcdMemoryTypeNonExistent {
		return cerrors.Wrapf(efi.StatusAccessDenied,
			"space at %#x is already added as %s", baseAddress, desc.MemoryType)
	}

	// New space is read-protected until someone sets real attributes.
	err = g.mem.transitionRange(baseAddress, length, addMemoryTransition(memoryType, capabilities, efi.MemoryRP))
	if err != nil {
		return cerrors.Wrapf(efi.StatusAccessDenied,
			"part of [%#x, +%#x) is already added: %v", baseAddress, length, err)
	}
	memutils.DebugValidate(&g.mem)

	g.notifyMapChange(MapChangeAddMemorySpace)
	return nil
}

// AllocateMemorySpace allocates a range of the memory space for the given
// image. Search strategies walk only unallocated ranges of the requested
// type whose preserved ownership, if any, matches the requesting image; an
// exact-address request takes its range regardless of prior ownership.
// Searches never return page zero, keeping it free for null-pointer
// detection, but an exact-address request may claim it.
//
// alignment is the log2 of the required placement boundary. On success the
// fresh range is execute-protected; loaders lift that per code section.
func (g *Gcd) AllocateMemorySpace(allocateType efi.GcdAllocateType, memoryType efi.GcdMemoryType, alignment uint, length uint64, address efi.PhysicalAddress, imageHandle, deviceHandle efi.Handle) (efi.PhysicalAddress, error) {
	g.memLock.Lock()
	defer g.memLock.Unlock()

	if err := g.memReady(); err != nil {
		return 0, err
	}
	if g.memoryLocked {
		g.logger.LogAttrs(context.Background(), slog.LevelError, "memory space allocation attempted after lock",
			hexAttr("length", length),
			slog.String("allocateType", allocateType.String()),
		)
		return 0, cerrors.Wrap(efi.StatusAccessDenied, "the memory space is locked against structural changes")
	}
	if length == 0 || imageHandle == efi.NullHandle || memoryType == efi.GcdMemoryTypeUnaccepted {
		return 0, cerrors.Wrap(efi.StatusInvalidParameter,
			"an allocation needs a nonzero length, an owning image, and an acceptable memory type")
	}
	if allocateType >= efi.GcdMaxAllocateType {
		return 0, cerrors.Wrapf(efi.StatusInvalidParameter, "unknown allocate type %d", uint32(allocateType))
	}
	if alignment > 63 {
		return 0, cerrors.Wrapf(efi.StatusInvalidParameter, "alignment shift %d exceeds the address width", alignment)
	}
	if allocateType == efi.GcdAllocateAddress && beyondSpace(address, length, g.mem.maximum) {
		return 0, cerrors.Wrapf(efi.StatusNotFound,
			"range [%#x, +%#x) extends beyond the modeled memory space", address, length)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocating memory space",
		slog.String("allocateType", allocateType.String()),
		slog.String("memoryType", memoryType.String()),
		hexAttr("length", length),
		slog.Uint64("alignment", uint64(alignment)),
		hexAttr("address", address),
		hexAttr("imageHandle", uint64(imageHandle)),
		hexAttr("deviceHandle", uint64(deviceHandle)),
	)

	base, err := g.mem.allocate(memoryAllocateRequest{
		allocateType: allocateType,
		memoryType:   memoryType,
		alignment:    uint64(1) << alignment,
		length:       length,
		address:      address,
		imageHandle:  imageHandle,
		deviceHandle: deviceHandle,
	})
	if err != nil {
		return 0, allocateStatus(allocateType, length, err)
	}
	memutils.DebugValidate(&g.mem)

	g.applyAllocationAttributes(base, length)

	g.notifyMapChange(MapChangeAllocateMemorySpace)
	return base, nil
}

// allocateStatus translates an allocation failure for the caller: an
// exact-address or bounded search that fails means the requested region was
// not found, while an unbounded search that fails means the space itself is
// exhausted.
func allocateStatus(allocateType efi.GcdAllocateType, length uint64, err error) error {
	switch allocateType {
	case efi.GcdAllocateAnySearchBottomUp, efi.GcdAllocateAnySearchTopDown:
		return cerrors.Wrapf(efi.StatusOutOfResources,
			"the memory space has no allocatable range of %#x bytes: %v", length, err)
	default:
		return cerrors.Wrapf(efi.StatusNotFound,
			"no allocatable range of %#x bytes satisfies the request: %v", length, err)
	}
}

// applyAllocationAttributes switches a fresh allocation to the default
// protection, keeping whatever cache attributes the range already carries.
// Sub-page allocations are left alone since protection is page-granular.
// Failures never unwind the allocation: the range stays usable, just
// without its default protection, and the log carries the loud complaint.
func (g *Gcd) applyAllocationAttributes(base efi.PhysicalAddress, length uint64) {
	if !memutils.IsAligned(base, efi.PageSize) || !memutils.IsAligned(length, efi.PageSize) {
		g.logger.LogAttrs(context.Background(), slog.LevelDebug, "skipping default protection for sub-page allocation",
			hexAttr("baseAddress", base),
			hexAttr("length", length),
		)
		return
	}

	desc, err := g.mem.descriptorForAddress(base)
	if err != nil {
		panic(fmt.Sprintf("freshly allocated address %#x has no descriptor: %v", base, err))
	}

	attributes := desc.Attributes&efi.MemoryCacheAttributeMask | g.defaultAttributes
	if err := g.setMemoryAttributesLocked(base, length, attributes); err != nil {
		g.logger.LogAttrs(context.Background(), slog.LevelError, "failed to apply default protection to fresh allocation",
			hexAttr("baseAddress", base),
			hexAttr("length", length),
			hexAttr("attributes", attributes),
			slog.Any("error", err),
		)
	}
}

// FreeMemorySpace releases an allocated range and clears its ownership. The
// range reverts to read-protected, keeping its cache attributes, and drops
// out of the page tables until it is allocated again.
func (g *Gcd) FreeMemorySpace(baseAddress efi.PhysicalAddress, length uint64) error {
	return g.freeMemorySpace(baseAddress, length, false)
}

// FreeMemorySpacePreservingOwnership releases an allocated range but keeps
// its owning image recorded, so searches skip the range for every other
// image and only the original owner (or an exact-address request) can
// reclaim it.
func (g *Gcd) FreeMemorySpacePreservingOwnership(baseAddress efi.PhysicalAddress, length uint64) error {
	return g.freeMemorySpace(baseAddress, length, true)
}

func (g *Gcd) freeMemorySpace(baseAddress efi.PhysicalAddress, length uint64, preserveOwnership bool) error {
	g.memLock.Lock()
	defer g.memLock.Unlock()

	if err := g.memReady(); err != nil {
		return err
	}
	if g.memoryLocked {
		g.logger.LogAttrs(context.Background(), slog.LevelError, "memory space free attempted after lock",
			hexAttr("baseAddress", baseAddress),
			hexAttr("length", length),
		)
		return cerrors.Wrap(efi.StatusAccessDenied, "the memory space is locked against structural changes")
	}
	if length == 0 {
		return cerrors.Wrap(efi.StatusInvalidParameter, "cannot free a zero-length range")
	}
	if beyondSpace(baseAddress, length, g.mem.maximum) {
		return cerrors.Wrapf(efi.StatusUnsupported,
			"range [%#x, +%#x) extends beyond the modeled memory space", baseAddress, length)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "freeing memory space",
		hexAttr("baseAddress", baseAddress),
		hexAttr("length", length),
		slog.Bool("preserveOwnership", preserveOwnership),
	)

	err := g.mem.transitionRange(baseAddress, length, freeMemoryTransition(preserveOwnership))
	if err != nil {
		return cerrors.Wrapf(efi.StatusNotFound,
			"no allocated range at [%#x, +%#x): %v", baseAddress, length, err)
	}
	memutils.DebugValidate(&g.mem)

	// The freed range goes back to read-protected with its cache attributes
	// intact; the read protection also unmaps it. If protection cannot be
	// restored, the free itself stands. Sub-page frees are left alone since
	// protection is page-granular, matching the allocation side.
	if memutils.IsAligned(baseAddress, efi.PageSize) && memutils.IsAligned(length, efi.PageSize) {
		desc, err := g.mem.descriptorForAddress(baseAddress)
		if err != nil {
			panic(fmt.Sprintf("freshly freed address %#x has no descriptor: %v", baseAddress, err))
		}
		attributes := efi.MemoryRP | desc.Attributes&efi.MemoryCacheAttributeMask
		if err := g.setMemoryAttributesLocked(baseAddress, length, attributes); err != nil {
			g.logger.LogAttrs(context.Background(), slog.LevelError, "failed to protect freed memory space",
				hexAttr("baseAddress", baseAddress),
				hexAttr("length", length),
				hexAttr("attributes", attributes),
				slog.Any("error", err),
			)
		}
	} else {
		g.logger.LogAttrs(context.Background(), slog.LevelDebug, "skipping protection restore for sub-page free",
			hexAttr("baseAddress", baseAddress),
			hexAttr("length", length),
		)
	}

	g.notifyMapChange(MapChangeFreeMemorySpace)
	return nil
}

// RemoveMemorySpace removes unallocated resources from the global coherency
// domain, returning the range to non-existent.
func (g *Gcd) RemoveMemorySpace(baseAddress efi.PhysicalAddress, length uint64) error {
	g.memLock.Lock()
	defer g.memLock.Unlock()

	if err := g.memReady(); err != nil {
		return err
	}
	if g.memoryLocked {
		return cerrors.Wrap(efi.StatusAccessDenied, "the memory space is locked against structural changes")
	}
	if length == 0 {
		return cerrors.Wrap(efi.StatusInvalidParameter, "cannot remove a zero-length range")
	}
	if beyondSpace(baseAddress, length, g.mem.maximum) {
		return cerrors.Wrapf(efi.StatusUnsupported,
			"range [%#x, +%#x) extends beyond the modeled memory space", baseAddress, length)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "removing memory space",
		hexAttr("baseAddress", baseAddress),
		hexAttr("length", length),
	)

	err := g.mem.transitionRange(baseAddress, length, removeMemoryTransition())
	if err != nil {
		if g.mem.rangeAllocated(baseAddress, length) {
			return cerrors.Wrapf(efi.StatusAccessDenied,
				"part of [%#x, +%#x) is allocated", baseAddress, length)
		}
		return cerrors.Wrapf(efi.StatusNotFound,
			"no removable space at [%#x, +%#x): %v", baseAddress, length, err)
	}
	memutils.DebugValidate(&g.mem)

	// Non-existent space keeps no translation. A mapper error here just
	// means the range was never mapped.
	if g.mapper != nil && g.pagingLive {
		if err := g.mapper.UnmapMemoryRegion(baseAddress, length); err != nil {
			g.logger.LogAttrs(context.Background(), slog.LevelDebug, "removed memory space had no mapping to drop",
				hexAttr("baseAddress", baseAddress),
				hexAttr("length", length),
				slog.Any("error", err),
			)
		}
	}

	g.notifyMapChange(MapChangeRemoveMemorySpace)
	return nil
}

// SetMemorySpaceAttributes applies attributes to a page-aligned range. The
// range may span any number of descriptors; the change applies to all of
// them or to none. The page tables are synchronized with the new attributes:
// read protection unmaps the range, anything else maps or remaps it.
func (g *Gcd) SetMemorySpaceAttributes(baseAddress efi.PhysicalAddress, length uint64, attributes uint64) error {
	g.memLock.Lock()
	defer g.memLock.Unlock()

	if err := g.memReady(); err != nil {
		return err
	}
	if length == 0 {
		return cerrors.Wrap(efi.StatusInvalidParameter, "cannot set attributes on a zero-length range")
	}
	if beyondSpace(baseAddress, length, g.mem.maximum) {
		return cerrors.Wrapf(efi.StatusUnsupported,
			"range [%#x, +%#x) extends beyond the modeled memory space", baseAddress, length)
	}
	if memutils.CheckPageAligned(baseAddress, efi.PageSize, "attribute base address") != nil ||
		memutils.CheckPageAligned(length, efi.PageSize, "attribute length") != nil {
		return cerrors.Wrapf(efi.StatusInvalidParameter,
			"attribute changes are page-granular: [%#x, +%#x)", baseAddress, length)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "setting memory space attributes",
		hexAttr("baseAddress", baseAddress),
		hexAttr("length", length),
		hexAttr("attributes", attributes),
	)

	return g.setMemoryAttributesLocked(baseAddress, length, attributes)
}

// setMemoryAttributesLocked is the attribute-change core shared by the
// public entry point, allocation, and free. The caller holds the memory
// lock and has validated the range. The map commits first; if the page
// tables then refuse the change, the recorded attributes are rolled back so
// the two stay consistent, and the caller sees a device error.
func (g *Gcd) setMemoryAttributesLocked(baseAddress efi.PhysicalAddress, length uint64, attributes uint64) error {
	previous, err := g.mem.descriptorsInRange(baseAddress, length)
	if err != nil {
		return cerrors.Wrapf(efi.StatusNotFound, "no space at [%#x, +%#x)", baseAddress, length)
	}

	err = g.mem.transitionRange(baseAddress, length, setAttributesTransition(attributes))
	if err != nil {
		return cerrors.Wrapf(efi.StatusUnsupported,
			"attributes %#x are not supported across [%#x, +%#x): %v", attributes, baseAddress, length, err)
	}
	memutils.DebugValidate(&g.mem)

	if err := g.syncPagingAttributes(baseAddress, length, attributes); err != nil {
		g.logger.LogAttrs(context.Background(), slog.LevelError, "page tables rejected attribute change, rolling the map back",
			hexAttr("baseAddress", baseAddress),
			hexAttr("length", length),
			hexAttr("attributes", attributes),
			slog.Any("error", err),
		)
		g.rollbackAttributes(previous, baseAddress, length)
		return cerrors.Wrapf(efi.StatusDeviceError,
			"the page tables rejected attributes %#x on [%#x, +%#x): %v", attributes, baseAddress, length, err)
	}
	return nil
}

// syncPagingAttributes pushes an attribute change into the page-table
// backend once InitPaging has installed the boot tables. Read protection
// removes the translation; any other attribute set creates or updates it,
// unless the live mapping already matches.
func (g *Gcd) syncPagingAttributes(baseAddress efi.PhysicalAddress, length uint64, attributes uint64) error {
	if g.mapper == nil || !g.pagingLive {
		return nil
	}

	paging := attributes & (efi.MemoryAccessMask | efi.MemoryCacheAttributeMask)
	if paging&efi.MemoryRP != 0 {
		return g.mapper.UnmapMemoryRegion(baseAddress, length)
	}

	// One page is enough to learn whether the range is live: the backend
	// rejects inconsistently mapped ranges itself.
	current, err := g.mapper.QueryMemoryRegion(baseAddress, efi.PageSize)
	switch {
	case err == nil:
		if current&(efi.MemoryAccessMask|efi.MemoryCacheAttributeMask) == paging {
			return nil
		}
		return g.mapper.MapMemoryRegion(baseAddress, length, paging)
	case cerrors.Is(err, NoMappingError):
		return g.mapper.MapMemoryRegion(baseAddress, length, paging)
	default:
		return err
	}
}

// rollbackAttributes restores previously captured attributes over
// [base, base+length). The capture is un-clamped, so edge descriptors are
// trimmed to the range. Restoring attributes that were just live cannot
// fail.
func (g *Gcd) rollbackAttributes(previous []efi.MemorySpaceDescriptor, base efi.PhysicalAddress, length uint64) {
	end := base + length
	for i := range previous {
		desc := &previous[i]
		restoreBase := desc.BaseAddress
		if restoreBase < base {
			restoreBase = base
		}
		restoreEnd := desc.End()
		if restoreEnd > end {
			restoreEnd = end
		}

		err := g.mem.transitionRange(restoreBase, restoreEnd-restoreBase, setAttributesTransition(desc.Attributes))
		if err != nil {
			panic(fmt.Sprintf("failed to restore attributes %#x over [%#x, %#x): %v",
				desc.Attributes, restoreBase, restoreEnd, err))
		}
	}
	memutils.DebugValidate(&g.mem)
}

// SetMemorySpaceCapabilities applies capabilities to a page-aligned range,
// spanning descriptors the same way SetMemorySpaceAttributes does. It fails
// if any block in the range currently holds attributes the new capabilities
// would not support.
func (g *Gcd) SetMemorySpaceCapabilities(baseAddress efi.PhysicalAddress, length uint64, capabilities uint64) error {
	g.memLock.Lock()
	defer g.memLock.Unlock()

	if err := g.memReady(); err != nil {
		return err
	}
	if length == 0 {
		return cerrors.Wrap(efi.StatusInvalidParameter, "cannot set capabilities on a zero-length range")
	}
	if beyondSpace(baseAddress, length, g.mem.maximum) {
		return cerrors.Wrapf(efi.StatusUnsupported,
			"range [%#x, +%#x) extends beyond the modeled memory space", baseAddress, length)
	}
	if memutils.CheckPageAligned(baseAddress, efi.PageSize, "capability base address") != nil ||
		memutils.CheckPageAligned(length, efi.PageSize, "capability length") != nil {
		return cerrors.Wrapf(efi.StatusInvalidParameter,
			"capability changes are page-granular: [%#x, +%#x)", baseAddress, length)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "setting memory space capabilities",
		hexAttr("baseAddress", baseAddress),
		hexAttr("length", length),
		hexAttr("capabilities", capabilities),
	)

	err := g.mem.transitionRange(baseAddress, length, setCapabilitiesTransition(capabilities))
	if err != nil {
		return cerrors.Wrapf(efi.StatusUnsupported,
			"capabilities %#x are not supported across [%#x, +%#x): %v", capabilities, baseAddress, length, err)
	}
	memutils.DebugValidate(&g.mem)
	return nil
}

// GetMemorySpaceDescriptor returns the descriptor of the block containing
// address.
func (g *Gcd) GetMemorySpaceDescriptor(address efi.PhysicalAddress) (efi.MemorySpaceDescriptor, error) {
	g.memLock.Lock()
	defer g.memLock.Unlock()

	if err := g.memReady(); err != nil {
		return efi.MemorySpaceDescriptor{}, err
	}

	desc, err := g.mem.descriptorForAddress(address)
	if err != nil {
		return efi.MemorySpaceDescriptor{}, cerrors.Wrapf(efi.StatusNotFound, "no descriptor covers %#x", address)
	}
	return desc, nil
}

// GetMemorySpaceMap returns a snapshot of every descriptor in the memory
// space, in address order, non-existent regions included.
func (g *Gcd) GetMemorySpaceMap() ([]efi.MemorySpaceDescriptor, error) {
	g.memLock.Lock()
	defer g.memLock.Unlock()

	if err := g.memReady(); err != nil {
		return nil, err
	}
	return g.mem.descriptors(), nil
}

// MemoryDescriptorCount returns the number of blocks in the memory space.
func (g *Gcd) MemoryDescriptorCount() int {
	g.memLock.Lock()
	defer g.memLock.Unlock()
	return len(g.mem.blocks)
}

// LockMemorySpace bars structural changes to the memory space: adds,
// allocations, frees, and removals fail with efi.StatusAccessDenied until
// UnlockMemorySpace runs. Invoked when boot services exit, so the memory
// map handed to the operating system stays frozen. Attribute and capability
// changes remain possible.
func (g *Gcd) LockMemorySpace() {
	g.memLock.Lock()
	defer g.memLock.Unlock()
	g.memoryLocked = true
	g.logger.LogAttrs(context.Background(), slog.LevelInfo, "memory space locked against structural changes")
}

// UnlockMemorySpace re-enables structural changes after LockMemorySpace,
// for the paths where exiting boot services fails partway and firmware
// resumes.
func (g *Gcd) UnlockMemorySpace() {
	g.memLock.Lock()
	defer g.memLock.Unlock()
	g.memoryLocked = false
}

// AddIoSpace adds reserved or I/O port resources to the global coherency
// domain. The range must currently be non-existent.
func (g *Gcd) AddIoSpace(ioType efi.GcdIoType, baseAddress efi.PhysicalAddress, length uint64) error {
	g.ioLock.Lock()
	defer g.ioLock.Unlock()

	if err := g.ioReady(); err != nil {
		return err
	}
	if length == 0 {
		return cerrors.Wrap(efi.StatusInvalidParameter, "cannot add a zero-length range")
	}
	if ioType == efi.GcdIoTypeNonExistent || ioType >= efi.GcdIoTypeMaximum {
		return cerrors.Wrapf(efi.StatusInvalidParameter, "cannot add %s space", ioType)
	}
	if beyondSpace(baseAddress, length, g.io.maximum) {
		return cerrors.Wrapf(efi.StatusUnsupported,
			"range [%#x, +%#x) extends beyond the modeled I/O space", baseAddress, length)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "adding I/O space",
		slog.String("ioType", ioType.String()),
		hexAttr("baseAddress", baseAddress),
		hexAttr("length", length),
	)

	desc, err := g.io.descriptorForAddress(baseAddress)
	if err != nil {
		return cerrors.Wrapf(efi.StatusNotFound, "no block covers %#x", baseAddress)
	}
	if desc.IoType != efi.GcdIoTypeNonExistent {
		return cerrors.Wrapf(efi.StatusAccessDenied,
			"space at %#x is already added as %s", baseAddress, desc.IoType)
	}

	err = g.io.transitionRange(baseAddress, length, addIoTransition(ioType))
	if err != nil {
		return cerrors.Wrapf(efi.StatusAccessDenied,
			"part of [%#x, +%#x) is already added: %v", baseAddress, length, err)
	}
	memutils.DebugValidate(&g.io)
	return nil
}

// AllocateIoSpace allocates a range of the I/O space for the given image.
// Unlike memory, port zero is allocatable by searches and fresh ranges need
// no attribute handling.
func (g *Gcd) AllocateIoSpace(allocateType efi.GcdAllocateType, ioType efi.GcdIoType, alignment uint, length uint64, address efi.PhysicalAddress, imageHandle, deviceHandle efi.Handle) (efi.PhysicalAddress, error) {
	g.ioLock.Lock()
	defer g.ioLock.Unlock()

	if err := g.ioReady(); err != nil {
		return 0, err
	}
	if length == 0 || imageHandle == efi.NullHandle {
		return 0, cerrors.Wrap(efi.StatusInvalidParameter,
			"an allocation needs a nonzero length and an owning image")
	}
	if allocateType >= efi.GcdMaxAllocateType {
		return 0, cerrors.Wrapf(efi.StatusInvalidParameter, "unknown allocate type %d", uint32(allocateType))
	}
	if alignment > 63 {
		return 0, cerrors.Wrapf(efi.StatusInvalidParameter, "alignment shift %d exceeds the address width", alignment)
	}
	if allocateType == efi.GcdAllocateAddress && beyondSpace(address, length, g.io.maximum) {
		return 0, cerrors.Wrapf(efi.StatusUnsupported,
			"range [%#x, +%#x) extends beyond the modeled I/O space", address, length)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocating I/O space",
		slog.String("allocateType", allocateType.String()),
		slog.String("ioType", ioType.String()),
		hexAttr("length", length),
		slog.Uint64("alignment", uint64(alignment)),
		hexAttr("address", address),
		hexAttr("imageHandle", uint64(imageHandle)),
		hexAttr("deviceHandle", uint64(deviceHandle)),
	)

	base, err := g.io.allocate(ioAllocateRequest{
		allocateType: allocateType,
		ioType:       ioType,
		alignment:    uint64(1) << alignment,
		length:       length,
		address:      address,
		imageHandle:  imageHandle,
		deviceHandle: deviceHandle,
	})
	if err != nil {
		return 0, cerrors.Wrapf(efi.StatusNotFound,
			"no allocatable I/O range of %#x bytes satisfies the request: %v", length, err)
	}
	memutils.DebugValidate(&g.io)
	return base, nil
}

// FreeIoSpace releases an allocated I/O range and clears its ownership.
func (g *Gcd) FreeIoSpace(baseAddress efi.PhysicalAddress, length uint64) error {
	g.ioLock.Lock()
	defer g.ioLock.Unlock()

	if err := g.ioReady(); err != nil {
		return err
	}
	if length == 0 {
		return cerrors.Wrap(efi.StatusInvalidParameter, "cannot free a zero-length range")
	}
	if beyondSpace(baseAddress, length, g.io.maximum) {
		return cerrors.Wrapf(efi.StatusUnsupported,
			"range [%#x, +%#x) extends beyond the modeled I/O space", baseAddress, length)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "freeing I/O space",
		hexAttr("baseAddress", baseAddress),
		hexAttr("length", length),
	)

	err := g.io.transitionRange(baseAddress, length, freeIoTransition())
	if err != nil {
		return cerrors.Wrapf(efi.StatusNotFound,
			"no allocated I/O range at [%#x, +%#x): %v", baseAddress, length, err)
	}
	memutils.DebugValidate(&g.io)
	return nil
}

// RemoveIoSpace removes unallocated I/O resources from the global coherency
// domain, returning the range to non-existent.
func (g *Gcd) RemoveIoSpace(baseAddress efi.PhysicalAddress, length uint64) error {
	g.ioLock.Lock()
	defer g.ioLock.Unlock()

	if err := g.ioReady(); err != nil {
		return err
	}
	if length == 0 {
		return cerrors.Wrap(efi.StatusInvalidParameter, "cannot remove a zero-length range")
	}
	if beyondSpace(baseAddress, length, g.io.maximum) {
		return cerrors.Wrapf(efi.StatusUnsupported,
			"range [%#x, +%#x) extends beyond the modeled I/O space", baseAddress, length)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelDebug, "removing I/O space",
		hexAttr("baseAddress", baseAddress),
		hexAttr("length", length),
	)

	err := g.io.transitionRange(baseAddress, length, removeIoTransition())
	if err != nil {
		if g.io.rangeAllocated(baseAddress, length) {
			return cerrors.Wrapf(efi.StatusAccessDenied,
				"part of [%#x, +%#x) is allocated", baseAddress, length)
		}
		return cerrors.Wrapf(efi.StatusNotFound,
			"no removable I/O space at [%#x, +%#x): %v", baseAddress, length, err)
	}
	memutils.DebugValidate(&g.io)
	return nil
}

// GetIoSpaceDescriptor returns the descriptor of the block containing
// address.
func (g *Gcd) GetIoSpaceDescriptor(address efi.PhysicalAddress) (efi.IoSpaceDescriptor, error) {
	g.ioLock.Lock()
	defer g.ioLock.Unlock()

	if err := g.ioReady(); err != nil {
		return efi.IoSpaceDescriptor{}, err
	}

	desc, err := g.io.descriptorForAddress(address)
	if err != nil {
		return efi.IoSpaceDescriptor{}, cerrors.Wrapf(efi.StatusNotFound, "no descriptor covers %#x", address)
	}
	return desc, nil
}

// GetIoSpaceMap returns a snapshot of every descriptor in the I/O space, in
// address order, non-existent regions included.
func (g *Gcd) GetIoSpaceMap() ([]efi.IoSpaceDescriptor, error) {
	g.ioLock.Lock()
	defer g.ioLock.Unlock()

	if err := g.ioReady(); err != nil {
		return nil, err
	}
	return g.io.descriptors(), nil
}

// IoDescriptorCount returns the number of blocks in the I/O space.
func (g *Gcd) IoDescriptorCount() int {
	g.ioLock.Lock()
	defer g.ioLock.Unlock()
	return len(g.io.blocks)
}

// GcdStatistics aggregates usage counters for both address spaces.
type GcdStatistics struct {
	Memory memutils.DetailedStatistics
	Io     memutils.Statistics
}

// CalculateStatistics fills stats with the current state of both address
// spaces. Non-existent regions count toward descriptors but not space.
func (g *Gcd) CalculateStatistics(stats *GcdStatistics) {
	stats.Memory.Clear()
	stats.Io.Clear()

	g.memLock.Lock()
	g.mem.addDetailedStatistics(&stats.Memory)
	g.memLock.Unlock()

	g.ioLock.Lock()
	g.io.addStatistics(&stats.Io)
	g.ioLock.Unlock()
}
