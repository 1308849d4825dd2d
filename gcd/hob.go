package gcd

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
	"github.com/uefikit/dxecore/efi"
	"github.com/uefikit/dxecore/memutils"
	"golang.org/x/exp/slog"
)

// bootstrapCapabilities is declared on the free-memory window handed over by
// the previous boot phase. The window is the first allocatable system
// memory, so every cache and protection capability is declared up front and
// later attribute changes are never capability-blocked.
const bootstrapCapabilities = efi.MemoryUC | efi.MemoryWC | efi.MemoryWT | efi.MemoryWB |
	efi.MemoryWP | efi.MemoryRP | efi.MemoryXP | efi.MemoryRO

type addressRange struct {
	start efi.PhysicalAddress
	end   efi.PhysicalAddress
}

// freeMemoryWindow returns the page-trimmed free window the previous phase
// left behind.
func freeMemoryWindow(phit *efi.PhitHob) addressRange {
	return addressRange{
		start: memutils.AlignUp(phit.FreeMemoryBottom, efi.PageSize),
		end:   memutils.AlignDown(phit.FreeMemoryTop, efi.PageSize),
	}
}

// InitFromHobs brings the global coherency domain up from the hand-off
// blocks the previous boot phase produced: the CPU record sizes the two
// address spaces and the phase-handoff record's free-memory window becomes
// the first tracked system memory. The resource descriptors are added
// separately by AddResourceDescriptors once enough of the core is running
// to handle them.
func (g *Gcd) InitFromHobs(hobs *efi.HobList) error {
	if hobs == nil || hobs.Phit == nil || hobs.Cpu == nil {
		return cerrors.Wrap(efi.StatusInvalidParameter,
			"hand-off data needs at least a phase-handoff record and a CPU record")
	}
	if hobs.Phit.MemoryBottom >= hobs.Phit.MemoryTop {
		return cerrors.Wrapf(efi.StatusInvalidParameter,
			"the hand-off describes an empty memory range [%#x, %#x)",
			hobs.Phit.MemoryBottom, hobs.Phit.MemoryTop)
	}

	window := freeMemoryWindow(hobs.Phit)
	if window.end <= window.start {
		return cerrors.Wrapf(efi.StatusOutOfResources,
			"the hand-off leaves no free memory window ([%#x, %#x) before trimming)",
			hobs.Phit.FreeMemoryBottom, hobs.Phit.FreeMemoryTop)
	}

	if err := g.Init(uint(hobs.Cpu.SizeOfMemorySpace), uint(hobs.Cpu.SizeOfIoSpace)); err != nil {
		return err
	}

	g.logger.LogAttrs(context.Background(), slog.LevelInfo, "bootstrapping from hand-off blocks",
		hexAttr("memoryBottom", hobs.Phit.MemoryBottom),
		hexAttr("memoryTop", hobs.Phit.MemoryTop),
		hexAttr("freeMemoryStart", window.start),
		hexAttr("freeMemorySize", window.end-window.start),
	)

	return g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, window.start, window.end-window.start,
		bootstrapCapabilities)
}

// AddResourceDescriptors walks the resource-descriptor hand-off blocks and
// adds each described range to the global coherency domain, classified by
// its resource type and bring-up state. The free-memory window is skipped
// since InitFromHobs already added it. A descriptor overlapping
// already-added space is logged and skipped rather than failing the walk,
// since platforms do hand over redundant descriptors.
func (g *Gcd) AddResourceDescriptors(hobs *efi.HobList) error {
	if hobs == nil || hobs.Phit == nil {
		return cerrors.Wrap(efi.StatusInvalidParameter, "hand-off data needs a phase-handoff record")
	}
	window := freeMemoryWindow(hobs.Phit)

	for i := range hobs.ResourceDescriptors {
		if err := g.addResourceDescriptor(&hobs.ResourceDescriptors[i], 0, false, window); err != nil {
			return err
		}
	}
	for i := range hobs.ResourceDescriptorsV2 {
		v2 := &hobs.ResourceDescriptorsV2[i]
		if err := g.addResourceDescriptor(&v2.ResourceDescriptorHob, v2.Attributes, true, window); err != nil {
			return err
		}
	}
	return nil
}

// memoryTypeForResource classifies a resource descriptor the way the memory
// space will track it. System memory is graded by its bring-up state:
// tested memory is usable (more-reliable when so flagged), merely present
// or initialized memory is reserved until a memory test promotes it, and
// persistent memory always tracks as persistent. A system-memory descriptor
// whose state matches none of the known progressions stays non-existent.
func memoryTypeForResource(resourceType efi.ResourceType, resourceAttributes uint64) efi.GcdMemoryType {
	switch resourceType {
	case efi.ResourceSystemMemory:
		memoryType := efi.GcdMemoryTypeNonExistent
		switch resourceAttributes & efi.ResourceMemoryAttributeMask {
		case efi.ResourceTestedMemoryAttributes:
			if resourceAttributes&efi.ResourceAttributeMoreReliable != 0 {
				memoryType = efi.GcdMemoryTypeMoreReliable
			} else {
				memoryType = efi.GcdMemoryTypeSystemMemory
			}
		case efi.ResourceInitializedMemoryAttributes, efi.ResourcePresentMemoryAttributes:
			memoryType = efi.GcdMemoryTypeReserved
		}
		if resourceAttributes&efi.ResourceAttributePersistent != 0 {
			memoryType = efi.GcdMemoryTypePersistent
		}
		return memoryType
	case efi.ResourceMemoryMappedIo, efi.ResourceFirmwareDevice:
		return efi.GcdMemoryTypeMemoryMappedIo
	case efi.ResourceMemoryMappedIoPort, efi.ResourceMemoryReserved:
		return efi.GcdMemoryTypeReserved
	case efi.ResourceMemoryUnaccepted:
		return efi.GcdMemoryTypeUnaccepted
	default:
		return efi.GcdMemoryTypeNonExistent
	}
}

func (g *Gcd) addResourceDescriptor(hob *efi.ResourceDescriptorHob, bootAttributes uint64, hasBootAttributes bool, window addressRange) error {
	if hob.Length == 0 || hob.Start > ^uint64(0)-hob.Length {
		return cerrors.Wrapf(efi.StatusInvalidParameter,
			"resource descriptor [%#x, +%#x) is malformed", hob.Start, hob.Length)
	}

	switch hob.ResourceType {
	case efi.ResourceIo:
		return g.addIoResource(efi.GcdIoTypeIo, hob.Start, hob.Length)
	case efi.ResourceIoReserved:
		return g.addIoResource(efi.GcdIoTypeReserved, hob.Start, hob.Length)
	}

	memoryType := memoryTypeForResource(hob.ResourceType, hob.ResourceAttributes)
	if memoryType == efi.GcdMemoryTypeNonExistent {
		g.logger.LogAttrs(context.Background(), slog.LevelWarn, "skipping unclassifiable resource descriptor",
			slog.Uint64("resourceType", uint64(hob.ResourceType)),
			hexAttr("resourceAttributes", hob.ResourceAttributes),
			hexAttr("start", hob.Start),
			hexAttr("length", hob.Length),
		)
		return nil
	}

	var attributes uint64
	if hasBootAttributes {
		attributes = bootAttributes & efi.MemoryCacheAttributeMask
		if memoryType == efi.GcdMemoryTypeSystemMemory {
			// Nothing in fresh system memory is allocated yet.
			attributes |= efi.MemoryRP
		}
	}

	capabilities := CapabilitiesForResourceAttributes(memoryType, hob.ResourceAttributes)
	for _, r := range subtractRange(hob.Start, hob.End(), window) {
		g.logger.LogAttrs(context.Background(), slog.LevelInfo, "mapping resource range",
			slog.String("memoryType", memoryType.String()),
			hexAttr("start", r.start),
			hexAttr("end", r.end),
			hexAttr("capabilities", capabilities),
		)

		err := g.AddMemorySpace(memoryType, r.start, r.end-r.start, capabilities)
		if err != nil {
			if cerrors.Is(err, efi.StatusAccessDenied) {
				g.logger.LogAttrs(context.Background(), slog.LevelWarn, "resource descriptor overlaps already-added space",
					hexAttr("start", r.start),
					hexAttr("end", r.end),
				)
				continue
			}
			return err
		}

		if hasBootAttributes {
			if err := g.SetMemorySpaceAttributes(r.start, r.end-r.start, attributes); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Gcd) addIoResource(ioType efi.GcdIoType, base efi.PhysicalAddress, length uint64) error {
	g.logger.LogAttrs(context.Background(), slog.LevelInfo, "mapping I/O resource range",
		slog.String("ioType", ioType.String()),
		hexAttr("start", base),
		hexAttr("length", length),
	)

	err := g.AddIoSpace(ioType, base, length)
	if err != nil && cerrors.Is(err, efi.StatusAccessDenied) {
		g.logger.LogAttrs(context.Background(), slog.LevelWarn, "resource descriptor overlaps already-added I/O space",
			hexAttr("start", base),
			hexAttr("length", length),
		)
		return nil
	}
	return err
}

// subtractRange returns the parts of [start, end) lying outside the window,
// in address order.
func subtractRange(start, end efi.PhysicalAddress, window addressRange) []addressRange {
	if start >= window.end || end <= window.start {
		return []addressRange{{start: start, end: end}}
	}

	var out []addressRange
	if start < window.start {
		out = append(out, addressRange{start: start, end: window.start})
	}
	if end > window.end {
		out = append(out, addressRange{start: window.end, end: end})
	}
	return out
}

// InitPaging builds the boot translation tables from the current state of
// the memory space and installs them through the page-table backend. Until
// this runs, attribute changes accumulate in the map only; afterwards every
// change is pushed through as it happens.
//
// Allocated ranges and the unallocated memory-mapped I/O and reserved
// ranges drivers poke at come up mapped with their recorded cache
// attributes plus execute protection. Everything else stays unmapped, as
// does page zero, which backs null-pointer detection. Mapping failures on
// individual ranges are logged and skipped so one bad range cannot keep the
// tables from installing.
func (g *Gcd) InitPaging() error {
	if g.mapper == nil {
		return cerrors.Wrap(efi.StatusNotReady, "no page-table backend is attached")
	}

	g.memLock.Lock()
	if err := g.memReady(); err != nil {
		g.memLock.Unlock()
		return err
	}
	if g.pagingLive {
		g.memLock.Unlock()
		return cerrors.Wrap(efi.StatusUnsupported, "the boot translation tables are already installed")
	}
	allocated := g.mem.allocatedDescriptors()
	reachable := g.mem.mmioAndReservedDescriptors()
	g.pagingLive = true
	g.memLock.Unlock()

	g.logger.LogAttrs(context.Background(), slog.LevelInfo, "building boot translation tables",
		slog.Int("allocatedRanges", len(allocated)),
		slog.Int("reachableRanges", len(reachable)),
	)

	for _, desc := range allocated {
		attributes := desc.Attributes&efi.MemoryCacheAttributeMask | efi.MemoryXP
		if err := g.SetMemorySpaceAttributes(desc.BaseAddress, desc.Length, attributes); err != nil {
			g.logger.LogAttrs(context.Background(), slog.LevelError, "failed to map allocated range into the boot tables",
				hexAttr("baseAddress", desc.BaseAddress),
				hexAttr("length", desc.Length),
				hexAttr("attributes", attributes),
				slog.Any("error", err),
			)
		}
	}

	// MMIO and reserved ranges are not always described at page
	// granularity, but the tables need whole pages.
	for _, desc := range reachable {
		base := memutils.AlignDown(desc.BaseAddress, efi.PageSize)
		end := memutils.AlignUp(desc.End(), efi.PageSize)
		attributes := desc.Attributes&efi.MemoryCacheAttributeMask | efi.MemoryXP
		if err := g.SetMemorySpaceAttributes(base, end-base, attributes); err != nil {
			g.logger.LogAttrs(context.Background(), slog.LevelError, "failed to map reachable range into the boot tables",
				hexAttr("baseAddress", base),
				hexAttr("length", end-base),
				hexAttr("attributes", attributes),
				slog.Any("error", err),
			)
		}
	}

	if desc, err := g.GetMemorySpaceDescriptor(0); err == nil && desc.MemoryType != efi.GcdMemoryTypeNonExistent {
		if err := g.SetMemorySpaceAttributes(0, efi.PageSize, efi.MemoryRP); err != nil {
			g.logger.LogAttrs(context.Background(), slog.LevelError, "failed to protect page zero for null-pointer detection",
				slog.Any("error", err),
			)
		}
	}

	if err := g.mapper.InstallPageTable(); err != nil {
		return cerrors.Wrapf(efi.StatusDeviceError, "failed to install the boot translation tables: %v", err)
	}

	g.logger.LogAttrs(context.Background(), slog.LevelInfo, "boot translation tables installed")
	return nil
}
