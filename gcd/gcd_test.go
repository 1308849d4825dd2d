package gcd

import (
	"os"
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/uefikit/dxecore/efi"
	"github.com/uefikit/dxecore/memutils"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout))
}

// newTestGcd models 1 MiB of memory space and 64 KiB of I/O space.
func newTestGcd(t *testing.T) *Gcd {
	t.Helper()

	g := New(testLogger(), CreateOptions{})
	require.NoError(t, g.Init(20, 16))
	return g
}

func TestOperationsRequireInit(t *testing.T) {
	g := New(testLogger(), CreateOptions{})
	require.False(t, g.IsReady())

	requireNotReady := func(err error) {
		require.Error(t, err)
		require.True(t, cerrors.Is(err, efi.StatusNotReady))
	}

	requireNotReady(g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x1000, 0x1000, 0))
	_, err := g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeSystemMemory,
		efi.PageShift, 0x1000, 0, 7, efi.NullHandle)
	requireNotReady(err)
	requireNotReady(g.FreeMemorySpace(0x1000, 0x1000))
	requireNotReady(g.RemoveMemorySpace(0x1000, 0x1000))
	requireNotReady(g.SetMemorySpaceAttributes(0x1000, 0x1000, efi.MemoryWB))
	requireNotReady(g.SetMemorySpaceCapabilities(0x1000, 0x1000, efi.MemoryWB))
	_, err = g.GetMemorySpaceDescriptor(0x1000)
	requireNotReady(err)
	_, err = g.GetMemorySpaceMap()
	requireNotReady(err)

	requireNotReady(g.AddIoSpace(efi.GcdIoTypeIo, 0, 0x1000))
	_, err = g.AllocateIoSpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdIoTypeIo, 0, 0x100, 0, 7, efi.NullHandle)
	requireNotReady(err)
	requireNotReady(g.FreeIoSpace(0, 0x100))
	requireNotReady(g.RemoveIoSpace(0, 0x1000))
	_, err = g.GetIoSpaceDescriptor(0)
	requireNotReady(err)
	_, err = g.GetIoSpaceMap()
	requireNotReady(err)
}

func TestInitValidatesAddressBits(t *testing.T) {
	g := New(testLogger(), CreateOptions{})

	for _, bits := range [][2]uint{{0, 16}, {64, 16}, {20, 0}, {20, 64}} {
		err := g.Init(bits[0], bits[1])
		require.Error(t, err)
		require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))
	}

	require.NoError(t, g.Init(20, 16))
	require.True(t, g.IsReady())

	err := g.Init(20, 16)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, efi.StatusUnsupported))
}

func TestAddMemorySpace(t *testing.T) {
	g := newTestGcd(t)

	err := g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x20000, efi.MemoryWB)
	require.NoError(t, err)

	memoryMap, err := g.GetMemorySpaceMap()
	require.NoError(t, err)
	require.Equal(t, []efi.MemorySpaceDescriptor{
		{
			BaseAddress: 0,
			Length:      0x10000,
			MemoryType:  efi.GcdMemoryTypeNonExistent,
		},
		{
			BaseAddress:  0x10000,
			Length:       0x20000,
			Capabilities: efi.MemoryWB | efi.MemoryAccessMask | efi.MemoryRuntime,
			Attributes:   efi.MemoryRP,
			MemoryType:   efi.GcdMemoryTypeSystemMemory,
		},
		{
			BaseAddress: 0x30000,
			Length:      0xD0000,
			MemoryType:  efi.GcdMemoryTypeNonExistent,
		},
	}, memoryMap)
	require.Equal(t, 3, g.MemoryDescriptorCount())
}

func TestAddMemorySpaceMmioCapabilities(t *testing.T) {
	g := newTestGcd(t)

	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeMemoryMappedIo, 0x80000, 0x10000, efi.MemoryUC))

	desc, err := g.GetMemorySpaceDescriptor(0x80000)
	require.NoError(t, err)
	require.Equal(t, efi.MemoryUC|efi.MemoryAccessMask|efi.MemoryRuntime|efi.MemoryIsaValid, desc.Capabilities)
}

var addMemorySpaceFailureTestCases = map[string]struct {
	memoryType     efi.GcdMemoryType
	baseAddress    efi.PhysicalAddress
	length         uint64
	expectedStatus efi.Status
}{
	"ZeroLength": {
		memoryType:     efi.GcdMemoryTypeSystemMemory,
		baseAddress:    0x1000,
		length:         0,
		expectedStatus: efi.StatusInvalidParameter,
	},
	"NonExistentType": {
		memoryType:     efi.GcdMemoryTypeNonExistent,
		baseAddress:    0x1000,
		length:         0x1000,
		expectedStatus: efi.StatusInvalidParameter,
	},
	"UnknownType": {
		memoryType:     efi.GcdMemoryTypeMaximum,
		baseAddress:    0x1000,
		length:         0x1000,
		expectedStatus: efi.StatusInvalidParameter,
	},
	"BeyondSpace": {
		memoryType:     efi.GcdMemoryTypeSystemMemory,
		baseAddress:    0xFF000,
		length:         0x2000,
		expectedStatus: efi.StatusUnsupported,
	},
	"BaseBeyondSpace": {
		memoryType:     efi.GcdMemoryTypeSystemMemory,
		baseAddress:    0x100000,
		length:         0x1000,
		expectedStatus: efi.StatusUnsupported,
	},
}

func TestAddMemorySpaceFailures(t *testing.T) {
	g := newTestGcd(t)

	for testName, testCase := range addMemorySpaceFailureTestCases {
		t.Run(testName, func(t *testing.T) {
			err := g.AddMemorySpace(testCase.memoryType, testCase.baseAddress, testCase.length, 0)
			require.Error(t, err)
			require.True(t, cerrors.Is(err, testCase.expectedStatus))
		})
	}

	t.Run("AlreadyAdded", func(t *testing.T) {
		require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x10000, 0))

		err := g.AddMemorySpace(efi.GcdMemoryTypeReserved, 0x10000, 0x1000, 0)
		require.True(t, cerrors.Is(err, efi.StatusAccessDenied))

		// A range that starts in non-existent space but runs into added
		// space is rejected without a partial add.
		err = g.AddMemorySpace(efi.GcdMemoryTypeReserved, 0x8000, 0x10000, 0)
		require.True(t, cerrors.Is(err, efi.StatusAccessDenied))

		desc, err := g.GetMemorySpaceDescriptor(0x8000)
		require.NoError(t, err)
		require.Equal(t, efi.GcdMemoryTypeNonExistent, desc.MemoryType)
	})
}

func TestAllocateAndFreeMemorySpace(t *testing.T) {
	g := newTestGcd(t)
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x20000, efi.MemoryWB))
	capabilities := efi.MemoryWB | efi.MemoryAccessMask | efi.MemoryRuntime

	base, err := g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeSystemMemory,
		efi.PageShift, 0x2000, 0, 7, efi.NullHandle)
	require.NoError(t, err)
	require.Equal(t, efi.PhysicalAddress(0x10000), base)

	// The fresh allocation is execute-protected and records its owner.
	desc, err := g.GetMemorySpaceDescriptor(base)
	require.NoError(t, err)
	require.Equal(t, efi.MemorySpaceDescriptor{
		BaseAddress:  0x10000,
		Length:       0x2000,
		Capabilities: capabilities,
		Attributes:   efi.MemoryXP,
		MemoryType:   efi.GcdMemoryTypeSystemMemory,
		ImageHandle:  7,
	}, desc)
	require.Equal(t, 4, g.MemoryDescriptorCount())

	// Freeing reverts to read-protected and merges with the unallocated
	// remainder.
	require.NoError(t, g.FreeMemorySpace(base, 0x2000))
	desc, err = g.GetMemorySpaceDescriptor(base)
	require.NoError(t, err)
	require.Equal(t, efi.MemorySpaceDescriptor{
		BaseAddress:  0x10000,
		Length:       0x20000,
		Capabilities: capabilities,
		Attributes:   efi.MemoryRP,
		MemoryType:   efi.GcdMemoryTypeSystemMemory,
	}, desc)
	require.Equal(t, 3, g.MemoryDescriptorCount())
}

func TestFreeMemorySpacePreservingOwnership(t *testing.T) {
	g := newTestGcd(t)
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x1000, 0))

	base, err := g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeSystemMemory,
		efi.PageShift, 0x1000, 0, 7, efi.NullHandle)
	require.NoError(t, err)
	require.Equal(t, efi.PhysicalAddress(0x10000), base)

	require.NoError(t, g.FreeMemorySpacePreservingOwnership(base, 0x1000))

	desc, err := g.GetMemorySpaceDescriptor(base)
	require.NoError(t, err)
	require.Equal(t, efi.Handle(7), desc.ImageHandle)

	// The retained owner keeps every other image out of searches.
	_, err = g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeSystemMemory,
		efi.PageShift, 0x1000, 0, 8, efi.NullHandle)
	require.True(t, cerrors.Is(err, efi.StatusOutOfResources))

	base, err = g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeSystemMemory,
		efi.PageShift, 0x1000, 0, 7, efi.NullHandle)
	require.NoError(t, err)
	require.Equal(t, efi.PhysicalAddress(0x10000), base)
}

var allocateMemoryFailureTestCases = map[string]struct {
	allocateType   efi.GcdAllocateType
	memoryType     efi.GcdMemoryType
	alignment      uint
	length         uint64
	address        efi.PhysicalAddress
	imageHandle    efi.Handle
	expectedStatus efi.Status
}{
	"ZeroLength": {
		allocateType:   efi.GcdAllocateAnySearchBottomUp,
		memoryType:     efi.GcdMemoryTypeSystemMemory,
		alignment:      efi.PageShift,
		length:         0,
		imageHandle:    7,
		expectedStatus: efi.StatusInvalidParameter,
	},
	"NullImageHandle": {
		allocateType:   efi.GcdAllocateAnySearchBottomUp,
		memoryType:     efi.GcdMemoryTypeSystemMemory,
		alignment:      efi.PageShift,
		length:         0x1000,
		imageHandle:    efi.NullHandle,
		expectedStatus: efi.StatusInvalidParameter,
	},
	"UnacceptedType": {
		allocateType:   efi.GcdAllocateAnySearchBottomUp,
		memoryType:     efi.GcdMemoryTypeUnaccepted,
		alignment:      efi.PageShift,
		length:         0x1000,
		imageHandle:    7,
		expectedStatus: efi.StatusInvalidParameter,
	},
	"UnknownAllocateType": {
		allocateType:   efi.GcdMaxAllocateType,
		memoryType:     efi.GcdMemoryTypeSystemMemory,
		alignment:      efi.PageShift,
		length:         0x1000,
		imageHandle:    7,
		expectedStatus: efi.StatusInvalidParameter,
	},
	"AlignmentBeyondAddressWidth": {
		allocateType:   efi.GcdAllocateAnySearchBottomUp,
		memoryType:     efi.GcdMemoryTypeSystemMemory,
		alignment:      64,
		length:         0x1000,
		imageHandle:    7,
		expectedStatus: efi.StatusInvalidParameter,
	},
	"AddressBeyondSpace": {
		allocateType:   efi.GcdAllocateAddress,
		memoryType:     efi.GcdMemoryTypeSystemMemory,
		alignment:      efi.PageShift,
		length:         0x2000,
		address:        0xFF000,
		imageHandle:    7,
		expectedStatus: efi.StatusNotFound,
	},
}

func TestAllocateMemorySpaceFailures(t *testing.T) {
	g := newTestGcd(t)
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x10000, 0))

	for testName, testCase := range allocateMemoryFailureTestCases {
		t.Run(testName, func(t *testing.T) {
			_, err := g.AllocateMemorySpace(testCase.allocateType, testCase.memoryType,
				testCase.alignment, testCase.length, testCase.address, testCase.imageHandle, efi.NullHandle)
			require.Error(t, err)
			require.True(t, cerrors.Is(err, testCase.expectedStatus))
		})
	}

	t.Run("SearchExhausted", func(t *testing.T) {
		// Nothing reserved was ever added, so a search for reserved space
		// cannot be satisfied.
		_, err := g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeReserved,
			efi.PageShift, 0x1000, 0, 7, efi.NullHandle)
		require.True(t, cerrors.Is(err, efi.StatusOutOfResources))

		_, err = g.AllocateMemorySpace(efi.GcdAllocateMaxAddressSearchBottomUp, efi.GcdMemoryTypeReserved,
			efi.PageShift, 0x1000, 0x80000, 7, efi.NullHandle)
		require.True(t, cerrors.Is(err, efi.StatusNotFound))
	})

	t.Run("AddressOccupied", func(t *testing.T) {
		base, err := g.AllocateMemorySpace(efi.GcdAllocateAddress, efi.GcdMemoryTypeSystemMemory,
			efi.PageShift, 0x1000, 0x10000, 7, efi.NullHandle)
		require.NoError(t, err)
		require.Equal(t, efi.PhysicalAddress(0x10000), base)

		_, err = g.AllocateMemorySpace(efi.GcdAllocateAddress, efi.GcdMemoryTypeSystemMemory,
			efi.PageShift, 0x1000, 0x10000, 8, efi.NullHandle)
		require.True(t, cerrors.Is(err, efi.StatusNotFound))
	})
}

// TestMmioCarveOutAndReturn walks a device range through its life cycle: a
// 4 KiB MMIO window is added, its first half is handed to a driver, and the
// free merges the pieces back together.
func TestMmioCarveOutAndReturn(t *testing.T) {
	g := New(testLogger(), CreateOptions{})
	require.NoError(t, g.Init(48, 16))

	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeMemoryMappedIo, 0x1000, 0x1000, 0))

	base, err := g.AllocateMemorySpace(efi.GcdAllocateAddress, efi.GcdMemoryTypeMemoryMappedIo,
		0, 0x800, 0x1000, 7, efi.NullHandle)
	require.NoError(t, err)
	require.Equal(t, efi.PhysicalAddress(0x1000), base)

	mmioCapabilities := efi.MemoryAccessMask | efi.MemoryRuntime | efi.MemoryIsaValid

	memoryMap, err := g.GetMemorySpaceMap()
	require.NoError(t, err)
	require.Equal(t, []efi.MemorySpaceDescriptor{
		{
			BaseAddress: 0,
			Length:      0x1000,
			MemoryType:  efi.GcdMemoryTypeNonExistent,
		},
		{
			BaseAddress:  0x1000,
			Length:       0x800,
			Capabilities: mmioCapabilities,
			Attributes:   efi.MemoryRP,
			MemoryType:   efi.GcdMemoryTypeMemoryMappedIo,
			ImageHandle:  7,
		},
		{
			BaseAddress:  0x1800,
			Length:       0x800,
			Capabilities: mmioCapabilities,
			Attributes:   efi.MemoryRP,
			MemoryType:   efi.GcdMemoryTypeMemoryMappedIo,
		},
		{
			BaseAddress: 0x2000,
			Length:      1<<48 - 0x2000,
			MemoryType:  efi.GcdMemoryTypeNonExistent,
		},
	}, memoryMap)

	require.NoError(t, g.FreeMemorySpace(0x1000, 0x800))

	memoryMap, err = g.GetMemorySpaceMap()
	require.NoError(t, err)
	require.Equal(t, []efi.MemorySpaceDescriptor{
		{
			BaseAddress: 0,
			Length:      0x1000,
			MemoryType:  efi.GcdMemoryTypeNonExistent,
		},
		{
			BaseAddress:  0x1000,
			Length:       0x1000,
			Capabilities: mmioCapabilities,
			Attributes:   efi.MemoryRP,
			MemoryType:   efi.GcdMemoryTypeMemoryMappedIo,
		},
		{
			BaseAddress: 0x2000,
			Length:      1<<48 - 0x2000,
			MemoryType:  efi.GcdMemoryTypeNonExistent,
		},
	}, memoryMap)
}

// TestCapabilityShrinkBelowAttributes pins the ordering contract between the
// two protection masks: capabilities may only shrink to a superset of the
// attributes currently in force.
func TestCapabilityShrinkBelowAttributes(t *testing.T) {
	g := newTestGcd(t)
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeReserved, 0x10000, 0x10000, 0))

	// Added space comes up read-protected; drop that so capabilities can
	// tighten all the way down.
	require.NoError(t, g.SetMemorySpaceAttributes(0x10000, 0x10000, 0))
	require.NoError(t, g.SetMemorySpaceCapabilities(0x10000, 0x10000, 0b1111))
	require.NoError(t, g.SetMemorySpaceAttributes(0x10000, 0x10000, 0b1111))

	err := g.SetMemorySpaceCapabilities(0x10000, 0x10000, 0b1011)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, efi.StatusUnsupported))

	desc, err := g.GetMemorySpaceDescriptor(0x10000)
	require.NoError(t, err)
	require.Equal(t, uint64(0b1111), desc.Capabilities)
	require.Equal(t, uint64(0b1111), desc.Attributes)
}

func TestSetMemorySpaceAttributes(t *testing.T) {
	g := newTestGcd(t)
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x30000, efi.MemoryWB))

	// A sub-range change splits the block.
	require.NoError(t, g.SetMemorySpaceAttributes(0x18000, 0x8000, efi.MemoryWB))
	require.Equal(t, 5, g.MemoryDescriptorCount())

	desc, err := g.GetMemorySpaceDescriptor(0x18000)
	require.NoError(t, err)
	require.Equal(t, efi.PhysicalAddress(0x18000), desc.BaseAddress)
	require.Equal(t, uint64(0x8000), desc.Length)
	require.Equal(t, efi.MemoryWB, desc.Attributes)

	// Applying one attribute set across the whole region merges it back
	// into a single block.
	require.NoError(t, g.SetMemorySpaceAttributes(0x10000, 0x30000, efi.MemoryWB))
	require.Equal(t, 3, g.MemoryDescriptorCount())

	desc, err = g.GetMemorySpaceDescriptor(0x10000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x30000), desc.Length)
	require.Equal(t, efi.MemoryWB, desc.Attributes)
}

func TestSetMemorySpaceAttributesFailures(t *testing.T) {
	g := newTestGcd(t)
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x10000, efi.MemoryWB))

	err := g.SetMemorySpaceAttributes(0x10000, 0, efi.MemoryWB)
	require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))

	err = g.SetMemorySpaceAttributes(0xFF000, 0x2000, efi.MemoryWB)
	require.True(t, cerrors.Is(err, efi.StatusUnsupported))

	err = g.SetMemorySpaceAttributes(0x10800, 0x1000, efi.MemoryWB)
	require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))

	err = g.SetMemorySpaceAttributes(0x10000, 0x800, efi.MemoryWB)
	require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))

	// WT was never declared a capability of this range.
	err = g.SetMemorySpaceAttributes(0x10000, 0x1000, efi.MemoryWT)
	require.True(t, cerrors.Is(err, efi.StatusUnsupported))

	// A range that spills into non-existent space fails whole: the leading
	// in-bounds blocks keep their attributes.
	before, err := g.GetMemorySpaceMap()
	require.NoError(t, err)

	err = g.SetMemorySpaceAttributes(0x10000, 0x20000, efi.MemoryWB)
	require.True(t, cerrors.Is(err, efi.StatusUnsupported))

	after, err := g.GetMemorySpaceMap()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRemoveMemorySpace(t *testing.T) {
	g := newTestGcd(t)
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeReserved, 0x10000, 0x10000, 0))

	require.NoError(t, g.RemoveMemorySpace(0x10000, 0x10000))
	require.Equal(t, 1, g.MemoryDescriptorCount())

	desc, err := g.GetMemorySpaceDescriptor(0x10000)
	require.NoError(t, err)
	require.Equal(t, efi.GcdMemoryTypeNonExistent, desc.MemoryType)
	require.Equal(t, uint64(0), desc.Capabilities)

	// Removing non-existent space again has nothing to remove.
	err = g.RemoveMemorySpace(0x10000, 0x10000)
	require.True(t, cerrors.Is(err, efi.StatusNotFound))
}

func TestRemoveAllocatedMemorySpaceDenied(t *testing.T) {
	g := newTestGcd(t)
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x10000, 0))

	_, err := g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeSystemMemory,
		efi.PageShift, 0x1000, 0, 7, efi.NullHandle)
	require.NoError(t, err)

	err = g.RemoveMemorySpace(0x10000, 0x10000)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, efi.StatusAccessDenied))
}

func TestLockMemorySpace(t *testing.T) {
	g := newTestGcd(t)
	fullCapabilities := efi.MemoryWB | efi.MemoryUC | efi.MemoryAccessMask | efi.MemoryRuntime
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x20000, efi.MemoryWB|efi.MemoryUC))

	base, err := g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeSystemMemory,
		efi.PageShift, 0x1000, 0, 7, efi.NullHandle)
	require.NoError(t, err)

	g.LockMemorySpace()

	requireDenied := func(err error) {
		require.Error(t, err)
		require.True(t, cerrors.Is(err, efi.StatusAccessDenied))
	}

	requireDenied(g.AddMemorySpace(efi.GcdMemoryTypeReserved, 0x80000, 0x1000, 0))
	_, err = g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeSystemMemory,
		efi.PageShift, 0x1000, 0, 7, efi.NullHandle)
	requireDenied(err)
	requireDenied(g.FreeMemorySpace(base, 0x1000))
	requireDenied(g.RemoveMemorySpace(0x28000, 0x8000))

	// Attribute and capability changes stay possible after the lock, and
	// the I/O space is not covered by it.
	require.NoError(t, g.SetMemorySpaceAttributes(0x20000, 0x1000, efi.MemoryWB))
	require.NoError(t, g.SetMemorySpaceCapabilities(0x20000, 0x1000, fullCapabilities))
	require.NoError(t, g.AddIoSpace(efi.GcdIoTypeIo, 0, 0x1000))

	g.UnlockMemorySpace()
	require.NoError(t, g.FreeMemorySpace(base, 0x1000))
}

func TestMapChangeCallback(t *testing.T) {
	var changes []MapChangeType
	g := New(testLogger(), CreateOptions{
		MapChangeCallback: func(change MapChangeType) {
			changes = append(changes, change)
		},
	})
	require.NoError(t, g.Init(20, 16))

	fullCapabilities := efi.MemoryWB | efi.MemoryAccessMask | efi.MemoryRuntime
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x10000, efi.MemoryWB))

	base, err := g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeSystemMemory,
		efi.PageShift, 0x1000, 0, 7, efi.NullHandle)
	require.NoError(t, err)

	// Attribute and capability edits reshape protections, not the map:
	// no callback for either.
	require.NoError(t, g.SetMemorySpaceAttributes(0x18000, 0x1000, efi.MemoryWB))
	require.NoError(t, g.SetMemorySpaceCapabilities(0x18000, 0x1000, fullCapabilities))

	require.NoError(t, g.FreeMemorySpace(base, 0x1000))
	require.NoError(t, g.RemoveMemorySpace(0x10000, 0x10000))

	// A rejected operation fires nothing.
	err = g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x200000, 0x1000, 0)
	require.Error(t, err)

	require.Equal(t, []MapChangeType{
		MapChangeAddMemorySpace,
		MapChangeAllocateMemorySpace,
		MapChangeFreeMemorySpace,
		MapChangeRemoveMemorySpace,
	}, changes)
}

func TestIoSpaceLifecycle(t *testing.T) {
	g := newTestGcd(t)

	require.NoError(t, g.AddIoSpace(efi.GcdIoTypeIo, 0, 0x1000))
	require.NoError(t, g.AddIoSpace(efi.GcdIoTypeReserved, 0x1000, 0x1000))

	// Port zero is allocatable by search; there is nothing special about
	// the bottom of the I/O space.
	base, err := g.AllocateIoSpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdIoTypeIo,
		0, 0x100, 0, 7, efi.NullHandle)
	require.NoError(t, err)
	require.Equal(t, efi.PhysicalAddress(0), base)

	ioMap, err := g.GetIoSpaceMap()
	require.NoError(t, err)
	require.Equal(t, []efi.IoSpaceDescriptor{
		{
			BaseAddress: 0,
			Length:      0x100,
			IoType:      efi.GcdIoTypeIo,
			ImageHandle: 7,
		},
		{
			BaseAddress: 0x100,
			Length:      0xF00,
			IoType:      efi.GcdIoTypeIo,
		},
		{
			BaseAddress: 0x1000,
			Length:      0x1000,
			IoType:      efi.GcdIoTypeReserved,
		},
		{
			BaseAddress: 0x2000,
			Length:      0xE000,
			IoType:      efi.GcdIoTypeNonExistent,
		},
	}, ioMap)
	require.Equal(t, 4, g.IoDescriptorCount())

	require.NoError(t, g.FreeIoSpace(0, 0x100))
	require.NoError(t, g.RemoveIoSpace(0, 0x1000))
	require.Equal(t, 3, g.IoDescriptorCount())

	desc, err := g.GetIoSpaceDescriptor(0)
	require.NoError(t, err)
	require.Equal(t, efi.GcdIoTypeNonExistent, desc.IoType)
}

func TestIoSpaceFailures(t *testing.T) {
	g := newTestGcd(t)
	require.NoError(t, g.AddIoSpace(efi.GcdIoTypeIo, 0x1000, 0x1000))

	t.Run("AddFailures", func(t *testing.T) {
		err := g.AddIoSpace(efi.GcdIoTypeIo, 0x4000, 0)
		require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))

		err = g.AddIoSpace(efi.GcdIoTypeNonExistent, 0x4000, 0x1000)
		require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))

		err = g.AddIoSpace(efi.GcdIoTypeMaximum, 0x4000, 0x1000)
		require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))

		err = g.AddIoSpace(efi.GcdIoTypeIo, 0xFF00, 0x200)
		require.True(t, cerrors.Is(err, efi.StatusUnsupported))

		err = g.AddIoSpace(efi.GcdIoTypeReserved, 0x1000, 0x1000)
		require.True(t, cerrors.Is(err, efi.StatusAccessDenied))
	})

	t.Run("AllocateFailures", func(t *testing.T) {
		_, err := g.AllocateIoSpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdIoTypeIo,
			0, 0, 0, 7, efi.NullHandle)
		require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))

		_, err = g.AllocateIoSpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdIoTypeIo,
			0, 0x100, 0, efi.NullHandle, efi.NullHandle)
		require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))

		_, err = g.AllocateIoSpace(efi.GcdMaxAllocateType, efi.GcdIoTypeIo,
			0, 0x100, 0, 7, efi.NullHandle)
		require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))

		_, err = g.AllocateIoSpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdIoTypeIo,
			64, 0x100, 0, 7, efi.NullHandle)
		require.True(t, cerrors.Is(err, efi.StatusInvalidParameter))

		_, err = g.AllocateIoSpace(efi.GcdAllocateAddress, efi.GcdIoTypeIo,
			0, 0x200, 0xFF00, 7, efi.NullHandle)
		require.True(t, cerrors.Is(err, efi.StatusUnsupported))

		// The range at 0x0 was never added, so an exact-address request
		// there finds nothing.
		_, err = g.AllocateIoSpace(efi.GcdAllocateAddress, efi.GcdIoTypeIo,
			0, 0x100, 0, 7, efi.NullHandle)
		require.True(t, cerrors.Is(err, efi.StatusNotFound))
	})

	t.Run("FreeAndRemoveFailures", func(t *testing.T) {
		err := g.FreeIoSpace(0x1000, 0x100)
		require.True(t, cerrors.Is(err, efi.StatusNotFound))

		_, err = g.AllocateIoSpace(efi.GcdAllocateAddress, efi.GcdIoTypeIo,
			0, 0x100, 0x1000, 7, efi.NullHandle)
		require.NoError(t, err)

		err = g.RemoveIoSpace(0x1000, 0x1000)
		require.True(t, cerrors.Is(err, efi.StatusAccessDenied))

		err = g.RemoveIoSpace(0x8000, 0x1000)
		require.True(t, cerrors.Is(err, efi.StatusNotFound))
	})
}

func TestGetDescriptorOutsideSpace(t *testing.T) {
	g := newTestGcd(t)

	_, err := g.GetMemorySpaceDescriptor(0x100000)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, efi.StatusNotFound))

	_, err = g.GetIoSpaceDescriptor(0x10000)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, efi.StatusNotFound))
}

func TestCalculateStatistics(t *testing.T) {
	g := newTestGcd(t)
	require.NoError(t, g.AddMemorySpace(efi.GcdMemoryTypeSystemMemory, 0x10000, 0x20000, efi.MemoryWB))

	_, err := g.AllocateMemorySpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdMemoryTypeSystemMemory,
		efi.PageShift, 0x2000, 0, 7, efi.NullHandle)
	require.NoError(t, err)

	require.NoError(t, g.AddIoSpace(efi.GcdIoTypeIo, 0, 0x1000))
	_, err = g.AllocateIoSpace(efi.GcdAllocateAnySearchBottomUp, efi.GcdIoTypeIo,
		0, 0x100, 0, 7, efi.NullHandle)
	require.NoError(t, err)

	var stats GcdStatistics
	g.CalculateStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			DescriptorCount: 4,
			AllocationCount: 1,
			SpaceBytes:      0x20000,
			AllocationBytes: 0x2000,
		},
		UnallocatedRangeCount:   1,
		AllocationSizeMin:       0x2000,
		AllocationSizeMax:       0x2000,
		UnallocatedRangeSizeMin: 0x1E000,
		UnallocatedRangeSizeMax: 0x1E000,
	}, stats.Memory)

	require.Equal(t, memutils.Statistics{
		DescriptorCount: 3,
		AllocationCount: 1,
		SpaceBytes:      0x1000,
		AllocationBytes: 0x100,
	}, stats.Io)
}
