package gcd

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/uefikit/dxecore/efi"
)

// Transition constructors for the memory space. Each returned closure checks
// its preconditions against the block it is handed and mutates only when
// every check passes, per the transition contract in block.go.

func addMemoryTransition(memoryType efi.GcdMemoryType, capabilities, attributes uint64) transition[memoryBlockData] {
	return func(b *block[memoryBlockData]) error {
		if memoryType == efi.GcdMemoryTypeNonExistent {
			return cerrors.Wrap(InvalidStateTransitionError, "cannot add a NonExistent region")
		}
		if b.state != blockUnallocated || b.data.memoryType != efi.GcdMemoryTypeNonExistent {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"cannot add %s space over a %s %s block", memoryType, b.state, b.data.memoryType)
		}
		if attributes&^capabilities != 0 {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"initial attributes %#x exceed capabilities %#x", attributes, capabilities)
		}

		b.data.memoryType = memoryType
		b.data.capabilities = capabilities
		b.data.attributes = attributes
		return nil
	}
}

func removeMemoryTransition() transition[memoryBlockData] {
	return func(b *block[memoryBlockData]) error {
		if b.state != blockUnallocated || b.data.memoryType == efi.GcdMemoryTypeNonExistent {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"cannot remove a %s %s block", b.state, b.data.memoryType)
		}

		b.data.memoryType = efi.GcdMemoryTypeNonExistent
		b.data.capabilities = 0
		b.data.attributes = 0
		return nil
	}
}

func allocateMemoryTransition(imageHandle, deviceHandle efi.Handle, respectOwnership bool) transition[memoryBlockData] {
	return func(b *block[memoryBlockData]) error {
		if b.state != blockUnallocated ||
			b.data.memoryType == efi.GcdMemoryTypeNonExistent ||
			b.data.memoryType == efi.GcdMemoryTypeUnaccepted {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"cannot allocate a %s %s block", b.state, b.data.memoryType)
		}
		if respectOwnership && b.data.imageHandle != efi.NullHandle && b.data.imageHandle != imageHandle {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"block is owned by image %#x, not requester %#x", uintptr(b.data.imageHandle), uintptr(imageHandle))
		}

		b.data.imageHandle = imageHandle
		// A null device handle keeps whatever the block already records.
		if deviceHandle != efi.NullHandle {
			b.data.deviceHandle = deviceHandle
		}
		b.state = blockAllocated
		return nil
	}
}

func freeMemoryTransition(preserveOwnership bool) transition[memoryBlockData] {
	return func(b *block[memoryBlockData]) error {
		if b.state != blockAllocated || b.data.memoryType == efi.GcdMemoryTypeNonExistent {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"cannot free a %s %s block", b.state, b.data.memoryType)
		}

		b.data.deviceHandle = efi.NullHandle
		if !preserveOwnership {
			b.data.imageHandle = efi.NullHandle
		}
		b.state = blockUnallocated
		return nil
	}
}

func setAttributesTransition(attributes uint64) transition[memoryBlockData] {
	return func(b *block[memoryBlockData]) error {
		if b.data.memoryType == efi.GcdMemoryTypeNonExistent {
			return cerrors.Wrap(InvalidStateTransitionError, "cannot set attributes on a NonExistent block")
		}
		if attributes&^b.data.capabilities != 0 {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"attributes %#x exceed the block's capabilities %#x", attributes, b.data.capabilities)
		}

		b.data.attributes = attributes
		return nil
	}
}

func setCapabilitiesTransition(capabilities uint64) transition[memoryBlockData] {
	return func(b *block[memoryBlockData]) error {
		if b.data.memoryType == efi.GcdMemoryTypeNonExistent {
			return cerrors.Wrap(InvalidStateTransitionError, "cannot set capabilities on a NonExistent block")
		}
		if b.data.attributes&^capabilities != 0 {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"capabilities %#x would drop bits required by the current attributes %#x", capabilities, b.data.attributes)
		}

		b.data.capabilities = capabilities
		return nil
	}
}

// Transition constructors for the I/O space. I/O blocks carry no attributes
// or capabilities, and the ownership-policy variants do not apply.

func addIoTransition(ioType efi.GcdIoType) transition[ioBlockData] {
	return func(b *block[ioBlockData]) error {
		if ioType == efi.GcdIoTypeNonExistent {
			return cerrors.Wrap(InvalidStateTransitionError, "cannot add a NonExistent region")
		}
		if b.state != blockUnallocated || b.data.ioType != efi.GcdIoTypeNonExistent {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"cannot add %s space over a %s %s block", ioType, b.state, b.data.ioType)
		}

		b.data.ioType = ioType
		return nil
	}
}

func removeIoTransition() transition[ioBlockData] {
	return func(b *block[ioBlockData]) error {
		if b.state != blockUnallocated || b.data.ioType == efi.GcdIoTypeNonExistent {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"cannot remove a %s %s block", b.state, b.data.ioType)
		}

		b.data.ioType = efi.GcdIoTypeNonExistent
		return nil
	}
}

func allocateIoTransition(imageHandle, deviceHandle efi.Handle) transition[ioBlockData] {
	return func(b *block[ioBlockData]) error {
		if b.state != blockUnallocated || b.data.ioType == efi.GcdIoTypeNonExistent {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"cannot allocate a %s %s block", b.state, b.data.ioType)
		}

		b.data.imageHandle = imageHandle
		if deviceHandle != efi.NullHandle {
			b.data.deviceHandle = deviceHandle
		}
		b.state = blockAllocated
		return nil
	}
}

func freeIoTransition() transition[ioBlockData] {
	return func(b *block[ioBlockData]) error {
		if b.state != blockAllocated || b.data.ioType == efi.GcdIoTypeNonExistent {
			return cerrors.Wrapf(InvalidStateTransitionError,
				"cannot free a %s %s block", b.state, b.data.ioType)
		}

		b.data.imageHandle = efi.NullHandle
		b.data.deviceHandle = efi.NullHandle
		b.state = blockUnallocated
		return nil
	}
}
