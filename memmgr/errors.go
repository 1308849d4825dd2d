package memmgr

import "github.com/pkg/errors"

// NoAvailableMemoryError is the error returned when the coherency domain has no
// free range that satisfies an allocation's type, size, alignment, and placement
// requirements.
var NoAvailableMemoryError error = errors.New("no available memory satisfies the allocation request")

// UnalignedAddressError is the error returned when a caller-supplied address does
// not meet the alignment the operation requires.
var UnalignedAddressError error = errors.New("the provided address does not meet the required alignment")

// InvalidAlignmentError is the error returned when a requested alignment is not a
// page-aligned power of two.
var InvalidAlignmentError error = errors.New("the requested alignment must be a page-aligned power of two")

// InvalidAddressError is the error returned when an address does not identify
// memory this manager can operate on, such as a free of a range that was never
// allocated or an attribute query outside the managed space.
var InvalidAddressError error = errors.New("the provided address does not identify managed memory")

// InvalidPageCountError is the error returned when a page count is zero or does
// not match the allocation it is applied to.
var InvalidPageCountError error = errors.New("the provided page count is not valid for this operation")

// InconsistentRangeAttributesError is the error returned when a queried range
// spans descriptors with differing attributes, so no single answer describes it.
var InconsistentRangeAttributesError error = errors.New("the requested range does not have uniform attributes")

// UnsupportedMemoryTypeError is the error returned when an allocation names a
// memory type outside the set this manager is willing to hand out.
var UnsupportedMemoryTypeError error = errors.New("the requested memory type cannot be allocated through this service")

// UnsupportedAttributesError is the error returned when an access or caching
// request has no representation in the hardware attribute set, such as
// writable-and-executable mappings.
var UnsupportedAttributesError error = errors.New("the requested attribute combination is not supported")

// InternalError is the error returned when the coherency domain rejects an
// operation for a reason the manager's own bookkeeping says cannot happen.
var InternalError error = errors.New("the memory manager encountered an internal inconsistency")
