package gcd

import "github.com/pkg/errors"

// InvalidStateTransitionError is the error returned when a requested state transition is not
// legal for a block's current allocation state, region type, attributes, or capabilities.
// The public entry points translate it into the appropriate EFI status for their operation.
var InvalidStateTransitionError error = errors.New("the requested transition is not valid for the block's current state")

// BlockOutsideRangeError is the error returned when a requested range is not fully covered
// by the block (or, at the map level, by a single block) it was applied to.
var BlockOutsideRangeError error = errors.New("the requested range falls outside the block")

// OutOfSpaceError is the error returned when an allocation search exhausts the address
// space without finding an eligible range.
var OutOfSpaceError error = errors.New("no eligible range of the address space satisfies the request")
