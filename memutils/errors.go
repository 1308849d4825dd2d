package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// PageAlignmentError is the error returned from CheckPageAligned or other methods if the value being tested does not
// sit on a page boundary
var PageAlignmentError error = errors.New("value must be page-aligned")
