package gcd

import "fmt"

// MapChangeType tells a map-change callback what kind of mutation just
// committed. The vocabulary covers every mutating operation, but the façade
// only fires the callback for the structural ones (add, allocate, free,
// remove): attribute and capability edits reshape protections, not the
// memory map itself.
type MapChangeType uint32

const (
	MapChangeAddMemorySpace MapChangeType = iota
	MapChangeAllocateMemorySpace
	MapChangeFreeMemorySpace
	MapChangeRemoveMemorySpace
	MapChangeSetMemoryAttributes
	MapChangeSetMemoryCapabilities
	mapChangeMaximum
)

var mapChangeNames = [mapChangeMaximum]string{
	"AddMemorySpace",
	"AllocateMemorySpace",
	"FreeMemorySpace",
	"RemoveMemorySpace",
	"SetMemoryAttributes",
	"SetMemoryCapabilities",
}

func (t MapChangeType) String() string {
	if t < mapChangeMaximum {
		return mapChangeNames[t]
	}
	return fmt.Sprintf("MapChangeType(%d)", uint32(t))
}

// MapChangeCallback is invoked synchronously after a successful structural
// mutation of the memory space, after the map has been updated but before
// the mutating call returns. It runs with the space lock held: callbacks
// must not call back into the Gcd or they will deadlock. The usual
// subscriber signals a "memory map changed" event group from here.
type MapChangeCallback func(change MapChangeType)
