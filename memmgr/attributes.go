package memmgr

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"

	"github.com/uefikit/dxecore/efi"
)

// AccessType names the protection applied to a range of pages. It abstracts
// the read-protect, read-only, and execute-protect hardware bits into the
// combinations firmware actually uses.
type AccessType uint32

const (
	// NoAccess makes the range inaccessible for reads, writes, and execution.
	NoAccess AccessType = iota
	// ReadOnly permits reads only.
	ReadOnly
	// ReadWrite permits reads and writes but not execution.
	ReadWrite
	// ReadExecute permits reads and execution but not writes.
	ReadExecute
	// ReadWriteExecute permits everything. It has no attribute encoding and is
	// only ever produced when decoding a range with no protections applied;
	// requesting it is rejected.
	ReadWriteExecute
)

var accessTypeNames = map[AccessType]string{
	NoAccess:         "NoAccess",
	ReadOnly:         "ReadOnly",
	ReadWrite:        "ReadWrite",
	ReadExecute:      "ReadExecute",
	ReadWriteExecute: "ReadWriteExecute",
}

func (t AccessType) String() string {
	name, ok := accessTypeNames[t]
	if !ok {
		return fmt.Sprintf("AccessType(%d)", uint32(t))
	}
	return name
}

// CachingType names the cacheability applied to a range of pages.
type CachingType uint32

const (
	// CachingUnspecified leaves a range's existing cacheability untouched when
	// changing its protections. It is the zero value.
	CachingUnspecified CachingType = iota
	// Uncached disables caching entirely.
	Uncached
	// WriteCombining allows writes to be buffered and combined.
	WriteCombining
	// WriteThrough caches reads and writes, with writes propagated immediately.
	WriteThrough
	// WriteBack caches reads and writes, with writes propagated lazily.
	WriteBack
	// WriteProtect caches reads and ignores writes. It is decoded from existing
	// ranges but cannot be requested.
	WriteProtect
)

var cachingTypeNames = map[CachingType]string{
	CachingUnspecified: "CachingUnspecified",
	Uncached:           "Uncached",
	WriteCombining:     "WriteCombining",
	WriteThrough:       "WriteThrough",
	WriteBack:          "WriteBack",
	WriteProtect:       "WriteProtect",
}

func (t CachingType) String() string {
	name, ok := cachingTypeNames[t]
	if !ok {
		return fmt.Sprintf("CachingType(%d)", uint32(t))
	}
	return name
}

// accessAttributes encodes an AccessType as hardware protection bits.
// Writable-and-executable mappings have no encoding and are refused outright
// rather than silently weakened.
func accessAttributes(access AccessType) (uint64, error) {
	switch access {
	case NoAccess:
		return efi.MemoryRP, nil
	case ReadOnly:
		return efi.MemoryRO | efi.MemoryXP, nil
	case ReadWrite:
		return efi.MemoryXP, nil
	case ReadExecute:
		return efi.MemoryRO, nil
	default:
		return 0, cerrors.Wrapf(UnsupportedAttributesError, "access type %s", access)
	}
}

// AccessTypeForAttributes decodes hardware protection bits into an AccessType.
// A read-protected range is NoAccess regardless of its other bits.
func AccessTypeForAttributes(attributes uint64) AccessType {
	if attributes&efi.MemoryRP != 0 {
		return NoAccess
	}

	switch attributes & (efi.MemoryRO | efi.MemoryXP) {
	case efi.MemoryRO | efi.MemoryXP:
		return ReadOnly
	case efi.MemoryRO:
		return ReadExecute
	case efi.MemoryXP:
		return ReadWrite
	default:
		return ReadWriteExecute
	}
}

// cachingAttributes encodes a CachingType as hardware cacheability bits.
func cachingAttributes(caching CachingType) (uint64, error) {
	switch caching {
	case Uncached:
		return efi.MemoryUC, nil
	case WriteCombining:
		return efi.MemoryWC, nil
	case WriteThrough:
		return efi.MemoryWT, nil
	case WriteBack:
		return efi.MemoryWB, nil
	default:
		return 0, cerrors.Wrapf(UnsupportedAttributesError, "caching type %s", caching)
	}
}

// CachingTypeForAttributes decodes hardware cacheability bits into a
// CachingType. It reports false when the bits do not form one recognized mode,
// which includes ranges carrying several cache bits at once.
func CachingTypeForAttributes(attributes uint64) (CachingType, bool) {
	switch attributes & efi.MemoryCacheAttributeMask {
	case efi.MemoryUC:
		return Uncached, true
	case efi.MemoryWC:
		return WriteCombining, true
	case efi.MemoryWT:
		return WriteThrough, true
	case efi.MemoryWB:
		return WriteBack, true
	case efi.MemoryWP:
		return WriteProtect, true
	default:
		return CachingUnspecified, false
	}
}
