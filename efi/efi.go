// Package efi carries the UEFI/PI scalar types, status codes, and constant
// vocabulary shared by the address-space manager packages. It deliberately
// contains no behavior beyond formatting helpers: everything here mirrors a
// record or enumeration defined by the UEFI or PI specifications, so that the
// packages above it can speak the firmware's native vocabulary without
// depending on a C ABI.
package efi

import "fmt"

// PhysicalAddress is a physical address within the processor's memory or I/O
// space. I/O addresses share this type: the GCD treats both spaces as plain
// 64-bit ranges.
type PhysicalAddress = uint64

// VirtualAddress is a CPU virtual address, used once runtime conversion has
// taken place.
type VirtualAddress = uint64

// Handle is an opaque identity token for an image or device. Handles are
// never dereferenced by this module; they exist only so address-space ranges
// can record which agent owns them.
type Handle uintptr

// NullHandle marks "no owner". Freeing a range resets its handles to this.
const NullHandle Handle = 0

const (
	// PageSize is the UEFI page size. All page-granular services operate in
	// these units regardless of the CPU's native page sizes.
	PageSize uint64 = 0x1000
	// PageMask selects the offset-within-page bits of an address.
	PageMask uint64 = 0xFFF
	// PageShift is log2(PageSize).
	PageShift uint = 12
)

// SizeToPages converts a byte count to a page count, rounding up.
func SizeToPages(size uint64) uint64 {
	return (size + PageMask) >> PageShift
}

// PagesToSize converts a page count to a byte count.
func PagesToSize(pages uint64) uint64 {
	return pages << PageShift
}

const statusErrorBit uint64 = 1 << 63

// Status is a UEFI status code. Only error statuses are represented as
// values: successful calls return a nil error, so a non-nil Status always
// carries the error bit.
type Status uint64

const (
	StatusLoadError        Status = Status(statusErrorBit | 1)
	StatusInvalidParameter Status = Status(statusErrorBit | 2)
	StatusUnsupported      Status = Status(statusErrorBit | 3)
	StatusBadBufferSize    Status = Status(statusErrorBit | 4)
	StatusBufferTooSmall   Status = Status(statusErrorBit | 5)
	StatusNotReady         Status = Status(statusErrorBit | 6)
	StatusDeviceError      Status = Status(statusErrorBit | 7)
	StatusWriteProtected   Status = Status(statusErrorBit | 8)
	StatusOutOfResources   Status = Status(statusErrorBit | 9)
	StatusNotFound         Status = Status(statusErrorBit | 14)
	StatusAccessDenied     Status = Status(statusErrorBit | 15)
	StatusTimeout          Status = Status(statusErrorBit | 18)
	StatusAborted          Status = Status(statusErrorBit | 21)
)

var statusNames = map[Status]string{
	StatusLoadError:        "EFI_LOAD_ERROR",
	StatusInvalidParameter: "EFI_INVALID_PARAMETER",
	StatusUnsupported:      "EFI_UNSUPPORTED",
	StatusBadBufferSize:    "EFI_BAD_BUFFER_SIZE",
	StatusBufferTooSmall:   "EFI_BUFFER_TOO_SMALL",
	StatusNotReady:         "EFI_NOT_READY",
	StatusDeviceError:      "EFI_DEVICE_ERROR",
	StatusWriteProtected:   "EFI_WRITE_PROTECTED",
	StatusOutOfResources:   "EFI_OUT_OF_RESOURCES",
	StatusNotFound:         "EFI_NOT_FOUND",
	StatusAccessDenied:     "EFI_ACCESS_DENIED",
	StatusTimeout:          "EFI_TIMEOUT",
	StatusAborted:          "EFI_ABORTED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("EFI_STATUS(%#x)", uint64(s))
}

// Error makes Status usable as an error value. Status constants are
// comparable, so errors.Is matches them directly.
func (s Status) Error() string {
	return s.String()
}
