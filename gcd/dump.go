package gcd

import (
	"fmt"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/uefikit/dxecore/efi"
)

// Fixed-width names keep the dump columns aligned. Out-of-range values
// clamp to the trailing unknown entry.
var memoryTypeDumpNames = [...]string{
	"NonExist ",
	"Reserved ",
	"SystemMem",
	"MMIO     ",
	"PersisMem",
	"MoreRelia",
	"Unaccepte",
	"Unknown  ",
}

var ioTypeDumpNames = [...]string{
	"NonExist",
	"Reserved",
	"I/O     ",
	"Unknown ",
}

func memoryTypeDumpName(memoryType efi.GcdMemoryType) string {
	i := int(memoryType)
	if i >= len(memoryTypeDumpNames) {
		i = len(memoryTypeDumpNames) - 1
	}
	return memoryTypeDumpNames[i]
}

func ioTypeDumpName(ioType efi.GcdIoType) string {
	i := int(ioType)
	if i >= len(ioTypeDumpNames) {
		i = len(ioTypeDumpNames) - 1
	}
	return ioTypeDumpNames[i]
}

// String renders both address-space maps as fixed-width tables, one row per
// descriptor with inclusive address ranges. Allocated I/O rows carry a
// trailing star.
func (g *Gcd) String() string {
	var b strings.Builder

	b.WriteString("GCDMemType Range                             Capabilities     Attributes       ImageHandle      DeviceHandle\n")
	b.WriteString("========== ================================= ================ ================ ================ ================\n")

	memoryMap, err := g.GetMemorySpaceMap()
	if err == nil {
		for i := range memoryMap {
			desc := &memoryMap[i]
			fmt.Fprintf(&b, "%s  %016x-%016x %016x %016x %016x %016x\n",
				memoryTypeDumpName(desc.MemoryType),
				desc.BaseAddress,
				desc.BaseAddress+desc.Length-1,
				desc.Capabilities,
				desc.Attributes,
				uint64(desc.ImageHandle),
				uint64(desc.DeviceHandle),
			)
		}
	}

	b.WriteString("\n")
	b.WriteString("GCDIoType  Range                            \n")
	b.WriteString("========== =================================\n")

	ioMap, err := g.GetIoSpaceMap()
	if err == nil {
		for i := range ioMap {
			desc := &ioMap[i]
			owned := ""
			if desc.ImageHandle != efi.NullHandle {
				owned = "*"
			}
			fmt.Fprintf(&b, "%s  %016x-%016x%s\n",
				ioTypeDumpName(desc.IoType),
				desc.BaseAddress,
				desc.BaseAddress+desc.Length-1,
				owned,
			)
		}
	}

	return b.String()
}

// BuildStatsString renders usage statistics for both address spaces as a
// JSON document. When detailedMap is set, the full descriptor list of each
// space is included.
func (g *Gcd) BuildStatsString(detailedMap bool) string {
	var stats GcdStatistics
	g.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	memObj := rootObj.Name("MemorySpace").Object()
	memStatsObj := memObj.Name("Stats").Object()
	stats.Memory.PrintJson(memStatsObj)
	memStatsObj.End()
	if detailedMap {
		g.printMemoryDescriptors(&memObj)
	}
	memObj.End()

	ioObj := rootObj.Name("IoSpace").Object()
	ioStatsObj := ioObj.Name("Stats").Object()
	stats.Io.PrintJson(ioStatsObj)
	ioStatsObj.End()
	if detailedMap {
		g.printIoDescriptors(&ioObj)
	}
	ioObj.End()

	rootObj.End()
	return string(writer.Bytes())
}

func (g *Gcd) printMemoryDescriptors(json *jwriter.ObjectState) {
	memoryMap, err := g.GetMemorySpaceMap()
	if err != nil {
		return
	}

	arrayState := json.Name("Descriptors").Array()
	defer arrayState.End()

	for i := range memoryMap {
		desc := &memoryMap[i]

		obj := arrayState.Object()
		obj.Name("Type").String(strings.TrimSpace(memoryTypeDumpName(desc.MemoryType)))
		obj.Name("BaseAddress").String(fmt.Sprintf("%#x", desc.BaseAddress))
		obj.Name("Length").String(fmt.Sprintf("%#x", desc.Length))
		obj.Name("Capabilities").String(fmt.Sprintf("%#x", desc.Capabilities))
		obj.Name("Attributes").String(fmt.Sprintf("%#x", desc.Attributes))
		obj.Name("Allocated").Bool(desc.ImageHandle != efi.NullHandle)
		obj.End()
	}
}

func (g *Gcd) printIoDescriptors(json *jwriter.ObjectState) {
	ioMap, err := g.GetIoSpaceMap()
	if err != nil {
		return
	}

	arrayState := json.Name("Descriptors").Array()
	defer arrayState.End()

	for i := range ioMap {
		desc := &ioMap[i]

		obj := arrayState.Object()
		obj.Name("Type").String(strings.TrimSpace(ioTypeDumpName(desc.IoType)))
		obj.Name("BaseAddress").String(fmt.Sprintf("%#x", desc.BaseAddress))
		obj.Name("Length").String(fmt.Sprintf("%#x", desc.Length))
		obj.Name("Allocated").Bool(desc.ImageHandle != efi.NullHandle)
		obj.End()
	}
}
