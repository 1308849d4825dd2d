package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes one address space or one slice of it: how many
// descriptors partition it, how many of those are allocated, and the byte
// totals behind both counts.
type Statistics struct {
	DescriptorCount int
	AllocationCount int
	SpaceBytes      uint64
	AllocationBytes uint64
}

func (s *Statistics) Clear() {
	s.DescriptorCount = 0
	s.AllocationCount = 0
	s.SpaceBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.DescriptorCount += other.DescriptorCount
	s.AllocationCount += other.AllocationCount
	s.SpaceBytes += other.SpaceBytes
	s.AllocationBytes += other.AllocationBytes
}

// PrintJson populates a json object with this struct's statistics
func (s *Statistics) PrintJson(json jwriter.ObjectState) {
	json.Name("DescriptorCount").Int(s.DescriptorCount)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("SpaceBytes").Float64(float64(s.SpaceBytes))
	json.Name("AllocationBytes").Float64(float64(s.AllocationBytes))
}

// DetailedStatistics extends Statistics with unallocated-range counts and
// allocation size extremes. Populating it requires a full walk of the space
// map, so it is collected only on demand.
type DetailedStatistics struct {
	Statistics
	UnallocatedRangeCount   int
	AllocationSizeMin       uint64
	AllocationSizeMax       uint64
	UnallocatedRangeSizeMin uint64
	UnallocatedRangeSizeMax uint64
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnallocatedRangeCount = 0
	s.AllocationSizeMin = math.MaxUint64
	s.AllocationSizeMax = 0
	s.UnallocatedRangeSizeMin = math.MaxUint64
	s.UnallocatedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnallocatedRange(size uint64) {
	s.UnallocatedRangeCount++

	if size < s.UnallocatedRangeSizeMin {
		s.UnallocatedRangeSizeMin = size
	}

	if size > s.UnallocatedRangeSizeMax {
		s.UnallocatedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size uint64) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnallocatedRangeCount += other.UnallocatedRangeCount

	if other.UnallocatedRangeSizeMin < s.UnallocatedRangeSizeMin {
		s.UnallocatedRangeSizeMin = other.UnallocatedRangeSizeMin
	}

	if other.UnallocatedRangeSizeMax > s.UnallocatedRangeSizeMax {
		s.UnallocatedRangeSizeMax = other.UnallocatedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// PrintJson populates a json object with this struct's statistics
func (s *DetailedStatistics) PrintJson(json jwriter.ObjectState) {
	s.Statistics.PrintJson(json)

	json.Name("UnallocatedRangeCount").Int(s.UnallocatedRangeCount)
	if s.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Float64(float64(s.AllocationSizeMin))
		json.Name("AllocationSizeMax").Float64(float64(s.AllocationSizeMax))
	}
	if s.UnallocatedRangeCount > 0 {
		json.Name("UnallocatedRangeSizeMin").Float64(float64(s.UnallocatedRangeSizeMin))
		json.Name("UnallocatedRangeSizeMax").Float64(float64(s.UnallocatedRangeSizeMax))
	}
}
