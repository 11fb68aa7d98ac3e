package memory

// Statistics summarizes the physical map for diagnostics.
type Statistics struct {
	RangeCount       int
	TotalBytes       uint64
	FreeBytes        uint64
	AllocatedBytes   uint64
	ReclaimableBytes uint64
}

func (s *Statistics) Clear() {
	s.RangeCount = 0
	s.TotalBytes = 0
	s.FreeBytes = 0
	s.AllocatedBytes = 0
	s.ReclaimableBytes = 0
}

func (s *Statistics) AddRange(r Range) {
	s.RangeCount++
	s.TotalBytes += r.Size

	switch r.Type {
	case RangeFree:
		s.FreeBytes += r.Size
	case RangeReclaimable:
		s.ReclaimableBytes += r.Size
	default:
		s.AllocatedBytes += r.Size
	}
}

// AddStatistics accumulates the map's current state into stats.
func (m *Map) AddStatistics(stats *Statistics) {
	for _, r := range m.ranges {
		stats.AddRange(r)
	}
}
