package memory

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// RangesJsonData writes the memory map into an open json object.
func (m *Map) RangesJsonData(json jwriter.ObjectState) {
	defer json.End()

	var stats Statistics
	stats.Clear()
	m.AddStatistics(&stats)

	json.Name("TotalBytes").Int(int(stats.TotalBytes))
	json.Name("FreeBytes").Int(int(stats.FreeBytes))
	json.Name("AllocatedBytes").Int(int(stats.AllocatedBytes))

	arr := json.Name("Ranges").Array()
	for _, r := range m.ranges {
		obj := arr.Object()
		obj.Name("Start").String(fmt.Sprintf("0x%x", r.Start))
		obj.Name("End").String(fmt.Sprintf("0x%x", r.Start+r.Size-1))
		obj.Name("Size").Int(int(r.Size))
		obj.Name("Type").String(r.Type.String())
		obj.End()
	}
	arr.End()
}

// String renders the map as one line per range, for human consumption.
func (m *Map) String() string {
	var sb strings.Builder
	for _, r := range m.ranges {
		fmt.Fprintf(&sb, "0x%016x-0x%016x  %-11s %s\n",
			r.Start, r.Start+r.Size, r.Type, humanize.IBytes(r.Size))
	}
	return sb.String()
}
