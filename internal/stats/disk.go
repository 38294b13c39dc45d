package stats

import (
	"github.com/lufia/iostat"
)

// DiskGauge is one mountpoint/drive's cumulative read/write byte counters.
type DiskGauge struct {
	Name         string
	BytesRead    uint64
	BytesWritten uint64
}

// ReadDiskGauges wraps iostat.ReadDriveStats as the default DiskStatsFunc.
// iostat's drive enumeration is only implemented on a subset of platforms;
// an error here just means the snapshot carries no Disk entries, which
// Take already tolerates.
func ReadDiskGauges() ([]DiskGauge, error) {
	drives, err := iostat.ReadDriveStats()
	if err != nil {
		return nil, err
	}
	gauges := make([]DiskGauge, 0, len(drives))
	for _, d := range drives {
		gauges = append(gauges, DiskGauge{
			Name:         d.Name,
			BytesRead:    uint64(d.BytesRead),
			BytesWritten: uint64(d.BytesWritten),
		})
	}
	return gauges, nil
}
