// Package sysload samples instantaneous CPU utilisation from procfs, the
// one input the auto-skip controller needs. A plain os.ReadFile over
// /proc/stat is all this requires — there is no third-party metrics
// library in the retrieved pack that does less than a full exporter
// (Prometheus client, etc.) would be overkill for a single scalar sampled
// a couple of times a second, so this stays stdlib (see DESIGN.md).
package sysload

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Reader samples cumulative CPU jiffies from /proc/stat and converts
// consecutive samples into an instantaneous utilisation percentage.
type Reader struct {
	path string
	prev cpuTimes
	have bool
}

type cpuTimes struct {
	idle  uint64
	total uint64
}

// NewReader constructs a Reader over /proc/stat. Tests can point path at a
// fake file with the same format.
func NewReader(path string) *Reader {
	if path == "" {
		path = "/proc/stat"
	}
	return &Reader{path: path}
}

// SamplePercent returns instantaneous CPU utilisation since the previous
// call, as a percentage in [0, 100]. The first call always returns 0 since
// there is no prior sample to diff against.
func (r *Reader) SamplePercent() (float64, error) {
	cur, err := readCPUTimes(r.path)
	if err != nil {
		return 0, err
	}
	if !r.have {
		r.prev = cur
		r.have = true
		return 0, nil
	}

	deltaTotal := cur.total - r.prev.total
	deltaIdle := cur.idle - r.prev.idle
	r.prev = cur

	if deltaTotal == 0 {
		return 0, nil
	}
	busy := float64(deltaTotal-deltaIdle) / float64(deltaTotal)
	return busy * 100, nil
}

func readCPUTimes(path string) (cpuTimes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cpuTimes{}, fmt.Errorf("sysload: read %s: %w", path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var total uint64
		var idle uint64
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				continue
			}
			total += v
			// fields[1:]: user nice system idle iowait irq softirq steal ...
			if i == 3 {
				idle = v
			}
		}
		return cpuTimes{idle: idle, total: total}, nil
	}
	return cpuTimes{}, fmt.Errorf("sysload: no aggregate cpu line in %s", path)
}
