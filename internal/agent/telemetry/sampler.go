// Package telemetry samples host utilisation and drives the heartbeat loop
// that reports it to the control plane.
package telemetry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Sample is one utilisation reading, both values in [0, 1].
type Sample struct {
	CPUUtil float64
	RAMUtil float64
}

// Sampler reads utilisation from /proc. CPU utilisation is a delta against
// the previous call, so the first Sample of a process reports zero CPU.
// Safe for concurrent use: the heartbeat ticker and the post-mutation push
// share one instance.
type Sampler struct {
	mu        sync.Mutex
	prevTotal uint64
	prevIdle  uint64
}

// Sample reads /proc/stat and /proc/meminfo.
func (s *Sampler) Sample() (Sample, error) {
	stat, err := os.ReadFile("/proc/stat")
	if err != nil {
		return Sample{}, fmt.Errorf("read /proc/stat: %w", err)
	}
	meminfo, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return Sample{}, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	return s.sampleFrom(stat, meminfo)
}

// sampleFrom is the parse core, separated so tests can feed captured files.
func (s *Sampler) sampleFrom(stat, meminfo []byte) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total, idle, err := parseCPU(stat)
	if err != nil {
		return Sample{}, err
	}
	ram, err := parseRAM(meminfo)
	if err != nil {
		return Sample{}, err
	}

	var cpu float64
	if s.prevTotal > 0 && total > s.prevTotal {
		dTotal := total - s.prevTotal
		dIdle := idle - s.prevIdle
		cpu = 1 - float64(dIdle)/float64(dTotal)
		if cpu < 0 {
			cpu = 0
		}
	}
	s.prevTotal, s.prevIdle = total, idle

	return Sample{CPUUtil: cpu, RAMUtil: ram}, nil
}

// parseCPU extracts aggregate jiffy counters from the "cpu " line. idle
// includes iowait.
func parseCPU(stat []byte) (total, idle uint64, err error) {
	for _, line := range strings.Split(string(stat), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if len(fields) < 5 {
			return 0, 0, fmt.Errorf("short cpu line: %q", line)
		}
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("cpu field %q: %w", f, err)
			}
			total += v
			if i == 3 || i == 4 { // idle, iowait
				idle += v
			}
		}
		return total, idle, nil
	}
	return 0, 0, fmt.Errorf("no cpu line in /proc/stat")
}

// parseRAM computes utilisation as 1 - MemAvailable/MemTotal.
func parseRAM(meminfo []byte) (float64, error) {
	var memTotal, memAvailable uint64
	for _, line := range strings.Split(string(meminfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			memTotal = v
		case "MemAvailable:":
			memAvailable = v
		}
	}
	if memTotal == 0 {
		return 0, fmt.Errorf("no MemTotal in /proc/meminfo")
	}
	return 1 - float64(memAvailable)/float64(memTotal), nil
}
