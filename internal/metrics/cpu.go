package metrics

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// clockTicksPerSecond is the kernel's USER_HZ; 100 on essentially every
// Linux build Go targets, same assumption original_source/src/grpc/
// cpu_metrics.rs makes.
const clockTicksPerSecond = 100

// CPUTracker samples process CPU usage from /proc/[pid]/stat, reporting an
// approximate millicore figure clamped to [0, 100000] (100 cores).
//
// Ported from original_source/src/grpc/cpu_metrics.rs: the first sample
// only initializes the baseline (returns 0), and any sampling interval
// under 100ms is treated as too noisy to report: it returns 0 and keeps the
// previous baseline.
type CPUTracker struct {
	pid          int
	lastCPUTicks uint64
	lastSample   time.Time
	initialized  bool
}

// NewCPUTracker returns a tracker for the current process.
func NewCPUTracker() *CPUTracker {
	return &CPUTracker{pid: os.Getpid()}
}

// SampleMillicores reads /proc/[pid]/stat and returns the millicore rate
// since the previous call.
func (t *CPUTracker) SampleMillicores() (int, error) {
	ticks, err := readProcCPUTicks(t.pid)
	if err != nil {
		return 0, err
	}
	now := time.Now()

	if !t.initialized {
		t.initialized = true
		t.lastCPUTicks = ticks
		t.lastSample = now
		return 0, nil
	}

	elapsed := now.Sub(t.lastSample)
	if elapsed < 100*time.Millisecond {
		return 0, nil
	}

	deltaTicks := int64(ticks - t.lastCPUTicks)
	if deltaTicks < 0 {
		deltaTicks = 0
	}
	deltaCPUSeconds := float64(deltaTicks) / clockTicksPerSecond
	millicores := int((deltaCPUSeconds / elapsed.Seconds()) * 1000)

	t.lastCPUTicks = ticks
	t.lastSample = now

	if millicores < 0 {
		millicores = 0
	}
	if millicores > 100000 {
		millicores = 100000
	}
	return millicores, nil
}

// readProcCPUTicks parses utime (field 14) + stime (field 15) from
// /proc/[pid]/stat. The comm field can itself contain spaces/parens, so
// parsing starts after the last ')' rather than splitting naively.
func readProcCPUTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	line := string(data)
	idx := strings.LastIndex(line, ")")
	if idx < 0 {
		return 0, fmt.Errorf("metrics: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(line[idx+1:])
	// fields[0] is state (field 3); utime is field 14, stime field 15,
	// i.e. indices 11 and 12 relative to fields[0] at index 0 == field 3.
	if len(fields) < 13 {
		return 0, fmt.Errorf("metrics: /proc/%d/stat too short", pid)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}
