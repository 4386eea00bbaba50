package agent

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// Stats is a snapshot of the Host's total and currently-used resources,
// read directly from /proc and the runtime dir's filesystem, the same way
// as the teacher's own host-facing tooling (no library owns this on its
// own; see DESIGN.md).
type Stats struct {
	CPUTotal     int
	MemTotalMiB  int
	MemUsedMiB   int
	DiskTotalMiB int
	DiskUsedMiB  int
	CPUUsedPct   float64
}

// Collect reads current host resource usage. runtimeDir is statted for
// disk capacity since that's the filesystem VM images and snapshots
// actually land on.
func Collect(runtimeDir string) Stats {
	total, used := memoryMiB()
	diskTotal, diskUsed := diskMiB(runtimeDir)
	return Stats{
		CPUTotal:     runtime.NumCPU(),
		MemTotalMiB:  total,
		MemUsedMiB:   used,
		DiskTotalMiB: diskTotal,
		DiskUsedMiB:  diskUsed,
		CPUUsedPct:   loadPercent(),
	}
}

// memoryMiB parses /proc/meminfo for total and used memory in MiB.
func memoryMiB() (total, used int) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	var totalKB, availKB int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.Atoi(fields[1])
		case "MemAvailable:":
			availKB, _ = strconv.Atoi(fields[1])
		}
	}
	total = totalKB / 1024
	used = (totalKB - availKB) / 1024
	return total, used
}

// loadPercent approximates CPU utilization from /proc/loadavg's 1-minute
// average relative to the core count; a coarse figure, adequate for the
// scheduler's fit check, not for alerting.
func loadPercent() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	cores := float64(runtime.NumCPU())
	if cores == 0 {
		return 0
	}
	pct := (load1 / cores) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// diskMiB statfs's path's filesystem for total and used space in MiB.
func diskMiB(path string) (total, used int) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0
	}
	blockSize := uint64(stat.Bsize)
	totalBytes := stat.Blocks * blockSize
	freeBytes := stat.Bavail * blockSize
	const mib = 1024 * 1024
	total = int(totalBytes / mib)
	used = int((totalBytes - freeBytes) / mib)
	return total, used
}
