package agent

import (
	"runtime"
	"testing"
)

func TestCollectReportsNonZeroTotals(t *testing.T) {
	stats := Collect(t.TempDir())

	if stats.CPUTotal != runtime.NumCPU() {
		t.Errorf("CPUTotal = %d, want %d", stats.CPUTotal, runtime.NumCPU())
	}
	if stats.MemTotalMiB <= 0 {
		t.Errorf("MemTotalMiB = %d, want > 0 (is /proc/meminfo readable?)", stats.MemTotalMiB)
	}
	if stats.DiskTotalMiB <= 0 {
		t.Errorf("DiskTotalMiB = %d, want > 0", stats.DiskTotalMiB)
	}
	if stats.CPUUsedPct < 0 || stats.CPUUsedPct > 100 {
		t.Errorf("CPUUsedPct = %v, want in [0, 100]", stats.CPUUsedPct)
	}
}

func TestDiskMiBUnknownPathReturnsZero(t *testing.T) {
	total, used := diskMiB("/no/such/path/should/exist")
	if total != 0 || used != 0 {
		t.Errorf("diskMiB(missing path) = (%d, %d), want (0, 0)", total, used)
	}
}
