package scheduler

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// AutoWorkers returns min(NumCPU, MemAvailable/memoryPerWorker), at least 1.
// When available memory cannot be determined only the CPU count is used.
func AutoWorkers(memoryPerWorker int64) int {
	n := runtime.NumCPU()
	if memoryPerWorker > 0 {
		if avail, ok := memAvailable(); ok {
			if byMem := int(avail / memoryPerWorker); byMem < n {
				n = byMem
			}
		}
	}
	return max(n, 1)
}

func memAvailable() (int64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()
	return parseMemAvailable(f)
}

// parseMemAvailable extracts MemAvailable (reported in kB) from /proc/meminfo.
func parseMemAvailable(r io.Reader) (int64, bool) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || key != "MemAvailable" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
