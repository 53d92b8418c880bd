package system

import (
	"fmt"
	"log"
	"runtime"
	"syscall"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// InitResourceLimits raises the open file limit. Every inbound connection and
// every upstream fetch holds a descriptor, and the default soft limit of 1024
// is easy to hit under a burst of requests.
func InitResourceLimits(want uint64) {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Printf("[!] Could not read open file limit: %v", err)
		return
	}

	if rLimit.Cur >= want {
		return
	}
	rLimit.Cur = want
	if rLimit.Cur > rLimit.Max {
		rLimit.Cur = rLimit.Max
	}

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Printf("[!] Could not raise open file limit: %v", err)
	} else {
		log.Printf("[*] Open file limit raised to %d", rLimit.Cur)
	}
}

// WorkerCount resolves the size of the per-request compositing pool.
// A positive configured value wins; otherwise the logical CPU count is used.
func WorkerCount(configured int) int {
	if configured > 0 {
		return configured
	}
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// HostSummary describes the machine for the startup banner.
func HostSummary() string {
	cores, err := cpu.Counts(true)
	if err != nil {
		cores = runtime.NumCPU()
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Sprintf("%d logical CPUs", cores)
	}
	return fmt.Sprintf("%d logical CPUs | %d MiB total, %d MiB available",
		cores, vm.Total>>20, vm.Available>>20)
}
