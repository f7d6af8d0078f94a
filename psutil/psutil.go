// Package psutil samples the resource consumption of the child processes
// the engine spawned.
package psutil

import (
	"github.com/shirou/gopsutil/v3/process"
)

// Usage is the consumption of one or more processes.
type Usage struct {
	CPU    float64 // percent
	Memory uint64  // bytes
}

// Util provides access to the resource usage of processes.
type Util interface {
	// Process returns the usage of a single process.
	Process(pid int32) (Usage, error)

	// Aggregate sums the usage of the given processes. Processes that
	// are gone by the time they are sampled are skipped.
	Aggregate(pids []int32) Usage
}

type util struct{}

// New returns an implementation of the Util interface.
func New() Util {
	return &util{}
}

func (u *util) Process(pid int32) (Usage, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, err
	}

	usage := Usage{}

	if cpu, err := p.CPUPercent(); err == nil {
		usage.CPU = cpu
	}

	if info, err := p.MemoryInfo(); err == nil {
		usage.Memory = info.RSS
	}

	return usage, nil
}

func (u *util) Aggregate(pids []int32) Usage {
	total := Usage{}

	for _, pid := range pids {
		if pid <= 0 {
			continue
		}

		usage, err := u.Process(pid)
		if err != nil {
			continue
		}

		total.CPU += usage.CPU
		total.Memory += usage.Memory
	}

	return total
}
