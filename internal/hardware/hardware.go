// Package hardware detects the host's accelerator and memory so loaders can
// be given a sensible device hint.
package hardware

import (
	"os/exec"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"

	"runnerd/internal/backend"
	"runnerd/pkg/types"
)

const (
	AcceleratorCPU   = "cpu"
	AcceleratorCUDA  = "cuda"
	AcceleratorMetal = "metal"
)

// Info describes the host.
type Info struct {
	Accelerator string
	// GPULayers is -1 (offload all) with an accelerator, else 0.
	GPULayers         int
	Threads           int
	TotalMemoryMB     uint64
	AvailableMemoryMB uint64
}

// probe holds the host lookups so tests can replace them.
type probe struct {
	goos     string
	numCPU   func() int
	lookPath func(string) (string, error)
	memory   func() (*mem.VirtualMemoryStat, error)
}

var host = probe{
	goos:     runtime.GOOS,
	numCPU:   runtime.NumCPU,
	lookPath: exec.LookPath,
	memory:   mem.VirtualMemory,
}

// Detect inspects the host. Memory figures are zero if they cannot be read.
func Detect() Info { return host.detect() }

func (p probe) detect() Info {
	info := Info{Accelerator: AcceleratorCPU, Threads: p.numCPU()}
	switch {
	case p.goos == "darwin":
		info.Accelerator = AcceleratorMetal
	default:
		if _, err := p.lookPath("nvidia-smi"); err == nil {
			info.Accelerator = AcceleratorCUDA
		}
	}
	if info.Accelerator != AcceleratorCPU {
		info.GPULayers = -1
	}
	total, avail := p.memoryMB()
	info.TotalMemoryMB, info.AvailableMemoryMB = total, avail
	return info
}

func (p probe) memoryMB() (total, avail uint64) {
	vm, err := p.memory()
	if err != nil || vm == nil {
		return 0, 0
	}
	return vm.Total / (1024 * 1024), vm.Available / (1024 * 1024)
}

// Memory returns total and available system memory in MB.
func Memory() (total, avail uint64) { return host.memoryMB() }

// Overrides replace detected values; nil fields keep the detected value.
type Overrides struct {
	GPULayers   *int
	Threads     int
	ContextSize int
}

// DeviceHint converts Info into a loader hint, applying overrides.
func (i Info) DeviceHint(o Overrides) backend.DeviceHint {
	h := backend.DeviceHint{
		Accelerator: i.Accelerator,
		GPULayers:   i.GPULayers,
		Threads:     i.Threads,
		ContextSize: o.ContextSize,
	}
	if o.GPULayers != nil {
		h.GPULayers = *o.GPULayers
	}
	if o.Threads > 0 {
		h.Threads = o.Threads
	}
	return h
}

// Status renders a fresh memory reading for the status endpoint.
func (i Info) Status() types.SystemStatus {
	total, avail := Memory()
	if total == 0 {
		total, avail = i.TotalMemoryMB, i.AvailableMemoryMB
	}
	return types.SystemStatus{
		Accelerator:       i.Accelerator,
		Threads:           i.Threads,
		TotalMemoryMB:     total,
		AvailableMemoryMB: avail,
	}
}
