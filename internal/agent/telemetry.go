// GRIDRUN Agent Telemetry
// Host readings reported with registration and every heartbeat.

package agent

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// telemetry is one point-in-time host reading.
type telemetry struct {
	CpuUsage   float64
	RamTotalMb int
	RamFreeMb  int
}

// sampler derives CPU usage from busy/idle tick deltas between calls. The
// first reading reports zero; later ones cover the window since the
// previous heartbeat.
type sampler struct {
	prevBusy  float64
	prevTotal float64
	primed    bool
}

func (s *sampler) sample() telemetry {
	t := telemetry{CpuUsage: s.cpuUsage()}
	if vm, err := mem.VirtualMemory(); err == nil {
		t.RamTotalMb = int(vm.Total >> 20)
		t.RamFreeMb = int(vm.Available >> 20)
	}
	return t
}

func (s *sampler) cpuUsage() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	busy, total := busyTotal(times[0])
	defer func() {
		s.prevBusy, s.prevTotal, s.primed = busy, total, true
	}()

	if !s.primed || total <= s.prevTotal {
		return 0
	}
	usage := 100 * (busy - s.prevBusy) / (total - s.prevTotal)
	if usage < 0 {
		return 0
	}
	if usage > 100 {
		return 100
	}
	return usage
}

func busyTotal(t cpu.TimesStat) (busy, total float64) {
	busy = t.User + t.System + t.Nice + t.Irq + t.Softirq + t.Steal
	total = busy + t.Idle + t.Iowait
	return busy, total
}

// cpuCount prefers the logical count from the host probe and falls back to
// the runtime's view.
func cpuCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
