package sched

import "github.com/RuhanDev/dash/config"

// numaNodeCount derives how many NUMA-local queue groups to run with.
// The config surface (spec §6 thread_numa_placement) only says whether
// placement is honored, not a topology; absent an actual topology
// query (out of scope per spec §1's "out of scope: ... portable CPU
// topology discovery"), a node holds at most 4 workers when placement
// is enabled, and everyone shares node 0 when it is disabled.
func numaNodeCount(cfg *config.Config, workerCount int) int {
	if !cfg.Threading.NUMAPlacement || workerCount <= 1 {
		return 1
	}
	const workersPerNode = 4
	n := (workerCount + workersPerNode - 1) / workersPerNode
	if n < 1 {
		n = 1
	}
	return n
}
