package batch

import (
	"bufio"
	"math"
	"os"
	"strconv"
	"strings"
)

// OptimalConfig parameterizes OptimalBatchSize.
type OptimalConfig struct {
	EntityCount int
	// AvailableMemoryMB caps working-set memory. Zero probes the system and
	// uses 80% of available memory.
	AvailableMemoryMB float64
	// EntitySizeMB is the estimated in-memory footprint of one entity.
	EntitySizeMB float64
	Parallelism  int
	// APIRateLimitRPM is the target API's requests-per-minute budget. Zero
	// means unconstrained.
	APIRateLimitRPM float64
	MinSize         int
	MaxSize         int
}

// OptimalBatchSize derives a batch size from memory, rate-limit and input
// size constraints: the tightest constraint wins, clamped to [MinSize,
// MaxSize].
func OptimalBatchSize(cfg OptimalConfig) int {
	if cfg.MinSize < 1 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = 1000
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}

	memMB := cfg.AvailableMemoryMB
	if memMB <= 0 {
		memMB = availableMemoryMB() * 0.8
	}

	best := math.Inf(1)
	if cfg.EntitySizeMB > 0 {
		best = memMB / cfg.EntitySizeMB / float64(cfg.Parallelism)
	}
	if cfg.APIRateLimitRPM > 0 {
		rate := cfg.APIRateLimitRPM / float64(cfg.Parallelism) * 0.9
		if rate < best {
			best = rate
		}
	}
	if float64(cfg.EntityCount) < best {
		best = float64(cfg.EntityCount)
	}

	size := int(best)
	if size < cfg.MinSize {
		size = cfg.MinSize
	}
	if size > cfg.MaxSize {
		size = cfg.MaxSize
	}
	return size
}

// defaultMemoryMB is assumed when the system cannot be probed.
const defaultMemoryMB = 1024

// availableMemoryMB reads MemAvailable from /proc/meminfo. On platforms or
// environments without it, a conservative default is returned.
func availableMemoryMB() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return defaultMemoryMB
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		return kb / 1024
	}
	return defaultMemoryMB
}
