// Package conditions provides admission checks for action runs based on host metrics.
// A run is started only when the host has enough headroom, otherwise it is postponed or rejected.
package conditions

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrRejected returned by Wait if conditions are not met and postponing is not allowed
var ErrRejected = errors.New("run conditions not met")

// Config defines host limits for starting a run, nil limit is not checked
type Config struct {
	CPUBelow      *int     // cpu usage percent
	MemoryBelow   *int     // memory usage percent
	LoadAvgBelow  *float64 // 1 minute load average
	DiskFreeAbove *int     // free space percent on DiskFreePath
	DiskFreePath  string   // defaults to /
	Custom        string   // shell command, non-zero exit means not met

	MaxPostpone   time.Duration // wait for conditions up to this long, reject immediately if zero
	CheckInterval time.Duration // re-check interval while postponed, 30s if zero
}

// Enabled reports whether any limit is set
func (c Config) Enabled() bool {
	return c.CPUBelow != nil || c.MemoryBelow != nil || c.LoadAvgBelow != nil || c.DiskFreeAbove != nil || c.Custom != ""
}

// Metrics provides host measurements
type Metrics interface {
	CPUPercent() (float64, error)
	MemPercent() (float64, error)
	Load1() (float64, error)
	DiskUsedPercent(path string) (float64, error)
}

// Checker verifies Config against host metrics
type Checker struct {
	Config  Config
	Metrics Metrics // defaults to host metrics from gopsutil
}

// NewChecker makes Checker reading host metrics
func NewChecker(cfg Config) *Checker {
	return &Checker{Config: cfg, Metrics: HostMetrics{CPUInterval: time.Second}}
}

// Check verifies if all conditions are met.
// Returns true if conditions are satisfied, false with reason otherwise
func (c *Checker) Check() (bool, string) {
	cfg := c.Config
	m := c.metrics()

	if cfg.CPUBelow != nil {
		v, err := m.CPUPercent()
		if err != nil {
			return false, fmt.Sprintf("failed to get CPU: %v", err)
		}
		if int(v) >= *cfg.CPUBelow {
			return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", int(v), *cfg.CPUBelow)
		}
	}

	if cfg.MemoryBelow != nil {
		v, err := m.MemPercent()
		if err != nil {
			return false, fmt.Sprintf("failed to get memory: %v", err)
		}
		if int(v) >= *cfg.MemoryBelow {
			return false, fmt.Sprintf("memory at %d%%, threshold %d%%", int(v), *cfg.MemoryBelow)
		}
	}

	if cfg.LoadAvgBelow != nil {
		v, err := m.Load1()
		if err != nil {
			return false, fmt.Sprintf("failed to get load average: %v", err)
		}
		if v >= *cfg.LoadAvgBelow {
			return false, fmt.Sprintf("load at %.2f, threshold %.2f", v, *cfg.LoadAvgBelow)
		}
	}

	if cfg.DiskFreeAbove != nil {
		path := cfg.DiskFreePath
		if path == "" {
			path = "/"
		}
		used, err := m.DiskUsedPercent(path)
		if err != nil {
			return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
		}
		if free := 100 - int(used); free < *cfg.DiskFreeAbove {
			return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", free, *cfg.DiskFreeAbove, path)
		}
	}

	if cfg.Custom != "" {
		if err := exec.Command("sh", "-c", cfg.Custom).Run(); err != nil { //nolint gosec
			return false, fmt.Sprintf("custom check failed: %v", err)
		}
	}

	return true, ""
}

// Wait returns nil when the run may start. If conditions are not met, it re-checks them every CheckInterval
// up to MaxPostpone and lets the run start anyway once the deadline is reached.
// Returns ErrRejected if postponing is not configured, ctx error if canceled while postponed.
func (c *Checker) Wait(ctx context.Context, desc string) error {
	if !c.Config.Enabled() {
		return nil
	}
	met, reason := c.Check()
	if met {
		return nil
	}
	if c.Config.MaxPostpone <= 0 {
		log.Printf("[INFO] run rejected: %s, reason: %s", desc, reason)
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}

	log.Printf("[INFO] run postponed: %s, reason: %s, deadline: %s", desc, reason,
		time.Now().Add(c.Config.MaxPostpone).Format(time.RFC3339))
	interval := c.Config.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.Config.MaxPostpone)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if met, reason = c.Check(); met {
				log.Printf("[INFO] conditions met, starting postponed run: %s", desc)
				return nil
			}
			log.Printf("[DEBUG] conditions not met yet: %s, reason: %s", desc, reason)
		case <-deadline.C:
			log.Printf("[WARN] max postpone reached, starting anyway: %s", desc)
			return nil
		case <-ctx.Done():
			log.Printf("[INFO] postponed run canceled: %s", desc)
			return ctx.Err()
		}
	}
}

func (c *Checker) metrics() Metrics {
	if c.Metrics == nil {
		return HostMetrics{CPUInterval: time.Second}
	}
	return c.Metrics
}

// HostMetrics reads metrics of the local host
type HostMetrics struct {
	CPUInterval time.Duration // cpu sampling window
}

// CPUPercent returns total cpu usage
func (h HostMetrics) CPUPercent() (float64, error) {
	res, err := cpu.Percent(h.CPUInterval, false)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, errors.New("no CPU data available")
	}
	return res[0], nil
}

// MemPercent returns used memory percent
func (h HostMetrics) MemPercent() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// Load1 returns 1 minute load average
func (h HostMetrics) Load1() (float64, error) {
	v, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return v.Load1, nil
}

// DiskUsedPercent returns used space percent of the filesystem holding path
func (h HostMetrics) DiskUsedPercent(path string) (float64, error) {
	v, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}
