//go:build linux

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	sysemu "github.com/ehrlich-b/go-sysemu"
	"github.com/ehrlich-b/go-sysemu/internal/logging"
)

// Config is the demo configuration. Flags override values loaded from file.
type Config struct {
	Heap     HeapConfig     `toml:"heap"`
	Threads  ThreadConfig   `toml:"threads"`
	Workload WorkloadConfig `toml:"workload"`
	Host     HostConfig     `toml:"host"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Verbose  bool           `toml:"verbose"`
	LogLevel string         `toml:"log_level"` // debug, info, warn, error
}

// HeapConfig sizes the emulated heap
type HeapConfig struct {
	Limit string `toml:"limit"` // e.g. "256M"
}

// ThreadConfig sizes the thread runtime
type ThreadConfig struct {
	Count int `toml:"count"`
	Max   int `toml:"max"`
}

// WorkloadConfig drives the demo workers
type WorkloadConfig struct {
	Duration    duration `toml:"duration"`
	MapSize     string   `toml:"map_size"`
	Concurrency int      `toml:"concurrency"`
}

// HostConfig selects the file mapping host
type HostConfig struct {
	// File is a host path mapped by the workload. Empty uses an in-memory file.
	File  string `toml:"file"`
	URing bool   `toml:"uring"`
	// WritebackMBps throttles writeback, 0 for unlimited
	WritebackMBps float64 `toml:"writeback_mbps"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Listen string `toml:"listen"` // e.g. ":9100", empty disables
}

// duration decodes TOML strings like "10s"
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// defaultConfig returns the demo defaults
func defaultConfig() Config {
	return Config{
		Heap:    HeapConfig{Limit: "256M"},
		Threads: ThreadConfig{Count: 4, Max: sysemu.DefaultMaxThreads},
		Workload: WorkloadConfig{
			Duration:    duration{5 * time.Second},
			MapSize:     "64K",
			Concurrency: 4,
		},
	}
}

// loadConfig reads path over the defaults
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if _, err := parseSize(c.Heap.Limit); err != nil {
		return fmt.Errorf("heap.limit: %w", err)
	}
	if size, err := parseSize(c.Workload.MapSize); err != nil || size <= 0 {
		return fmt.Errorf("workload.map_size: invalid size %q", c.Workload.MapSize)
	}
	if c.Threads.Count <= 0 {
		return fmt.Errorf("threads.count must be positive")
	}
	if c.Threads.Max > 0 && c.Threads.Count > c.Threads.Max {
		return fmt.Errorf("threads.count %d exceeds threads.max %d", c.Threads.Count, c.Threads.Max)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Workload.Concurrency <= 0 {
		return fmt.Errorf("workload.concurrency must be positive")
	}
	return nil
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	numStr := s

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
