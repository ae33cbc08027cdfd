package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config holds every tunable of the storage engine. Interval fields are
// plain millisecond integers so they round-trip through TOML. Zero values
// are not usable; start from NewDefaultConfig and override.
type Config struct {
	// Directory to store data and log files in. Should exist and be writable.
	DBPath string `toml:"db-path"`

	NodeID   uint16 `toml:"node-id"`
	LogLevel string `toml:"log-level"`

	StatusAddr  string `toml:"status-addr"`
	MetricsAddr string `toml:"metrics-addr"`

	// Number of 16 KiB frames held by the buffer pool.
	BufferPoolFrames int `toml:"buffer-pool-frames"`
	// Pages read ahead when a sequential scan is detected.
	PrefetchWindow int `toml:"prefetch-window"`

	// WAL segment size in bytes. Segments are rotated at this size and
	// recycled once the checkpoint redo LSN has passed them.
	WALSegmentSize int64 `toml:"wal-segment-size"`
	// Commits arriving within this window share one fsync (ms).
	GroupCommitWindowMs int `toml:"group-commit-window-ms"`
	// Interval between fuzzy checkpoints (ms).
	CheckpointIntervalMs int `toml:"checkpoint-interval-ms"`

	// How long a lock request waits before failing with a lock timeout (ms).
	LockWaitTimeoutMs int `toml:"lock-wait-timeout-ms"`
	// Interval between deadlock detector sweeps (ms).
	DeadlockDetectIntervalMs int `toml:"deadlock-detect-interval-ms"`
	// Row locks per table after which a transaction escalates to a table lock.
	LockEscalationThreshold int `toml:"lock-escalation-threshold"`

	// Interval between vacuum sweeps (ms) and the pacing of page visits.
	VacuumIntervalMs  int `toml:"vacuum-interval-ms"`
	VacuumPagesPerSec int `toml:"vacuum-pages-per-sec"`

	// How long a recovered 2PC participant waits between decision queries (ms).
	TwoPCResolveIntervalMs int `toml:"twopc-resolve-interval-ms"`
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

// NewDefaultConfig returns the defaults used by the server binary and by
// most tests.
func NewDefaultConfig() *Config {
	return &Config{
		DBPath:                   "./data",
		NodeID:                   1,
		LogLevel:                 logLevel(),
		StatusAddr:               "127.0.0.1:20180",
		MetricsAddr:              "127.0.0.1:20181",
		BufferPoolFrames:         1024,
		PrefetchWindow:           8,
		WALSegmentSize:           64 * int64(MB),
		GroupCommitWindowMs:      2,
		CheckpointIntervalMs:     60_000,
		LockWaitTimeoutMs:        5000,
		DeadlockDetectIntervalMs: 50,
		LockEscalationThreshold:  1000,
		VacuumIntervalMs:         10_000,
		VacuumPagesPerSec:        256,
		TwoPCResolveIntervalMs:   1000,
	}
}

func logLevel() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return "info"
}

// FromTOML overrides c with the values found in the TOML file at path.
func (c *Config) FromTOML(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return errors.Annotatef(err, "config: decode %s", path)
	}
	return nil
}

func (c *Config) GroupCommitWindow() time.Duration {
	return time.Duration(c.GroupCommitWindowMs) * time.Millisecond
}

func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalMs) * time.Millisecond
}

func (c *Config) LockWaitTimeout() time.Duration {
	return time.Duration(c.LockWaitTimeoutMs) * time.Millisecond
}

func (c *Config) DeadlockDetectInterval() time.Duration {
	return time.Duration(c.DeadlockDetectIntervalMs) * time.Millisecond
}

func (c *Config) VacuumInterval() time.Duration {
	return time.Duration(c.VacuumIntervalMs) * time.Millisecond
}

func (c *Config) TwoPCResolveInterval() time.Duration {
	return time.Duration(c.TwoPCResolveIntervalMs) * time.Millisecond
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path must not be empty")
	}
	if c.BufferPoolFrames < 8 {
		return fmt.Errorf("buffer-pool-frames must be at least 8, got %d", c.BufferPoolFrames)
	}
	if c.WALSegmentSize < int64(MB) {
		return fmt.Errorf("wal-segment-size must be at least 1MiB, got %d", c.WALSegmentSize)
	}
	if c.GroupCommitWindowMs < 0 {
		return fmt.Errorf("group-commit-window-ms must not be negative")
	}
	if c.LockWaitTimeoutMs <= 0 {
		return fmt.Errorf("lock-wait-timeout-ms must be positive")
	}
	if c.LockEscalationThreshold <= 0 {
		return fmt.Errorf("lock-escalation-threshold must be positive")
	}
	if c.PrefetchWindow < 0 {
		return fmt.Errorf("prefetch-window must not be negative")
	}
	return nil
}
