package enginesim

import "fmt"

// Config holds the synthetic engine parameters, loosely modeled on RocksDB
// column-family tuning knobs.
type Config struct {
	// CFs lists the column families to simulate.
	CFs []string `json:"cfs"`

	// Write path
	MemtableSizeBytes uint64 `json:"memtableSizeBytes"` // bytes before a memtable seals

	// Compaction triggers
	L0CompactionTrigger int    `json:"l0CompactionTrigger"` // L0 files before an L0->L1 compaction
	LevelBaseBytes      uint64 `json:"levelBaseBytes"`      // L1 target size
	LevelMultiplier     int    `json:"levelMultiplier"`     // per-level size multiplier
	NumLevels           int    `json:"numLevels"`

	// Disk model
	IOThroughputBps           float64 `json:"ioThroughputBps"` // sequential throughput
	IOLatencyMs               float64 `json:"ioLatencyMs"`     // seek time per operation
	CompactionReductionFactor float64 `json:"compactionReductionFactor"`

	// EventBuffer is the capacity of the emitted flow-event channel.
	EventBuffer int `json:"eventBuffer"`
}

// DefaultConfig returns a small but realistic engine shape.
func DefaultConfig() Config {
	return Config{
		CFs:                       []string{"default"},
		MemtableSizeBytes:         64 << 20,
		L0CompactionTrigger:       4,
		LevelBaseBytes:            256 << 20,
		LevelMultiplier:           10,
		NumLevels:                 7,
		IOThroughputBps:           500 << 20,
		IOLatencyMs:               5.0,
		CompactionReductionFactor: 0.9,
		EventBuffer:               256,
	}
}

// Validate checks if configuration values are reasonable
func (c *Config) Validate() error {
	if len(c.CFs) == 0 {
		return fmt.Errorf("invalid config: at least one cf is required")
	}
	if c.MemtableSizeBytes == 0 {
		return fmt.Errorf("invalid config: memtableSizeBytes must be > 0")
	}
	if c.L0CompactionTrigger < 2 {
		return fmt.Errorf("invalid config: l0CompactionTrigger must be >= 2")
	}
	if c.LevelBaseBytes == 0 {
		return fmt.Errorf("invalid config: levelBaseBytes must be > 0")
	}
	if c.LevelMultiplier < 2 {
		return fmt.Errorf("invalid config: levelMultiplier must be >= 2")
	}
	if c.NumLevels < 2 || c.NumLevels > 10 {
		return fmt.Errorf("invalid config: numLevels must be between 2 and 10")
	}
	if c.IOThroughputBps <= 0 {
		return fmt.Errorf("invalid config: ioThroughputBps must be > 0")
	}
	if c.CompactionReductionFactor < 0.1 || c.CompactionReductionFactor > 1.0 {
		return fmt.Errorf("invalid config: compactionReductionFactor must be between 0.1 and 1.0")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("invalid config: eventBuffer must be > 0")
	}
	return nil
}
