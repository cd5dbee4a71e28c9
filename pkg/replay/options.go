package replay

import (
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/config"
)

// DispatcherConfig holds the pacing and flow-control settings of one run
type DispatcherConfig struct {
	RunID               string
	SpeedupFactor       float64
	SeekTo              time.Time // zero means no seek
	StatisticsFrequency time.Duration
	BufferCapacity      int
	MaxOutstanding      int // 0 = unbounded
	WatermarkInterval   time.Duration
	NoWatermark         bool
	NoSink              bool
	LagWarningThreshold time.Duration
	DrainTimeout        time.Duration
}

// DefaultDispatcherConfig returns default configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SpeedupFactor:       3600,
		StatisticsFrequency: 20 * time.Second,
		BufferCapacity:      100000,
		MaxOutstanding:      10000,
		WatermarkInterval:   5 * time.Second,
		LagWarningThreshold: 30 * time.Second,
		DrainTimeout:        30 * time.Second,
	}
}

// DispatcherConfigFrom maps the replay section of the configuration file
func DispatcherConfigFrom(cfg *config.ReplayConfig, runID string) (DispatcherConfig, error) {
	seek, err := cfg.SeekInstant()
	if err != nil {
		return DispatcherConfig{}, fmt.Errorf("invalid seek_to: %w", err)
	}

	return DispatcherConfig{
		RunID:               runID,
		SpeedupFactor:       cfg.SpeedupFactor,
		SeekTo:              seek,
		StatisticsFrequency: cfg.StatisticsFrequency,
		BufferCapacity:      cfg.BufferCapacity,
		MaxOutstanding:      cfg.MaxOutstanding,
		WatermarkInterval:   cfg.WatermarkInterval,
		NoWatermark:         cfg.NoWatermark,
		NoSink:              cfg.NoSink,
		LagWarningThreshold: cfg.LagWarningThreshold,
		DrainTimeout:        cfg.DrainTimeout,
	}, nil
}

func (c *DispatcherConfig) applyDefaults() {
	d := DefaultDispatcherConfig()
	if c.SpeedupFactor <= 0 {
		c.SpeedupFactor = d.SpeedupFactor
	}
	if c.StatisticsFrequency <= 0 {
		c.StatisticsFrequency = d.StatisticsFrequency
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = d.BufferCapacity
	}
	if c.MaxOutstanding < 0 {
		c.MaxOutstanding = 0
	}
	if c.WatermarkInterval <= 0 {
		c.WatermarkInterval = d.WatermarkInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
}
