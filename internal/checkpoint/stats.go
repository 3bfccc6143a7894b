package checkpoint

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/banshee-data/timesplat/internal/fsutil"
)

// Stats is the per-stage summary written next to checkpoints.
type Stats struct {
	Step        int            `json:"step"`
	MemGB       float64        `json:"mem"`          // heap high-water mark in GiB
	ElapsedSecs float64        `json:"ellipse_time"` // wall time since training started
	NumSplats   map[string]int `json:"num_GS"`
	Metrics     map[string]any `json:"metrics,omitempty"`
}

// HeapHighWater reports the process's peak heap reservation in GiB.
func HeapHighWater() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapSys) / (1 << 30)
}

// StatsFileName is the conventional name for a stage's stats at a step.
func StatsFileName(stage string, step int) string {
	return fmt.Sprintf("%s_step%04d.json", stage, step)
}

// WriteStats stores s as indented JSON under dir.
func WriteStats(fsys fsutil.FileSystem, dir, stage string, s Stats) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal stats: %w", err)
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create stats directory: %w", err)
	}
	path := filepath.Join(dir, StatsFileName(stage, s.Step))
	if err := fsys.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write stats: %w", err)
	}
	return path, nil
}

// ReadStats loads a stats file.
func ReadStats(fsys fsutil.FileSystem, path string) (Stats, error) {
	var s Stats
	data, err := fsys.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read stats: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse stats: %w", err)
	}
	return s, nil
}
