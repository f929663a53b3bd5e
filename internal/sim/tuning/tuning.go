package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickDurationMs     int `yaml:"tick_duration_ms"`
	FrameMs            int `yaml:"frame_ms"`
	PingIntervals      int `yaml:"ping_intervals"`
	CatchupMaxTicks    int `yaml:"catchup_max_ticks"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	BotThinkTicks         int `yaml:"bot_think_ticks"`
	PathRequestsPerUpdate int `yaml:"path_requests_per_update"`
	PathMaxNodes          int `yaml:"path_max_nodes"`
	TasksPerUpdate        int `yaml:"tasks_per_update"`
	WorkerParallelism     int `yaml:"worker_parallelism"`

	RateLimits RateLimits `yaml:"rate_limits"`
}

type RateLimits struct {
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	CommandBurst      int     `yaml:"command_burst"`
}

// Defaults fills every knob a tuning file may leave out.
func Defaults() Tuning {
	return Tuning{
		TickDurationMs:        100,
		FrameMs:               16,
		PingIntervals:         3,
		CatchupMaxTicks:       5,
		SnapshotEveryTicks:    600,
		BotThinkTicks:         5,
		PathRequestsPerUpdate: 8,
		PathMaxNodes:          4096,
		TasksPerUpdate:        32,
		WorkerParallelism:     2,
		RateLimits: RateLimits{
			CommandsPerSecond: 20,
			CommandBurst:      40,
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.TickDurationMs <= 0:
		return fmt.Errorf("tick_duration_ms must be > 0")
	case t.FrameMs <= 0:
		return fmt.Errorf("frame_ms must be > 0")
	case t.PingIntervals <= 0:
		return fmt.Errorf("ping_intervals must be > 0")
	case t.CatchupMaxTicks <= 0:
		return fmt.Errorf("catchup_max_ticks must be > 0")
	case t.SnapshotEveryTicks < 0:
		return fmt.Errorf("snapshot_every_ticks must be >= 0")
	case t.WorkerParallelism <= 0:
		return fmt.Errorf("worker_parallelism must be > 0")
	case t.RateLimits.CommandsPerSecond <= 0 || t.RateLimits.CommandBurst <= 0:
		return fmt.Errorf("rate_limits must be > 0")
	}
	return nil
}

func (t Tuning) TickDuration() time.Duration {
	return time.Duration(t.TickDurationMs) * time.Millisecond
}

func (t Tuning) FrameDuration() time.Duration {
	return time.Duration(t.FrameMs) * time.Millisecond
}
