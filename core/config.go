package core

import (
	"time"

	"github.com/pkg/errors"
)

// Configuration defines a global engine configuration setting
type Configuration struct {
	Time      TimeConfiguration      `yaml:"time"`
	Log       LogConfiguration       `yaml:"log"`
	Streaming StreamingConfiguration `yaml:"streaming"`
}

// TimeConfiguration is used to configure time services
type TimeConfiguration struct {
	// FramesPerSecond caps frames per second that is put out
	// To unlimit, set to 0
	FramesPerSecond int `yaml:"framesPerSecond"`

	// StatsInterval is how often the frame loop reports
	// streaming statistics, zero disables the reports.
	StatsInterval time.Duration `yaml:"statsInterval"`
}

// LogConfiguration configures the engine logger
type LogConfiguration struct {
	// Level is a logrus level name
	Level string `yaml:"level"`
	// Format is either "text" or "json"
	Format string `yaml:"format"`
}

// StreamingConfiguration is used to configure texture streaming
type StreamingConfiguration struct {
	// Enabled turns streaming on, when off every texture
	// is loaded in full.
	Enabled bool `yaml:"enabled"`

	// PoolSize is the streaming budget in bytes. Persistent
	// mip tails are not counted against it.
	PoolSize int64 `yaml:"poolSize"`

	// MaxStreamTasks is the capacity of each of the stream in
	// and stream out task tables.
	MaxStreamTasks int `yaml:"maxStreamTasks"`

	// MaxRequestsPerFrame caps how many requests the scheduler
	// issues in one frame.
	MaxRequestsPerFrame int `yaml:"maxRequestsPerFrame"`

	// MaxInFlightBytes caps the bytes submitted to io and not yet
	// completed, zero meaning no cap.
	MaxInFlightBytes int64 `yaml:"maxInFlightBytes"`

	// MaxAllocBytesPerFrame caps device allocations made by
	// non-synchronous pool acquisitions in one frame.
	MaxAllocBytesPerFrame int64 `yaml:"maxAllocBytesPerFrame"`

	// CommitCooldownFrames is the number of frames a completed
	// stream in waits before it is bound.
	CommitCooldownFrames int `yaml:"commitCooldownFrames"`

	// DontKeepSystem drops host copies of mips once they are uploaded.
	DontKeepSystem bool `yaml:"dontKeepSystem"`

	// MinStreamableSize is the largest dimension a texture must
	// exceed to be streamed.
	MinStreamableSize int `yaml:"minStreamableSize"`

	// PersistentMipMaxSize decides the persistent tail of textures
	// whose container does not store one.
	PersistentMipMaxSize int `yaml:"persistentMipMaxSize"`

	// MipClamp is the finest mip normal priority textures may stream.
	MipClamp int `yaml:"mipClamp"`

	// StreamOutMargin is how many mips coarser than resident a texture
	// must want before it is streamed out without memory pressure.
	StreamOutMargin int `yaml:"streamOutMargin"`

	// IdleFramesBeforeEvict is how long a texture can go unseen
	// before it is dropped to its persistent tail.
	IdleFramesBeforeEvict int `yaml:"idleFramesBeforeEvict"`

	// HighWatermark and LowWatermark are fractions of PoolSize.
	// Above the high one the pool is under pressure, the out of
	// memory flag clears below the low one.
	HighWatermark float64 `yaml:"highWatermark"`
	LowWatermark  float64 `yaml:"lowWatermark"`

	// UploadStrategy is "auto", "async", "expand" or "deferred".
	UploadStrategy string `yaml:"uploadStrategy"`

	// IOWorkers, IOQueueSize and OpenFiles configure the reader.
	IOWorkers   int `yaml:"ioWorkers"`
	IOQueueSize int `yaml:"ioQueueSize"`
	OpenFiles   int `yaml:"openFiles"`
}

// DefaultConfiguration returns the configuration the engine
// runs with when nothing is configured.
func DefaultConfiguration() Configuration {
	return Configuration{
		Time: TimeConfiguration{
			FramesPerSecond: 60,
			StatsInterval:   5 * time.Second,
		},
		Log: LogConfiguration{
			Level:  "info",
			Format: "text",
		},
		Streaming: StreamingConfiguration{
			Enabled:               true,
			PoolSize:              256 << 20,
			MaxStreamTasks:        512,
			MaxRequestsPerFrame:   64,
			MaxInFlightBytes:      64 << 20,
			MaxAllocBytesPerFrame: 16 << 20,
			CommitCooldownFrames:  4,
			DontKeepSystem:        true,
			MinStreamableSize:     64,
			PersistentMipMaxSize:  16,
			StreamOutMargin:       2,
			IdleFramesBeforeEvict: 300,
			HighWatermark:         0.95,
			LowWatermark:          0.8,
			UploadStrategy:        "auto",
			IOWorkers:             4,
			IOQueueSize:           4096,
			OpenFiles:             64,
		},
	}
}

// Validate rejects configurations the engine can't run with.
func (c Configuration) Validate() error {
	s := c.Streaming
	switch {
	case c.Time.FramesPerSecond < 0:
		return errors.New("time.framesPerSecond must not be negative")
	case s.PoolSize <= 0:
		return errors.New("streaming.poolSize must be positive")
	case s.MaxStreamTasks <= 0:
		return errors.New("streaming.maxStreamTasks must be positive")
	case s.MaxRequestsPerFrame <= 0:
		return errors.New("streaming.maxRequestsPerFrame must be positive")
	case s.CommitCooldownFrames < 0:
		return errors.New("streaming.commitCooldownFrames must not be negative")
	case s.MipClamp < 0:
		return errors.New("streaming.mipClamp must not be negative")
	case s.LowWatermark <= 0 || s.LowWatermark > s.HighWatermark || s.HighWatermark > 1:
		return errors.Errorf("streaming watermarks %v/%v out of order", s.LowWatermark, s.HighWatermark)
	case s.IOWorkers <= 0:
		return errors.New("streaming.ioWorkers must be positive")
	}
	switch s.UploadStrategy {
	case "auto", "async", "expand", "deferred":
	default:
		return errors.Errorf("unknown upload strategy %q", s.UploadStrategy)
	}
	return nil
}
