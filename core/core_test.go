package core_test

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devblok/mipstream/core"
	"github.com/gobuffalo/envy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigurationValid(t *testing.T) {
	assert.NoError(t, core.DefaultConfiguration().Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*core.Configuration){
		"pool size":  func(c *core.Configuration) { c.Streaming.PoolSize = 0 },
		"tasks":      func(c *core.Configuration) { c.Streaming.MaxStreamTasks = 0 },
		"watermarks": func(c *core.Configuration) { c.Streaming.LowWatermark = 0.99 },
		"strategy":   func(c *core.Configuration) { c.Streaming.UploadStrategy = "magic" },
		"workers":    func(c *core.Configuration) { c.Streaming.IOWorkers = 0 },
	}
	for name, mutate := range cases {
		cfg := core.DefaultConfiguration()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestLoadConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "koru.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
time:
  framesPerSecond: 30
  statsInterval: 2s
streaming:
  poolSize: 1048576
  maxStreamTasks: 8
  uploadStrategy: deferred
`), 0644))

	cfg, err := core.LoadConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Time.FramesPerSecond)
	assert.Equal(t, 2*time.Second, cfg.Time.StatsInterval)
	assert.EqualValues(t, 1<<20, cfg.Streaming.PoolSize)
	assert.Equal(t, 8, cfg.Streaming.MaxStreamTasks)
	assert.Equal(t, "deferred", cfg.Streaming.UploadStrategy)
	assert.Equal(t, 4, cfg.Streaming.CommitCooldownFrames, "defaults stay in place")

	_, err = core.LoadConfiguration(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvironment(t *testing.T) {
	envy.Temp(func() {
		envy.Set(core.EnvPoolSize, "64MiB")
		envy.Set(core.EnvStreaming, "false")
		envy.Set(core.EnvMaxStreamTasks, "16")
		envy.Set(core.EnvLogLevel, "debug")

		cfg := core.DefaultConfiguration()
		require.NoError(t, core.ApplyEnvironment(&cfg))
		assert.EqualValues(t, 64<<20, cfg.Streaming.PoolSize)
		assert.False(t, cfg.Streaming.Enabled)
		assert.Equal(t, 16, cfg.Streaming.MaxStreamTasks)
		assert.Equal(t, "debug", cfg.Log.Level)

		envy.Set(core.EnvPoolSize, "lots")
		assert.Error(t, core.ApplyEnvironment(&cfg))
	})
}

func TestNewLogger(t *testing.T) {
	logger, err := core.NewLogger(core.LogConfiguration{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.Level)

	_, err = core.NewLogger(core.LogConfiguration{Level: "loud"})
	assert.Error(t, err)
	_, err = core.NewLogger(core.LogConfiguration{Format: "xml"})
	assert.Error(t, err)
}

func TestGenerateMips(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 4))
	for x := 0; x < 16; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}

	assert.Equal(t, 5, core.MipCount(16, 4))
	mips := core.GenerateMips(img, 0)
	require.Len(t, mips, 5)
	assert.Equal(t, image.Rect(0, 0, 2, 1), mips[3].Bounds())
	assert.Equal(t, image.Rect(0, 0, 1, 1), mips[4].Bounds())
	assert.Equal(t, color.RGBA{R: 200, G: 100, B: 50, A: 255}, mips[4].RGBAAt(0, 0))

	assert.Len(t, core.GenerateMips(img, 2), 2)
	assert.Len(t, core.GetPixels(img), 16*4*4)
}

func TestTime(t *testing.T) {
	tm := core.NewTime(core.TimeConfiguration{FramesPerSecond: 100})
	defer tm.Stop()

	assert.Equal(t, 100, tm.Fps())
	assert.Nil(t, tm.StatsTick())
	<-tm.FpsTicker().C
	assert.EqualValues(t, 1, tm.Frame())
	assert.EqualValues(t, 2, tm.Frame())
}
