// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"context"
	"flag"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/devblok/mipstream/core"
	"github.com/devblok/mipstream/device"
	"github.com/devblok/mipstream/streaming"
)

var (
	configPath   = flag.String("config", "", "Configuration file, defaults are used when empty")
	textureDir   = flag.String("textures", ".", "Directory holding the .kar textures to stream")
	metricsAddr  = flag.String("metrics", "", "Address to serve prometheus metrics on, disabled when empty")
	frames       = flag.Uint64("frames", 0, "Frames to run, 0 runs until interrupted")
	screenHeight = flag.Int("height", 1080, "Simulated screen height in pixels")
	fovY         = flag.Float64("fov", 60, "Simulated vertical field of view in degrees")
	deviceMemory = flag.String("device-memory", "0", "Simulated device memory, 0 is unlimited")
)

// placement is where a texture sits in the simulated scene.
type placement struct {
	tex  *streaming.Texture
	pos  mgl32.Vec3
	size float32
}

func main() {
	flag.Parse()

	cfg, err := core.LoadConfiguration(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("configuration")
	}
	log, err := core.NewLogger(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("logger")
	}

	capacity, err := humanize.ParseBytes(*deviceMemory)
	if err != nil {
		log.WithError(err).Fatal("device memory")
	}
	dev := device.NewMemory(int64(capacity), device.Capabilities{
		ConcurrentUpload: true,
		ConcurrentCopy:   true,
	}, device.FormatRGBA8, device.FormatBGRA8, device.FormatBC1, device.FormatBC3, device.FormatBC7)

	streamer, err := streaming.New(cfg.Streaming, streaming.Options{Device: dev, Log: log})
	if err != nil {
		log.WithError(err).Fatal("streamer")
	}

	if *metricsAddr != "" {
		prometheus.MustRegister(streaming.NewStatsCollector(streamer.Stats()))
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	scene, err := loadScene(streamer, *textureDir)
	if err != nil {
		log.WithError(err).Fatal("scene")
	}
	log.WithField("textures", len(scene)).Info("scene loaded")

	run(streamer, scene, cfg.Time, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range scene {
		p.tex.Release()
	}
	if err := streamer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

// loadScene loads every container in dir and lines them up along the
// negative z axis.
func loadScene(streamer *streaming.Streamer, dir string) ([]placement, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.kar"))
	if err != nil {
		return nil, err
	}
	scene := make([]placement, 0, len(paths))
	for i, path := range paths {
		tex, err := streamer.LoadTexture(path)
		if err != nil {
			return nil, err
		}
		scene = append(scene, placement{
			tex:  tex,
			pos:  mgl32.Vec3{float32(i%4)*4 - 6, 0, -float32(i/4)*8 - 4},
			size: 4,
		})
	}
	return scene, nil
}

func run(streamer *streaming.Streamer, scene []placement, cfg core.TimeConfiguration, log *logrus.Logger) {
	clock := core.NewTime(cfg)
	defer clock.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	fov := mgl32.DegToRad(float32(*fovY))
	updates := make([]streaming.Update, len(scene))
	for {
		select {
		case <-interrupt:
			log.Info("interrupted")
			return
		case <-clock.StatsTick():
			logStats(streamer, log)
		case <-clock.FpsTicker().C:
			frame := clock.Frame()
			if *frames > 0 && frame > *frames {
				return
			}

			eye := cameraAt(clock.Elapsed())
			for i, p := range scene {
				updates[i] = streaming.Update{
					Texture:      p.tex,
					MipFactor:    streaming.MipFactor(eye, p.pos, p.size, fov, *screenHeight),
					HighPriority: p.pos.Sub(eye).Len() < 2*p.size,
					Visible:      visible(eye, p.pos, fov),
				}
			}
			streamer.Update(updates)
			streamer.Pump().Frame()
		}
	}
}

// cameraAt flies the camera back and forth through the scene, looking
// down the negative z axis.
func cameraAt(elapsed time.Duration) mgl32.Vec3 {
	t := elapsed.Seconds() / 20
	return mgl32.Vec3{0, 2, float32(-40 * math.Abs(math.Sin(t*math.Pi)))}
}

func visible(eye, pos mgl32.Vec3, fovY float32) bool {
	dir := pos.Sub(eye)
	if dir.Len() == 0 {
		return true
	}
	forward := mgl32.Vec3{0, 0, -1}
	return dir.Normalize().Dot(forward) >= float32(math.Cos(float64(fovY/2)))
}

func logStats(streamer *streaming.Streamer, log *logrus.Logger) {
	snap := streamer.Stats().Snapshot()
	log.WithFields(logrus.Fields{
		"frame":      streamer.Frame(),
		"in":         streamer.PendingStreamIns(),
		"out":        streamer.PendingStreamOuts(),
		"submitted":  humanize.IBytes(uint64(snap.BytesSubmitted)),
		"deferred":   humanize.IBytes(uint64(snap.BytesRequiredNotSubmitted)),
		"inUse":      humanize.IBytes(uint64(snap.PoolInUse)),
		"bound":      humanize.IBytes(uint64(snap.PoolBound)),
		"persistent": humanize.IBytes(uint64(snap.PoolBoundPersistent)),
		"read":       humanize.IBytes(uint64(snap.BytesRead)),
		"committed":  snap.RequestsCommitted,
		"aborted":    snap.RequestsAborted,
		"oom":        snap.OutOfMemory,
	}).Info("streaming")
}
