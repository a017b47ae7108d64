// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/devblok/mipstream/core"
	"github.com/devblok/mipstream/device"
	"github.com/devblok/mipstream/utility/aio"
	"github.com/devblok/mipstream/utility/kar"
)

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

type memFS struct {
	mutex sync.RWMutex
	files map[string][]byte
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string][]byte)}
}

func (fs *memFS) put(name string, data []byte) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	fs.files[name] = append([]byte(nil), data...)
}

func (fs *memFS) open(path string) (aio.File, aio.MediaType, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()
	data, ok := fs.files[path]
	if !ok {
		return nil, aio.MediaUnknown, os.ErrNotExist
	}
	return memFile{Reader: bytes.NewReader(data)}, aio.MediaMemory, nil
}

type memWriter struct {
	bytes.Buffer
	fs   *memFS
	name string
}

func (w *memWriter) Close() error {
	w.fs.put(w.name, w.Bytes())
	return nil
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}

// texDesc describes a square RGBA8 texture with a full mip chain.
func texDesc(size, persistent int) kar.TextureDesc {
	return kar.TextureDesc{
		Width:          size,
		Height:         size,
		Depth:          1,
		Mips:           core.MipCount(size, size),
		Sides:          1,
		PersistentMips: persistent,
		Format:         uint32(device.FormatRGBA8),
	}
}

// mipData is the content of one side of one mip. Random content is
// stored uncompressed by the builder.
func mipData(desc kar.TextureDesc, mip, side int, random bool) []byte {
	size := device.DataSize(max(1, desc.Width>>uint(mip)), max(1, desc.Height>>uint(mip)), 1, device.Format(desc.Format))
	data := make([]byte, size)
	if random {
		rand.New(rand.NewSource(int64(mip*16 + side))).Read(data)
		return data
	}
	for i := range data {
		data[i] = byte(mip*37 + side*11 + i%7)
	}
	return data
}

// writeContainer stores a container for desc in fs under path.
func writeContainer(t *testing.T, fs *memFS, path string, desc kar.TextureDesc, random bool) {
	t.Helper()
	builder, err := kar.NewBuilder(kar.Header{
		Author:      "devblok",
		DateCreated: time.Now().Unix(),
		Texture:     desc,
	})
	require.NoError(t, err)
	for mip := 0; mip < desc.Mips; mip++ {
		for side := 0; side < desc.Sides; side++ {
			require.NoError(t, builder.Add(mip, side, mipData(desc, mip, side, random)))
		}
	}
	if desc.Flags&kar.FlagSplit != 0 {
		require.NoError(t, builder.WriteSplit(path, func(name string) (io.WriteCloser, error) {
			return &memWriter{fs: fs, name: name}, nil
		}))
		return
	}
	var buf bytes.Buffer
	_, err = builder.WriteTo(&buf)
	require.NoError(t, err)
	fs.put(path, buf.Bytes())
}

func testConfig() core.StreamingConfiguration {
	return core.StreamingConfiguration{
		Enabled:              true,
		PoolSize:             64 << 20,
		MaxStreamTasks:       8,
		MaxRequestsPerFrame:  8,
		DontKeepSystem:       true,
		MinStreamableSize:    8,
		PersistentMipMaxSize: 16,
		StreamOutMargin:      1,
		HighWatermark:        0.95,
		LowWatermark:         0.8,
		UploadStrategy:       "expand",
		IOWorkers:            2,
		IOQueueSize:          64,
		OpenFiles:            8,
	}
}

type testEngine struct {
	*Streamer
	dev    *device.Memory
	fs     *memFS
	reader *aio.Pool
}

type engineOption func(cfg *core.StreamingConfiguration, opts *Options)

func withCaps(caps device.Capabilities) engineOption {
	return func(_ *core.StreamingConfiguration, opts *Options) {
		opts.Device = device.NewMemory(0, caps, device.FormatRGBA8)
	}
}

func withDevice(dev *device.Memory) engineOption {
	return func(_ *core.StreamingConfiguration, opts *Options) {
		opts.Device = dev
	}
}

func withReader(wrap func(aio.Reader) aio.Reader) engineOption {
	return func(_ *core.StreamingConfiguration, opts *Options) {
		opts.Reader = wrap(opts.Reader)
	}
}

func withLogger(log logrus.FieldLogger) engineOption {
	return func(_ *core.StreamingConfiguration, opts *Options) {
		opts.Log = log
	}
}

func withConfig(fn func(cfg *core.StreamingConfiguration)) engineOption {
	return func(cfg *core.StreamingConfiguration, _ *Options) {
		fn(cfg)
	}
}

func newTestEngine(t *testing.T, options ...engineOption) *testEngine {
	t.Helper()
	cfg := testConfig()
	fs := newMemFS()
	reader, err := aio.NewPool(aio.Config{
		Workers:   4,
		QueueSize: 256,
		OpenFiles: 8,
		Opener:    fs.open,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(reader.Close)

	opts := Options{
		Device: device.NewMemory(0, device.Capabilities{}, device.FormatRGBA8),
		Reader: reader,
		Opener: fs.open,
		Log:    testLogger(),
	}
	for _, o := range options {
		o(&cfg, &opts)
	}

	s, err := New(cfg, opts)
	require.NoError(t, err)
	return &testEngine{Streamer: s, dev: opts.Device.(*device.Memory), fs: fs, reader: reader}
}

// load writes a container and prepares a texture from it.
func (e *testEngine) load(t *testing.T, path string, desc kar.TextureDesc, random bool) *Texture {
	t.Helper()
	writeContainer(t, e.fs, path, desc, random)
	tex := NewTexture(path)
	ok, err := e.PrepareFromPath(tex, path)
	require.NoError(t, err)
	require.True(t, ok)
	return tex
}

// runFrames runs scheduler and pump frames until done reports true.
func (e *testEngine) runFrames(t *testing.T, updates []Update, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for streaming")
		}
		if updates != nil {
			e.Update(updates)
		}
		e.Pump().Frame()
		time.Sleep(time.Millisecond)
	}
}

// pumpIdle runs pump frames until no request is pending.
func (e *testEngine) pumpIdle(t *testing.T) {
	t.Helper()
	e.runFrames(t, nil, func() bool {
		return e.PendingStreamIns() == 0 && e.PendingStreamOuts() == 0
	})
}

// checkMip asserts the resident content of one side of a mip.
func (e *testEngine) checkMip(t *testing.T, tex *Texture, desc kar.TextureDesc, mip, side int, random bool) {
	t.Helper()
	item := tex.PoolItem()
	require.NotNil(t, item)
	base := tex.Mips() - item.Mips()
	state := tex.State()
	region := device.Region{Offset: state.mipOffset(base, mip, side), Size: state.Header(mip).SideSize}
	data, err := e.dev.Read(item.Handle(), region)
	require.NoError(t, err)
	require.Equal(t, mipData(desc, mip, side, random), data, "mip %d side %d", mip, side)
}

// factorFor returns a mip factor selecting mip for a size x size texture.
func factorFor(size, mip int) float32 {
	texels := float32(int(1) << uint(2*mip))
	return texels / float32(size*size)
}
