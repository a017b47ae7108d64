// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"encoding/json"
	"flag"
	"fmt"

	humanize "github.com/dustin/go-humanize"

	"github.com/devblok/mipstream/core"
	"github.com/devblok/mipstream/device"
)

var configPath = flag.String("config", "", "Configuration file to resolve")

type formatInfo struct {
	Name       string
	Compressed bool
	BlockDim   int
	BlockBytes int
	// Chain1K is the size of a full 1024x1024 mip chain.
	Chain1K string
}

type info struct {
	Configuration core.Configuration
	PoolSize      string
	Formats       []formatInfo
}

// Prints the effective configuration, environment overrides included,
// and the texel formats known to the streamer.
func main() {
	flag.Parse()

	cfg, err := core.LoadConfiguration(*configPath)
	if err != nil {
		panic(err)
	}

	out := info{
		Configuration: cfg,
		PoolSize:      humanize.IBytes(uint64(cfg.Streaming.PoolSize)),
	}
	for f := device.Format(1); f.Known(); f++ {
		var chain int64
		for size := 1024; size >= 1; size /= 2 {
			chain += device.DataSize(size, size, 1, f)
		}
		out.Formats = append(out.Formats, formatInfo{
			Name:       f.String(),
			Compressed: f.Compressed(),
			BlockDim:   f.BlockDim(),
			BlockBytes: f.BlockBytes(),
			Chain1K:    humanize.IBytes(uint64(chain)),
		})
	}

	if bytes, err := json.MarshalIndent(out, "", "  "); err == nil {
		fmt.Printf("%s\n", bytes)
	} else {
		panic(err)
	}
}
