package core

import (
	"io/ioutil"
	"strconv"

	humanize "github.com/dustin/go-humanize"
	"github.com/gobuffalo/envy"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding the configuration file
const (
	EnvStreaming      = "KORU_STREAMING"
	EnvPoolSize       = "KORU_POOL_SIZE"
	EnvMaxStreamTasks = "KORU_MAX_STREAM_TASKS"
	EnvIOWorkers      = "KORU_IO_WORKERS"
	EnvLogLevel       = "KORU_LOG_LEVEL"
	EnvUploadStrategy = "KORU_UPLOAD_STRATEGY"
)

// LoadConfiguration reads the yaml file at path on top of the
// defaults, applies environment overrides and validates the result.
// An empty path skips the file.
func LoadConfiguration(path string) (Configuration, error) {
	cfg := DefaultConfiguration()
	if path != "" {
		raw, err := ioutil.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read configuration")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	}
	if err := ApplyEnvironment(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnvironment overrides configuration values from the environment
// (and a .env file, if present).
func ApplyEnvironment(cfg *Configuration) error {
	if v := envy.Get(EnvStreaming, ""); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, EnvStreaming)
		}
		cfg.Streaming.Enabled = enabled
	}
	if v := envy.Get(EnvPoolSize, ""); v != "" {
		size, err := humanize.ParseBytes(v)
		if err != nil {
			return errors.Wrap(err, EnvPoolSize)
		}
		cfg.Streaming.PoolSize = int64(size)
	}
	if v := envy.Get(EnvMaxStreamTasks, ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, EnvMaxStreamTasks)
		}
		cfg.Streaming.MaxStreamTasks = n
	}
	if v := envy.Get(EnvIOWorkers, ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, EnvIOWorkers)
		}
		cfg.Streaming.IOWorkers = n
	}
	cfg.Log.Level = envy.Get(EnvLogLevel, cfg.Log.Level)
	cfg.Streaming.UploadStrategy = envy.Get(EnvUploadStrategy, cfg.Streaming.UploadStrategy)
	return nil
}
