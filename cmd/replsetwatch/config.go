package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mediocregopher/replset"
	"github.com/mediocregopher/replset/seedcache"
)

// config is the contents of the YAML config file.
type config struct {
	Seeds []string `yaml:"seeds"`

	Refresh struct {
		Mode     string        `yaml:"mode"` // off | manual | periodic
		Interval time.Duration `yaml:"interval"`
	} `yaml:"refresh"`

	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	AllowNoPrimary bool          `yaml:"allow_no_primary"`

	// RetryInterval is how long to wait between attempts at creating the
	// Manager while the replica set is unavailable.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// SeedCache is the path of a bbolt file which discovered members are
	// persisted in. Disabled if empty.
	SeedCache string `yaml:"seed_cache"`

	Pool struct {
		Size        int           `yaml:"size"`
		OnEmptyWait time.Duration `yaml:"on_empty_wait"`
	} `yaml:"pool"`

	Metrics struct {
		Listen string `yaml:"listen"`
		Prefix string `yaml:"prefix"`
	} `yaml:"metrics"`

	seeds       []replset.Addr
	refreshMode replset.RefreshMode
}

// loadConfig reads configuration from a YAML file.
func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*config, error) {
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	var err error
	if cfg.seeds, err = replset.ParseAddrs(cfg.Seeds...); err != nil {
		return nil, err
	} else if len(cfg.seeds) == 0 {
		return nil, replset.ErrInvalidConfig.New("no seeds given")
	}
	if cfg.refreshMode, err = replset.ParseRefreshMode(cfg.Refresh.Mode); err != nil {
		return nil, err
	}

	if cfg.Refresh.Mode == "" {
		cfg.refreshMode = replset.RefreshPeriodic
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9121"
	}
	if cfg.Metrics.Prefix == "" {
		cfg.Metrics.Prefix = "replset"
	}
	return &cfg, nil
}

// managerConfig returns the ManagerConfig described by the config. If a seed
// cache is configured its Store is returned as well, and must be closed by
// the caller.
func (cfg *config) managerConfig() (replset.ManagerConfig, *seedcache.Store, error) {
	mcfg := replset.ManagerConfig{
		RefreshMode:     cfg.refreshMode,
		RefreshInterval: cfg.Refresh.Interval,
		ProbeTimeout:    cfg.ProbeTimeout,
		AllowNoPrimary:  cfg.AllowNoPrimary,
		PoolFunc: replset.PoolConfig{
			Size:        cfg.Pool.Size,
			OnEmptyWait: cfg.Pool.OnEmptyWait,
		}.Func(),
	}
	if cfg.SeedCache == "" {
		return mcfg, nil, nil
	}

	store, err := seedcache.Open(cfg.SeedCache, nil)
	if err != nil {
		return replset.ManagerConfig{}, nil, err
	}
	mcfg.SeedStore = store
	return mcfg, store, nil
}
