// Copyright 2025 SnappyData Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

// Config contains the configuration options of the join execution core.
type Config struct {
	Join          Join          `toml:"join" json:"join"`
	RelationCache RelationCache `toml:"relation-cache" json:"relation-cache"`
	Log           Log           `toml:"log" json:"log"`
}

// Join is the join section of the config.
type Join struct {
	// ReplicatedTableJoin routes single-partition build sides through the
	// shared relation cache.
	ReplicatedTableJoin bool `toml:"replicated-table-join" json:"replicated-table-join"`
}

// RelationCache is the relation-cache section of the config.
type RelationCache struct {
	// Capacity is the maximum number of live cached relations.
	Capacity int `toml:"capacity" json:"capacity"`
	// BuildRetryLimit bounds the total build attempts after memory pressure.
	BuildRetryLimit int `toml:"build-retry-limit" json:"build-retry-limit"`
	// MemoryQuota limits the bytes held by cached relations, <= 0 for no limit.
	MemoryQuota int64 `toml:"memory-quota" json:"memory-quota"`
}

// Log is the log section of the config.
type Log struct {
	// Level is one of debug, info, warn, error, fatal.
	Level string `toml:"level" json:"level"`
	// Format is one of text or json.
	Format string `toml:"format" json:"format"`
}

var defaultConf = Config{
	Join: Join{
		ReplicatedTableJoin: true,
	},
	RelationCache: RelationCache{
		Capacity:        50,
		BuildRetryLimit: 10,
		MemoryQuota:     0,
	},
	Log: Log{
		Level:  "info",
		Format: "text",
	},
}

// NewConfig returns a Config populated with the default values.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// Load loads config options from a toml file, keeping defaults for options
// the file does not set.
func (c *Config) Load(confFile string) error {
	_, err := toml.DecodeFile(confFile, c)
	return errors.Trace(err)
}

// Valid checks the config for contradictory or out-of-range options.
func (c *Config) Valid() error {
	if c.RelationCache.Capacity <= 0 {
		return errors.Errorf("relation-cache.capacity must be positive, got %d", c.RelationCache.Capacity)
	}
	if c.RelationCache.BuildRetryLimit <= 0 {
		return errors.Errorf("relation-cache.build-retry-limit must be positive, got %d", c.RelationCache.BuildRetryLimit)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return errors.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("invalid log format %q", c.Log.Format)
	}
	return nil
}

// InitLogger initializes the global logger from the log section.
func InitLogger(cfg *Log) error {
	logger, props, err := log.InitLogger(&log.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
	})
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}
