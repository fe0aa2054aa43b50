// Copyright 2025 Helios Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config is the helios server configuration.
type Config struct {
	Host       string `toml:"host" json:"host"`
	Port       int    `toml:"port" json:"port"`
	StatusPort int    `toml:"status-port" json:"status-port"`

	Log     Log     `toml:"log" json:"log"`
	Cluster Cluster `toml:"cluster" json:"cluster"`
	Query   Query   `toml:"query" json:"query"`
}

// Log is the logging section.
type Log struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	File   string `toml:"file" json:"file"`
}

// Cluster is the cluster membership section.
type Cluster struct {
	// ExecutorGroups names the executor groups this backend joins.
	ExecutorGroups []string `toml:"executor-groups" json:"executor-groups"`
	// BlacklistTimeout is how long a backend stays blacklisted before
	// going on probation. Zero disables blacklisting.
	BlacklistTimeout Duration `toml:"blacklist-timeout" json:"blacklist-timeout"`
	IsCoordinator    bool     `toml:"is-coordinator" json:"is-coordinator"`
	IsExecutor       bool     `toml:"is-executor" json:"is-executor"`
}

// Query is the query execution section.
type Query struct {
	// MaxRowBatchSize caps the rows per batch flowing through the
	// executor.
	MaxRowBatchSize int `toml:"max-row-batch-size" json:"max-row-batch-size"`
	// RowsProducedLimit caps the rows a query may return. Zero means no
	// limit.
	RowsProducedLimit int64 `toml:"rows-produced-limit" json:"rows-produced-limit"`
	// MemQuotaQuery is the per-query memory quota in bytes. Zero means no
	// limit.
	MemQuotaQuery int64 `toml:"mem-quota-query" json:"mem-quota-query"`
}

// Duration wraps time.Duration for toml decoding of strings like "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	d.Duration = dur
	return nil
}

var defaultConf = Config{
	Host:       "0.0.0.0",
	Port:       21000,
	StatusPort: 25000,
	Log: Log{
		Level:  "info",
		Format: "text",
	},
	Cluster: Cluster{
		ExecutorGroups:   []string{"default"},
		BlacklistTimeout: Duration{12 * time.Second},
		IsCoordinator:    true,
		IsExecutor:       true,
	},
	Query: Query{
		MaxRowBatchSize: 1024,
	},
}

var globalConf atomic.Pointer[Config]

func init() {
	conf := defaultConf
	globalConf.Store(&conf)
}

// NewConfig returns a config with default values.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// GetGlobalConfig returns the global configuration. It is safe for
// concurrent readers; writers replace the whole value via
// StoreGlobalConfig.
func GetGlobalConfig() *Config {
	return globalConf.Load()
}

// StoreGlobalConfig atomically replaces the global configuration.
func StoreGlobalConfig(conf *Config) {
	globalConf.Store(conf)
}

// Load reads the config file at path on top of the defaults.
func (c *Config) Load(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Trace(err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return errors.Errorf("config file %s contains unknown configuration options: %v", path, keys)
	}
	return nil
}
