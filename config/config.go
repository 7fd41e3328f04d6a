/***************************************************************
 *
 * Copyright (C) 2026, Chunkproxy Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package config initializes the process-wide viper configuration and the
// logrus logger. It owns the default values for every parameter declared
// in the param package.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/chunkproxy/chunkproxy/param"
)

const envPrefix = "CHUNKPROXY"

// Init sets configuration defaults, reads an optional YAML config file
// from $HOME/.chunkproxy (or the file named by CHUNKPROXY_CONFIG_FILE),
// and enables environment variable overrides.
func Init() error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	viper.SetDefault(param.Server_Host.GetName(), "127.0.0.1")
	viper.SetDefault(param.Server_Port.GetName(), 0)
	viper.SetDefault(param.Cache_DataLocation.GetName(), filepath.Join(home, ".chunkproxy", "range_cache"))
	viper.SetDefault(param.Cache_ChunkSize.GetName(), int64(8*1024*1024))
	viper.SetDefault(param.Cache_MaxSizeGB.GetName(), 10.0)
	viper.SetDefault(param.Cache_MaxAgeDays.GetName(), 30)
	viper.SetDefault(param.Fetch_MaxConcurrentChunks.GetName(), 12)
	viper.SetDefault(param.Fetch_MaxConnsPerHost.GetName(), 80)
	viper.SetDefault(param.Fetch_MaxTotalConns.GetName(), 400)
	viper.SetDefault(param.Fetch_ProbeTimeout.GetName(), "30s")
	viper.SetDefault(param.Prefetch_Enabled.GetName(), true)
	viper.SetDefault(param.Logging_Level.GetName(), "info")

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.Join(home, ".chunkproxy"))
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Do not fail if the config file is missing
	}
	envConfigFile := os.Getenv(envPrefix + "_CONFIG_FILE")
	if len(envConfigFile) != 0 {
		fp, err := os.Open(envConfigFile)
		if err != nil {
			return errors.Wrapf(err, "failed to open config file %s", envConfigFile)
		}
		defer fp.Close()
		if err = viper.ReadConfig(fp); err != nil {
			return err
		}
	}

	return SetLogging()
}

// SetLogging applies the configured log level to the standard logger.
func SetLogging() error {
	levelStr := param.Logging_Level.GetString()
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		return errors.Wrapf(err, "unknown log level %q", levelStr)
	}
	log.SetLevel(level)
	setLogFormat()
	return nil
}
