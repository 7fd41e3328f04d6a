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

package config

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkproxy/chunkproxy/param"
)

func TestInitDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	require.NoError(t, Init())

	assert.Equal(t, "127.0.0.1", param.Server_Host.GetString())
	assert.Equal(t, 0, param.Server_Port.GetInt())
	assert.Equal(t, int64(8*1024*1024), param.Cache_ChunkSize.GetInt64())
	assert.Equal(t, 10.0, param.Cache_MaxSizeGB.GetFloat64())
	assert.Equal(t, 30, param.Cache_MaxAgeDays.GetInt())
	assert.Equal(t, 12, param.Fetch_MaxConcurrentChunks.GetInt())
	assert.True(t, param.Prefetch_Enabled.GetBool())
	assert.NotEmpty(t, param.Cache_DataLocation.GetString())
}

func TestInitReadsConfigFile(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("Server:\n  Port: 9999\nCache:\n  MaxAgeDays: 7\n"), 0600))
	t.Setenv("CHUNKPROXY_CONFIG_FILE", cfgPath)

	require.NoError(t, Init())

	assert.Equal(t, 9999, param.Server_Port.GetInt())
	assert.Equal(t, 7, param.Cache_MaxAgeDays.GetInt())
	// Untouched keys keep their defaults
	assert.Equal(t, 12, param.Fetch_MaxConcurrentChunks.GetInt())
}

func TestSetLogging(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	defer log.SetLevel(log.InfoLevel)

	viper.Set(param.Logging_Level.GetName(), "debug")
	require.NoError(t, SetLogging())
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	viper.Set(param.Logging_Level.GetName(), "not-a-level")
	require.Error(t, SetLogging())
}
