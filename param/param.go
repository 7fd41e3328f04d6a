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

// Package param provides typed accessors for the viper-backed
// configuration. Every tunable the proxy consumes is declared here so the
// rest of the codebase never touches raw viper keys.
package param

import (
	"time"

	"github.com/spf13/viper"
)

type (
	StringParam struct {
		name string
	}

	StringSliceParam struct {
		name string
	}

	IntParam struct {
		name string
	}

	Int64Param struct {
		name string
	}

	Float64Param struct {
		name string
	}

	BoolParam struct {
		name string
	}

	DurationParam struct {
		name string
	}
)

func (sP StringParam) GetString() string {
	return viper.GetString(sP.name)
}

func (sP StringParam) GetName() string {
	return sP.name
}

func (slP StringSliceParam) GetStringSlice() []string {
	return viper.GetStringSlice(slP.name)
}

func (slP StringSliceParam) GetName() string {
	return slP.name
}

func (iP IntParam) GetInt() int {
	return viper.GetInt(iP.name)
}

func (iP IntParam) GetName() string {
	return iP.name
}

func (iP Int64Param) GetInt64() int64 {
	return viper.GetInt64(iP.name)
}

func (iP Int64Param) GetName() string {
	return iP.name
}

func (fP Float64Param) GetFloat64() float64 {
	return viper.GetFloat64(fP.name)
}

func (fP Float64Param) GetName() string {
	return fP.name
}

func (bP BoolParam) GetBool() bool {
	return viper.GetBool(bP.name)
}

func (bP BoolParam) GetName() string {
	return bP.name
}

func (dP DurationParam) GetDuration() time.Duration {
	return viper.GetDuration(dP.name)
}

func (dP DurationParam) GetName() string {
	return dP.name
}

var (
	Server_Host         = StringParam{"Server.Host"}
	Server_Port         = IntParam{"Server.Port"}
	Server_AllowedHosts = StringSliceParam{"Server.AllowedHosts"}

	Cache_DataLocation = StringParam{"Cache.DataLocation"}
	Cache_ChunkSize    = Int64Param{"Cache.ChunkSize"}
	Cache_MaxSizeGB    = Float64Param{"Cache.MaxSizeGB"}
	Cache_MaxAgeDays   = IntParam{"Cache.MaxAgeDays"}

	Fetch_MaxConcurrentChunks = IntParam{"Fetch.MaxConcurrentChunks"}
	Fetch_MaxConnsPerHost     = IntParam{"Fetch.MaxConnsPerHost"}
	Fetch_MaxTotalConns       = IntParam{"Fetch.MaxTotalConns"}
	Fetch_ProxyURL            = StringParam{"Fetch.ProxyURL"}
	Fetch_ProxyPool           = StringSliceParam{"Fetch.ProxyPool"}
	Fetch_ProbeTimeout        = DurationParam{"Fetch.ProbeTimeout"}

	Prefetch_Enabled = BoolParam{"Prefetch.Enabled"}

	Logging_Level = StringParam{"Logging.Level"}
)
