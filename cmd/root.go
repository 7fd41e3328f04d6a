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

package main

import (
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/chunkproxy/chunkproxy/param"
)

type uint16Value uint16

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "chunkproxy",
		Short: "Run a local caching range proxy for large media",
		Long: `The chunkproxy daemon sits between a media player and remote
origins, mapping byte-range requests onto fixed-size chunks that are
cached on disk and fetched through configurable upstream transports.`,
	}

	// pflag does not export a uint16 value type, so the port flag gets a
	// hand-rolled one; port numbers outside uint16 should fail at parse
	// time rather than at bind time.
	emptyPort = uint16(0)
	portFlag  = &pflag.Flag{
		Name:      "port",
		Shorthand: "p",
		Usage:     "Set the port for the proxy listener (0 picks a free port)",
		Value:     (*uint16Value)(&emptyPort),
	}
)

func (i *uint16Value) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 16)
	*i = uint16Value(v)
	return err
}

func (i *uint16Value) Type() string {
	return "uint16"
}

func (i *uint16Value) String() string {
	return strconv.FormatUint(uint64(*i), 10)
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		log.Errorln(err)
	}
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.chunkproxy/config.yaml)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warning, error)")
	if err := viper.BindPFlag(param.Logging_Level.GetName(), rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}

	serveCmd.Flags().AddFlag(portFlag)
	if err := viper.BindPFlag(param.Server_Port.GetName(), portFlag); err != nil {
		panic(err)
	}
	serveCmd.Flags().String("cache-dir", "", "directory holding the chunk cache")
	if err := viper.BindPFlag(param.Cache_DataLocation.GetName(), serveCmd.Flags().Lookup("cache-dir")); err != nil {
		panic(err)
	}
}
