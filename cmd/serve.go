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
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chunkproxy/chunkproxy/config"
	"github.com/chunkproxy/chunkproxy/proxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the caching range proxy",
	RunE:  serveProxy,
}

func serveProxy(cmd *cobra.Command, _ []string) error {
	if cfgFile != "" {
		os.Setenv("CHUNKPROXY_CONFIG_FILE", cfgFile)
	}
	if err := config.Init(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rp, err := proxy.New()
	if err != nil {
		return err
	}
	if err := rp.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Infoln("Shutting down the range proxy")
	return rp.Stop()
}
