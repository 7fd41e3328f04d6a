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

// Package proxy hosts the loopback range-caching proxy: a gin-based
// listener that maps player byte-range requests onto fixed-size chunks,
// serves cached chunks from disk, and fetches misses through the
// configured transports. It also exposes the cache operations other
// subsystems consume (assembly, cached percentage, metrics, sweeps).
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/chunkproxy/chunkproxy/cache"
	"github.com/chunkproxy/chunkproxy/fetcher"
	"github.com/chunkproxy/chunkproxy/metrics"
	"github.com/chunkproxy/chunkproxy/param"
)

// RangeProxy is the owned, injected proxy instance: constructed once at
// startup, started and stopped explicitly, and shared by reference with
// every consumer.
type RangeProxy struct {
	store    *cache.Store
	fetcher  *fetcher.Fetcher
	resolver *fetcher.Resolver
	janitor  *cache.Janitor
	prefetch *prefetchManager

	allowedHosts map[string]struct{}

	srv      *http.Server
	listener net.Listener
	host     string
	port     atomic.Int32
	ready    atomic.Bool

	egrp   *errgroup.Group
	cancel context.CancelFunc
}

// New wires the proxy from configuration. Nothing is bound or launched
// until Start.
func New() (*RangeProxy, error) {
	store, err := cache.NewStore(param.Cache_DataLocation.GetString(), param.Cache_ChunkSize.GetInt64())
	if err != nil {
		return nil, err
	}
	pool, err := fetcher.NewPool()
	if err != nil {
		return nil, err
	}
	governor := fetcher.NewGovernor(param.Fetch_MaxConcurrentChunks.GetInt())
	chunkFetcher := fetcher.New(store, pool, governor)
	resolver := fetcher.NewResolver(store, pool)

	maxAge := time.Duration(param.Cache_MaxAgeDays.GetInt()) * 24 * time.Hour
	maxSize := int64(param.Cache_MaxSizeGB.GetFloat64() * 1024 * 1024 * 1024)

	rp := &RangeProxy{
		store:    store,
		fetcher:  chunkFetcher,
		resolver: resolver,
		janitor:  cache.NewJanitor(store, maxAge, maxSize),
		prefetch: newPrefetchManager(chunkFetcher, store, param.Prefetch_Enabled.GetBool()),
		host:     param.Server_Host.GetString(),
	}

	if hosts := param.Server_AllowedHosts.GetStringSlice(); len(hosts) > 0 {
		rp.allowedHosts = make(map[string]struct{}, len(hosts))
		for _, h := range hosts {
			rp.allowedHosts[h] = struct{}{}
		}
	}
	return rp, nil
}

// Start binds the loopback listener (port 0 picks a free port) and
// launches the background goroutines: HTTP serving, the cache janitor,
// and the idle-lock reaper.
func (rp *RangeProxy) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rp.cancel = cancel
	rp.egrp, ctx = errgroup.WithContext(ctx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	prom := ginprometheus.NewPrometheus("chunkproxy")
	prom.Use(engine)
	engine.GET("/proxy", rp.handleProxy)

	addr := net.JoinHostPort(rp.host, strconv.Itoa(param.Server_Port.GetInt()))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind proxy listener on %s", addr)
	}
	rp.listener = listener
	rp.port.Store(int32(listener.Addr().(*net.TCPAddr).Port))
	rp.srv = &http.Server{Handler: engine}

	rp.egrp.Go(func() error {
		if err := rp.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	rp.egrp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return rp.srv.Shutdown(shutdownCtx)
	})

	rp.janitor.Start(ctx, rp.egrp)
	rp.fetcher.Governor().StartReaper(ctx, rp.egrp)
	rp.prefetch.bind(ctx)

	rp.ready.Store(true)
	log.Infof("Range proxy listening on %s:%d", rp.host, rp.Port())
	return nil
}

// Stop shuts the listener down, waits for in-flight prefetch runs, and
// joins the background goroutines.
func (rp *RangeProxy) Stop() error {
	rp.ready.Store(false)
	if rp.cancel != nil {
		rp.cancel()
	}
	rp.prefetch.stop()
	rp.resolver.Stop()
	if rp.egrp != nil {
		return rp.egrp.Wait()
	}
	return nil
}

// Port returns the bound listener port, valid after Start.
func (rp *RangeProxy) Port() int {
	return int(rp.port.Load())
}

// ProxyURL returns the loopback URL a player should use for an origin
// URL.
func (rp *RangeProxy) ProxyURL(originURL string) (string, error) {
	if originURL == "" {
		return "", errors.New("missing URL for range proxy")
	}
	return fmt.Sprintf("http://%s/proxy?url=%s",
		net.JoinHostPort(rp.host, strconv.Itoa(rp.Port())),
		url.QueryEscape(originURL)), nil
}

// GetCachedPercentage reports how much of a URL's content is cached,
// 0-100. Accepts either the origin URL or its proxy URL.
func (rp *RangeProxy) GetCachedPercentage(rawURL string) float64 {
	key := cache.KeyForURL(cache.UnwrapProxyURL(rawURL))
	return rp.store.CachedPercentage(key)
}

// AssembleCachedFile writes a fully cached URL's content to the
// destination path, letting the download manager skip refetching content
// already streamed. Returns false when any chunk is missing.
func (rp *RangeProxy) AssembleCachedFile(rawURL, destination string) bool {
	key := cache.KeyForURL(cache.UnwrapProxyURL(rawURL))
	if err := rp.store.Assemble(key, destination); err != nil {
		log.Debugf("Cache assembly unavailable: %v", err)
		return false
	}
	return true
}

// GetMetrics returns a snapshot of request and cache counters.
func (rp *RangeProxy) GetMetrics() metrics.Snapshot {
	return metrics.Collect(rp.fetcher.Governor().ActiveLocks())
}

// ClearCache removes every cache entry.
func (rp *RangeProxy) ClearCache() (removed int, freed int64) {
	return rp.store.Clear()
}

// CleanupCache runs the age/size eviction sweep immediately.
func (rp *RangeProxy) CleanupCache() (removed int, freed int64) {
	maxAge := time.Duration(param.Cache_MaxAgeDays.GetInt()) * 24 * time.Hour
	maxSize := int64(param.Cache_MaxSizeGB.GetFloat64() * 1024 * 1024 * 1024)
	return rp.store.Cleanup(maxAge, maxSize)
}
