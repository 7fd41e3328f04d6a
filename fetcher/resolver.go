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

package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"

	"github.com/chunkproxy/chunkproxy/cache"
	"github.com/chunkproxy/chunkproxy/param"
)

const (
	searchHashTimeout = 8 * time.Second
	resolvedURLTTL    = time.Hour
)

var hashStemRe = regexp.MustCompile(`^[0-9a-f]{32,128}$`)

// Resolver discovers a URL's total size, content type, and redirect
// target via a minimal ranged probe, caching results in the chunk
// store's metadata sidecar. Redirected URLs are remembered in-memory so
// subsequent fetches go straight to the mirror while the original URL
// remains the cache key.
type Resolver struct {
	store    *cache.Store
	pool     *Pool
	resolved *ttlcache.Cache[string, string]
}

func NewResolver(store *cache.Store, pool *Pool) *Resolver {
	resolved := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](resolvedURLTTL),
	)
	go resolved.Start()
	return &Resolver{store: store, pool: pool, resolved: resolved}
}

// Stop halts the resolved-URL cache's eviction loop.
func (r *Resolver) Stop() {
	r.resolved.Stop()
}

// EffectiveURL returns the remembered redirect/mirror target for an
// origin URL, or the URL itself.
func (r *Resolver) EffectiveURL(originURL string) string {
	if item := r.resolved.Get(originURL); item != nil && item.Value() != "" {
		return item.Value()
	}
	return originURL
}

// RecordResolved remembers a redirect target for an origin URL.
func (r *Resolver) RecordResolved(originURL, resolvedURL string) {
	if resolvedURL == "" || resolvedURL == originURL {
		return
	}
	if item := r.resolved.Get(originURL); item == nil || item.Value() != resolvedURL {
		log.Infof("Recorded resolved mirror for %s", hostOf(originURL))
		r.resolved.Set(originURL, resolvedURL, ttlcache.DefaultTTL)
	}
}

// RecordDiscovered opportunistically persists size and content type
// learned outside the probe path (e.g. from a passthrough response).
func (r *Resolver) RecordDiscovered(originURL string, totalSize int64, contentType string) {
	err := r.store.UpsertMetadata(originURL, func(meta *cache.Metadata) {
		if totalSize > 0 {
			meta.TotalSize = totalSize
		}
		if contentType != "" {
			meta.ContentType = contentType
		}
	})
	if err != nil {
		log.Warningf("Failed to record discovered metadata for %s: %v", hostOf(originURL), err)
	}
}

// Resolve returns the content metadata for a URL, probing the origin on
// first access and reusing the persisted sidecar afterwards. A probe
// that cannot determine the size is non-fatal: the metadata comes back
// with TotalSize unset and the caller degrades to passthrough streaming.
func (r *Resolver) Resolve(ctx context.Context, originURL string) (*cache.Metadata, error) {
	key := cache.KeyForURL(originURL)
	if meta, err := r.store.ReadMetadata(key); err == nil && meta != nil {
		r.RecordResolved(originURL, meta.ResolvedURL)
		return meta, nil
	}

	totalSize, contentType, resolvedURL := r.probeOrigin(ctx, originURL)
	if totalSize <= 0 {
		if size := r.lookupSizeFromHash(ctx, originURL); size > 0 {
			totalSize = size
		}
	}

	meta := &cache.Metadata{
		URL:         originURL,
		ChunkSize:   r.store.ChunkSize(),
		TotalSize:   totalSize,
		ContentType: contentType,
		ResolvedURL: resolvedURL,
	}
	if err := r.store.WriteMetadata(key, meta); err != nil {
		log.Warningf("Failed to persist metadata for %s: %v", hostOf(originURL), err)
	}
	r.RecordResolved(originURL, resolvedURL)
	return meta, nil
}

// probeOrigin requests the first byte of the resource and derives the
// total size from Content-Range (falling back to Content-Length), the
// content type, and the post-redirect URL.
func (r *Resolver) probeOrigin(ctx context.Context, originURL string) (totalSize int64, contentType, resolvedURL string) {
	effective := r.EffectiveURL(originURL)
	resolvedURL = effective

	probeCtx, cancel := context.WithTimeout(ctx, param.Fetch_ProbeTimeout.GetDuration())
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, effective, nil)
	if err != nil {
		log.Warningf("Failed to build probe request for %s: %v", hostOf(originURL), err)
		return
	}
	setMediaHeaders(req, effective)
	req.Header.Set("Range", "bytes=0-0")

	ep := r.probeEndpoint()
	log.Debugf("Probing origin %s via %s", hostOf(originURL), ep.Label())
	resp, err := ep.Client().Do(req)
	if err != nil {
		log.Warningf("Origin probe failed for %s: %v", hostOf(originURL), err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warningf("Origin returned HTTP %d probing %s", resp.StatusCode, hostOf(originURL))
	}
	if resp.Request != nil && resp.Request.URL != nil {
		resolvedURL = resp.Request.URL.String()
	}
	contentType = resp.Header.Get("Content-Type")
	totalSize = TotalFromContentRange(resp.Header.Get("Content-Range"))
	if totalSize <= 0 && resp.StatusCode == http.StatusOK {
		totalSize, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	}
	return
}

// probeEndpoint picks the transport for metadata probes: the pool's
// first member, the single proxy, or direct.
func (r *Resolver) probeEndpoint() *Endpoint {
	if members := r.pool.Members(); len(members) > 0 {
		return members[0]
	}
	if r.pool.single != nil {
		return r.pool.single
	}
	return r.pool.Direct()
}

// lookupSizeFromHash asks the host's hash-lookup API for the declared
// size when the URL's path stem looks like a content hash. Failure is
// non-fatal; the caller keeps the size unknown.
func (r *Resolver) lookupSizeFromHash(ctx context.Context, originURL string) int64 {
	parsed, err := url.Parse(originURL)
	if err != nil {
		return 0
	}
	stem := strings.ToLower(strings.TrimSuffix(path.Base(parsed.Path), path.Ext(parsed.Path)))
	if !hashStemRe.MatchString(stem) {
		return 0
	}
	base := hashLookupBase(parsed.Hostname())
	if base == "" {
		return 0
	}

	lookupCtx, cancel := context.WithTimeout(ctx, searchHashTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(lookupCtx, http.MethodGet, base+"/v1/search_hash/"+stem, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("User-Agent", "chunkproxy/1")
	req.Header.Set("Accept", "text/css")

	resp, err := r.probeEndpoint().Client().Do(req)
	if err != nil {
		log.Debugf("Hash size lookup failed for %s: %v", stem[:8], err)
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}

	var payload struct {
		Size int64 `json:"size"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.Debugf("Hash size lookup returned bad JSON for %s: %v", stem[:8], err)
		return 0
	}
	if payload.Size <= 0 {
		return 0
	}
	log.Debugf("Hash size lookup resolved %d bytes for %s", payload.Size, stem[:8])
	return payload.Size
}

// hashLookupBase maps an origin host to its hash-lookup API base URL.
func hashLookupBase(host string) string {
	host = strings.ToLower(host)
	switch {
	case strings.Contains(host, "coomer"):
		return "https://coomer.st/api"
	case strings.Contains(host, "kemono"):
		return "https://kemono.cr/api"
	}
	return ""
}

// TotalFromContentRange extracts the total field from a Content-Range
// header such as "bytes 0-0/12345". Returns 0 when absent or "*".
func TotalFromContentRange(contentRange string) int64 {
	if contentRange == "" {
		return 0
	}
	idx := strings.LastIndex(contentRange, "/")
	if idx < 0 {
		return 0
	}
	totalPart := strings.TrimSpace(contentRange[idx+1:])
	if totalPart == "" || totalPart == "*" {
		return 0
	}
	total, err := strconv.ParseInt(totalPart, 10, 64)
	if err != nil || total <= 0 {
		return 0
	}
	return total
}

func hostOf(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	if len(rawURL) > 40 {
		return rawURL[:40]
	}
	return rawURL
}
