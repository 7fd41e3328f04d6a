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

package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/chunkproxy/chunkproxy/cache"
	"github.com/chunkproxy/chunkproxy/fetcher"
	"github.com/chunkproxy/chunkproxy/metrics"
)

// handleProxy serves GET /proxy?url=<origin>. Every client request lands
// here; the range header decides between chunked range streaming, a
// chunked full-content stream, and verbatim passthrough.
func (rp *RangeProxy) handleProxy(c *gin.Context) {
	if !rp.ready.Load() {
		respondError(c, http.StatusServiceUnavailable, CodeProxyNotReady,
			"The proxy is still starting up; retry shortly.", "")
		return
	}
	metrics.IncRequest()

	originURL := c.Query("url")
	if originURL == "" {
		respondError(c, http.StatusBadRequest, CodeMissingURL,
			"No URL was provided to proxy.", "the url query parameter is required")
		return
	}
	parsed, err := url.Parse(originURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		respondError(c, http.StatusBadRequest, CodeUnsupportedScheme,
			"Only http and https URLs can be proxied.", "unsupported URL: "+originURL)
		return
	}
	if rp.allowedHosts != nil {
		if _, ok := rp.allowedHosts[parsed.Hostname()]; !ok {
			metrics.IncError()
			respondError(c, http.StatusForbidden, CodeForbiddenHost,
				"This host is not on the proxy's allow list.", "host not allowed: "+parsed.Hostname())
			return
		}
	}

	reqLog := log.WithFields(log.Fields{
		"request": uuid.NewString()[:8],
		"host":    parsed.Hostname(),
	})

	meta, err := rp.resolver.Resolve(c.Request.Context(), originURL)
	if err != nil {
		metrics.IncError()
		respondError(c, http.StatusBadGateway, CodeUpstreamError,
			"The origin could not be reached.", err.Error())
		return
	}

	rangeHeader := c.GetHeader("Range")
	spec, ok := parseRange(rangeHeader, meta.TotalSize)
	switch {
	case !ok:
		// Unparseable or multipart range, or a suffix range against an
		// unknown size. Let the origin interpret it.
		rp.passthrough(c, reqLog, originURL, meta, rangeHeader)
	case spec == nil:
		rp.fullStream(c, reqLog, originURL, meta)
	default:
		rp.rangeStream(c, reqLog, originURL, meta, spec)
	}
}

// rangeStream answers a parsed byte-range request with 206 and the exact
// window, assembled chunk by chunk.
func (rp *RangeProxy) rangeStream(c *gin.Context, reqLog *log.Entry, originURL string, meta *cache.Metadata, spec *rangeSpec) {
	if !meta.SizeKnown() {
		rp.passthrough(c, reqLog, originURL, meta, c.GetHeader("Range"))
		return
	}
	total := meta.TotalSize
	if spec.start >= total {
		metrics.IncError()
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", total))
		respondError(c, http.StatusRequestedRangeNotSatisfiable, CodeRangeOutOfBounds,
			"The requested byte range starts past the end of the content.",
			fmt.Sprintf("range start %d exceeds size %d", spec.start, total))
		return
	}
	end := total - 1
	if spec.hasEnd && spec.end < end {
		end = spec.end
	}

	key := cache.KeyForURL(originURL)
	seek := rp.prefetch.noteRequest(key, spec.start)
	if seek {
		reqLog.Debugf("Seek detected to offset %d", spec.start)
	}

	c.Status(http.StatusPartialContent)
	c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", spec.start, end, total))
	c.Header("Content-Length", strconv.FormatInt(end-spec.start+1, 10))
	c.Header("Accept-Ranges", "bytes")
	if meta.ContentType != "" {
		c.Header("Content-Type", meta.ContentType)
	}

	rp.streamChunks(c, reqLog, originURL, meta, spec.start, end)
}

// fullStream serves a request without a Range header. With a known size
// the content still flows through the chunk cache so sequential playback
// warms the same entries a seeking player would hit.
func (rp *RangeProxy) fullStream(c *gin.Context, reqLog *log.Entry, originURL string, meta *cache.Metadata) {
	if !meta.SizeKnown() {
		rp.passthrough(c, reqLog, originURL, meta, "")
		return
	}
	key := cache.KeyForURL(originURL)
	rp.prefetch.noteRequest(key, 0)

	c.Status(http.StatusOK)
	c.Header("Content-Length", strconv.FormatInt(meta.TotalSize, 10))
	c.Header("Accept-Ranges", "bytes")
	if meta.ContentType != "" {
		c.Header("Content-Type", meta.ContentType)
	}

	rp.streamChunks(c, reqLog, originURL, meta, 0, meta.TotalSize-1)
}

// streamChunks walks the chunk indices covering [start, end], fetching
// each through the cache and writing the overlapping window to the
// client. It stops silently when the client goes away; players abandon
// and reissue range requests constantly.
func (rp *RangeProxy) streamChunks(c *gin.Context, reqLog *log.Entry, originURL string, meta *cache.Metadata, start, end int64) {
	key := cache.KeyForURL(originURL)
	effectiveURL := rp.resolver.EffectiveURL(originURL)
	chunkSize := rp.store.ChunkSize()
	startChunk := start / chunkSize
	endChunk := end / chunkSize
	ctx := c.Request.Context()

	// Prefetch runs ahead of the playback position, starting at the
	// chunk after the one being served; the dedup locks keep it from
	// doubling up with this loop. When no upstream pool is configured
	// the origin may throttle parallel connections, so hold prefetch
	// back until the first requested chunk is safely cached.
	deferredPrefetch := false
	if rp.fetcher.Pool().HasUpstream() || rp.store.HasChunk(key, startChunk) {
		rp.prefetch.maybeStart(originURL, effectiveURL, meta.TotalSize, startChunk+1)
	} else {
		deferredPrefetch = true
	}

	for index := startChunk; index <= endChunk; index++ {
		select {
		case <-ctx.Done():
			reqLog.Debugf("Client disconnected at chunk %d", index)
			return
		default:
		}

		priority := rp.prefetch.consumePriority(key, index)
		data, err := rp.fetcher.GetChunk(ctx, originURL, effectiveURL, index, meta.TotalSize, priority)
		if err != nil {
			if fetcher.KindOf(err) == fetcher.KindClientError {
				// Bad chunk math or a vanished client; no transport
				// would do any better.
				reqLog.Debugf("Chunk %d not fetchable: %v", index, err)
				return
			}
			// Every configured transport failed for this chunk; as a
			// last resort pull just the bytes the client still needs
			// directly, without caching.
			chunkStart := index * chunkSize
			chunkEnd := min64(chunkStart+chunkSize-1, meta.TotalSize-1)
			winStart := max64(start, chunkStart)
			winEnd := min64(end, chunkEnd)
			reqLog.Warningf("Chunk %d failed on all transports, fetching window directly: %v", index, err)
			data, err = rp.fetcher.DirectRange(ctx, effectiveURL, winStart, winEnd)
			if err != nil {
				metrics.IncError()
				reqLog.Errorf("Direct fallback failed for chunk %d: %v", index, err)
				return
			}
			if _, err := c.Writer.Write(data); err != nil {
				reqLog.Debugf("Client disconnected writing chunk %d: %v", index, err)
				return
			}
			continue
		}

		window := sliceOverlap(data, index, chunkSize, start, end)
		if len(window) > 0 {
			if _, err := c.Writer.Write(window); err != nil {
				reqLog.Debugf("Client disconnected writing chunk %d: %v", index, err)
				return
			}
		}

		if deferredPrefetch && index == startChunk {
			deferredPrefetch = false
			rp.prefetch.maybeStart(originURL, effectiveURL, meta.TotalSize, startChunk+1)
		}
	}
}

// sliceOverlap returns the portion of a chunk's bytes that falls inside
// the requested [start, end] window.
func sliceOverlap(data []byte, index, chunkSize, start, end int64) []byte {
	chunkStart := index * chunkSize
	lo := int64(0)
	if start > chunkStart {
		lo = start - chunkStart
	}
	hi := int64(len(data))
	if end-chunkStart+1 < hi {
		hi = end - chunkStart + 1
	}
	if lo >= hi {
		return nil
	}
	return data[lo:hi]
}

// passthrough relays the request to the origin verbatim, used when the
// content size is unknown or the range header cannot be mapped onto
// chunks. Metadata discovered from the origin's answer is recorded so a
// later request can use the chunked path.
func (rp *RangeProxy) passthrough(c *gin.Context, reqLog *log.Entry, originURL string, meta *cache.Metadata, rangeHeader string) {
	fetchURL := rp.resolver.EffectiveURL(originURL)
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, fetchURL, nil)
	if err != nil {
		metrics.IncError()
		respondError(c, http.StatusBadGateway, CodeUpstreamError,
			"The origin could not be reached.", err.Error())
		return
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	req.Header.Set("User-Agent", "chunkproxy/1")
	req.Header.Set("Accept", "*/*")

	resp, err := rp.fetcher.Pool().Default().Client().Do(req)
	if err != nil {
		metrics.IncError()
		respondError(c, http.StatusBadGateway, CodeUpstreamError,
			"The origin could not be reached.", err.Error())
		return
	}
	defer resp.Body.Close()

	if total := passthroughTotal(resp); total > 0 {
		rp.resolver.RecordDiscovered(originURL, total, resp.Header.Get("Content-Type"))
	}

	c.Status(resp.StatusCode)
	for _, header := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(header); v != "" {
			c.Header(header, v)
		}
	}
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		reqLog.Debugf("Passthrough stream ended early: %v", err)
	}
}

// passthroughTotal derives the total content size from a passthrough
// response, preferring Content-Range over Content-Length.
func passthroughTotal(resp *http.Response) int64 {
	if total := fetcher.TotalFromContentRange(resp.Header.Get("Content-Range")); total > 0 {
		return total
	}
	if resp.StatusCode == http.StatusOK {
		if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
