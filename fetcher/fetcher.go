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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chunkproxy/chunkproxy/cache"
	"github.com/chunkproxy/chunkproxy/metrics"
)

const (
	retryBackoff = 500 * time.Millisecond

	// racingTimeout is the aggressive fail-fast deadline for each racing
	// attempt; losers that outlive the winner get racingGrace before
	// cancellation, since abruptly tearing down tunneled sockets is
	// unreliable across SOCKS transports.
	racingTimeout = 30 * time.Second
	racingGrace   = 5 * time.Second

	// copyBlock is the read granularity when slicing a byte window out of
	// a full 200 response body.
	copyBlock = 256 * 1024
)

// Fetcher retrieves chunks, serving from the disk cache when possible
// and otherwise fetching from the origin through a selected transport
// and persisting the result. A cache miss always ends in a durable cache
// write, never a read-through.
type Fetcher struct {
	store    *cache.Store
	pool     *Pool
	governor *Governor
}

func New(store *cache.Store, pool *Pool, governor *Governor) *Fetcher {
	return &Fetcher{store: store, pool: pool, governor: governor}
}

// Pool exposes the transport pool, used by the prefetch scheduler to
// pick its batch width.
func (f *Fetcher) Pool() *Pool {
	return f.pool
}

// Governor exposes the concurrency governor for metric snapshots.
func (f *Fetcher) Governor() *Governor {
	return f.governor
}

// GetChunk returns the bytes of one chunk. Concurrent callers for the
// same missing chunk are deduplicated: exactly one upstream fetch
// happens and every caller sees its result. priority marks the chunk as
// playback-critical (post-seek), enabling the racing strategy when a
// proxy pool is available.
func (f *Fetcher) GetChunk(ctx context.Context, originURL, effectiveURL string, index, totalSize int64, priority bool) ([]byte, error) {
	key := cache.KeyForURL(originURL)
	if data, ok := f.store.GetChunk(key, index); ok {
		metrics.IncCacheHit()
		return data, nil
	}

	mu := f.governor.ChunkLock(key, index)
	mu.Lock()
	defer mu.Unlock()

	// Another caller may have completed the fetch while we waited.
	if data, ok := f.store.GetChunk(key, index); ok {
		metrics.IncCacheHit()
		return data, nil
	}
	metrics.IncCacheMiss()

	chunkSize := f.store.ChunkSize()
	start := index * chunkSize
	end := start + chunkSize - 1
	if totalSize > 0 {
		if start >= totalSize {
			return nil, WithKind(KindClientError, errors.Errorf("chunk %d starts at %d, beyond total size %d", index, start, totalSize))
		}
		if end > totalSize-1 {
			end = totalSize - 1
		}
	}

	if err := f.governor.Acquire(ctx); err != nil {
		return nil, WithKind(KindClientError, errors.Wrap(err, "cancelled while waiting for a fetch slot"))
	}
	defer f.governor.Release()

	critical := (index <= 1 || priority) && f.pool.CanRace()
	if priority {
		log.Infof("Chunk %d is first after seek; using %s fetch", index, fetchModeName(critical))
	} else if index <= 1 && f.pool.HasUpstream() {
		log.Debugf("Chunk %d is playback-critical; using %s fetch", index, fetchModeName(critical))
	}

	var data []byte
	var err error
	if critical {
		data, err = f.racingFetch(ctx, effectiveURL, start, end, index)
	} else {
		data, err = f.standardFetch(ctx, effectiveURL, start, end, index)
	}
	if err != nil {
		metrics.IncError()
		return nil, WithKind(KindUpstreamError, err)
	}

	if putErr := f.store.PutChunk(key, index, data); putErr != nil {
		// The caller still gets the bytes; only durability was lost.
		log.Warningf("Failed to persist chunk %d for %s: %v", index, key.Shard(), putErr)
	}
	return data, nil
}

// DirectRange fetches an arbitrary byte range over the direct
// connection, bypassing proxy selection. The stream server uses it as a
// last resort when a chunk has failed on every configured transport.
func (f *Fetcher) DirectRange(ctx context.Context, fetchURL string, start, end int64) ([]byte, error) {
	data, err := f.fetchRange(ctx, f.pool.Direct(), fetchURL, start, end)
	if err != nil {
		return nil, WithKind(KindUpstreamError, err)
	}
	return data, nil
}

func fetchModeName(racing bool) string {
	if racing {
		return "racing"
	}
	return "standard"
}

// standardFetch tries the transport selected by chunk index, rotating to
// a different transport on each retry with a short backoff. Once every
// attempt has failed the pool's failure counters are reset so no
// endpoint stays excluded.
func (f *Fetcher) standardFetch(ctx context.Context, fetchURL string, start, end, index int64) ([]byte, error) {
	attempts := f.pool.Attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		ep := f.pool.Select(index + int64(attempt))
		data, err := f.fetchRange(ctx, ep, fetchURL, start, end)
		if err == nil {
			if attempt > 0 {
				log.Infof("Chunk %d succeeded on retry %d via %s", index, attempt, ep.Label())
			}
			return data, nil
		}
		ep.RecordFailure()
		lastErr = err
		if attempt < attempts-1 {
			log.Warningf("Chunk %d fetch via %s failed (%v), rotating transport (%d/%d)", index, ep.Label(), err, attempt+1, attempts)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}
	}
	f.pool.ResetFailures()
	return nil, errors.Wrapf(lastErr, "chunk %d failed after %d attempts", index, attempts)
}

// racingFetch issues the same ranged request through every pool member
// and the direct connection concurrently, returning the first valid
// result. Losers are left to finish within a grace period rather than
// being torn down immediately.
func (f *Fetcher) racingFetch(ctx context.Context, fetchURL string, start, end, index int64) ([]byte, error) {
	if !f.pool.CanRace() {
		return f.standardFetch(ctx, fetchURL, start, end, index)
	}

	contenders := append([]*Endpoint{}, f.pool.Members()...)
	contenders = append(contenders, f.pool.Direct())
	log.Infof("Racing chunk %d across %d transports", index, len(contenders))

	type raceResult struct {
		ep   *Endpoint
		data []byte
		err  error
	}
	results := make(chan raceResult, len(contenders))
	cancels := make([]context.CancelFunc, len(contenders))
	for i, ep := range contenders {
		attemptCtx, cancel := context.WithTimeout(ctx, racingTimeout)
		cancels[i] = cancel
		go func(ep *Endpoint) {
			data, err := f.fetchRange(attemptCtx, ep, fetchURL, start, end)
			results <- raceResult{ep: ep, data: data, err: err}
		}(ep)
	}
	cancelAll := func() {
		for _, cancel := range cancels {
			cancel()
		}
	}

	var lastErr error
	for remaining := len(contenders); remaining > 0; remaining-- {
		res := <-results
		if res.err == nil {
			res.ep.RecordUse()
			log.Infof("Chunk %d race won by %s (%d bytes)", index, res.ep.Label(), len(res.data))
			// Let the losers complete naturally; cancel stragglers after
			// the grace period and drain their results.
			leftover := remaining - 1
			go func() {
				timer := time.NewTimer(racingGrace)
				defer timer.Stop()
				for i := 0; i < leftover; i++ {
					select {
					case <-results:
					case <-timer.C:
						cancelAll()
						for ; i < leftover; i++ {
							<-results
						}
						return
					}
				}
				cancelAll()
			}()
			return res.data, nil
		}
		res.ep.RecordFailure()
		lastErr = res.err
	}
	cancelAll()
	f.pool.ResetFailures()
	return nil, errors.Wrapf(lastErr, "chunk %d race lost on all transports", index)
}

// fetchRange issues a single ranged GET through one endpoint. A 206 is
// the expected partial response; if the origin ignores Range and replies
// 200, the requested window is sliced out of the streamed full body.
func (f *Fetcher) fetchRange(ctx context.Context, ep *Endpoint, fetchURL string, start, end int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build range request")
	}
	setMediaHeaders(req, fetchURL)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	began := time.Now()
	resp, err := ep.Client().Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "range request via %s failed", ep.Label())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrapf(err, "failed reading partial response via %s", ep.Label())
		}
		ep.ObserveRate(int64(len(data)), time.Since(began))
		return data, nil
	case http.StatusOK:
		data, err := sliceWindow(resp.Body, start, end)
		if err != nil {
			return nil, errors.Wrapf(err, "failed slicing full response via %s", ep.Label())
		}
		log.Debugf("Origin ignored Range; sliced bytes %d-%d out of full response via %s", start, end, ep.Label())
		ep.ObserveRate(int64(len(data)), time.Since(began))
		return data, nil
	default:
		return nil, errors.Errorf("range request via %s returned HTTP %d", ep.Label(), resp.StatusCode)
	}
}

// sliceWindow reads a full response body and extracts the byte window
// [start,end], discarding everything before and truncating after.
func sliceWindow(body io.Reader, start, end int64) ([]byte, error) {
	if start > 0 {
		if _, err := io.CopyN(io.Discard, body, start); err != nil {
			return nil, err
		}
	}
	want := end - start + 1
	var buf bytes.Buffer
	buf.Grow(int(min64(want, copyBlock)))
	n, err := io.CopyN(&buf, body, want)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// setMediaHeaders applies the request headers media CDNs expect,
// including a same-origin Referer for anti-hotlinking checks.
func setMediaHeaders(req *http.Request, rawURL string) {
	req.Header.Set("User-Agent", "chunkproxy/1")
	req.Header.Set("Accept", "*/*")
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Host != "" {
		req.Header.Set("Referer", parsed.Scheme+"://"+parsed.Host+"/")
	}
}
