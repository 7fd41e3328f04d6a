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
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chunkproxy/chunkproxy/cache"
	"github.com/chunkproxy/chunkproxy/fetcher"
)

const (
	// maxPrefetchBatch caps the parallel batch width even with a large
	// proxy pool.
	maxPrefetchBatch = 3

	// batchPause spaces parallel batches apart to stay polite upstream.
	batchPause = 300 * time.Millisecond
)

// prefetchTask tracks one background prefetch run for a content key.
// Abandonment is cooperative: the flag is set externally on seek and
// checked between chunks and between batches.
type prefetchTask struct {
	abandoned atomic.Bool
	done      chan struct{}
}

// prefetchManager schedules background fetches of chunks following the
// playback position, and owns the per-content seek state: last served
// offset and the post-seek priority chunk.
type prefetchManager struct {
	fetcher *fetcher.Fetcher
	store   *cache.Store
	enabled bool

	// ctx scopes prefetch runs to the proxy's lifetime. A prefetch is
	// independent of the request that triggered it; only shutdown and
	// seek abandonment stop it.
	ctx context.Context

	mu       sync.Mutex
	running  map[cache.ContentKey]*prefetchTask
	lastPos  map[cache.ContentKey]int64
	priority map[cache.ContentKey]int64

	wg sync.WaitGroup
}

func newPrefetchManager(f *fetcher.Fetcher, store *cache.Store, enabled bool) *prefetchManager {
	return &prefetchManager{
		fetcher:  f,
		store:    store,
		enabled:  enabled,
		ctx:      context.Background(),
		running:  make(map[cache.ContentKey]*prefetchTask),
		lastPos:  make(map[cache.ContentKey]int64),
		priority: make(map[cache.ContentKey]int64),
	}
}

// bind replaces the lifetime context for subsequent prefetch runs.
// Called once before the listener starts accepting requests.
func (pm *prefetchManager) bind(ctx context.Context) {
	pm.ctx = ctx
}

// noteRequest records a new request offset and classifies it as a seek
// when it jumps more than two chunk-widths from the last served offset.
// On a seek the chunk at the new position is marked priority and any
// running prefetch for the content is abandoned.
func (pm *prefetchManager) noteRequest(key cache.ContentKey, start int64) (seek bool) {
	chunkSize := pm.store.ChunkSize()
	currentChunk := start / chunkSize
	threshold := 2 * chunkSize

	pm.mu.Lock()
	defer pm.mu.Unlock()
	lastPos := pm.lastPos[key]
	jump := start - lastPos
	if jump < 0 {
		jump = -jump
	}
	seek = jump > threshold
	pm.lastPos[key] = start

	if seek {
		pm.priority[key] = currentChunk
		log.Debugf("Seek detected: offset %d -> %d, chunk %d marked priority", lastPos, start, currentChunk)
		if task, ok := pm.running[key]; ok {
			task.abandoned.Store(true)
			log.Debugf("Abandoning in-flight prefetch after seek")
		}
	}
	return seek
}

// consumePriority reports whether the chunk was marked priority by a
// seek, clearing the mark.
func (pm *prefetchManager) consumePriority(key cache.ContentKey, index int64) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if marked, ok := pm.priority[key]; ok && marked == index {
		delete(pm.priority, key)
		return true
	}
	return false
}

// maybeStart launches a prefetch run from startChunk if none is active
// (or the active one was abandoned) for this content key. The run holds
// the manager's lifetime context, never the caller's request context.
func (pm *prefetchManager) maybeStart(originURL, effectiveURL string, totalSize, startChunk int64) {
	if !pm.enabled || totalSize <= 0 {
		return
	}
	chunkSize := pm.store.ChunkSize()
	totalChunks := (totalSize + chunkSize - 1) / chunkSize
	if startChunk >= totalChunks {
		return
	}
	key := cache.KeyForURL(originURL)

	pm.mu.Lock()
	if task, ok := pm.running[key]; ok && !task.abandoned.Load() {
		pm.mu.Unlock()
		return
	}
	task := &prefetchTask{done: make(chan struct{})}
	pm.running[key] = task
	pm.mu.Unlock()

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		defer close(task.done)
		pm.run(pm.ctx, task, key, originURL, effectiveURL, totalSize, startChunk)
		pm.mu.Lock()
		if pm.running[key] == task {
			delete(pm.running, key)
		}
		pm.mu.Unlock()
	}()
}

// batchWidth picks how many chunks to fetch in parallel: wider batches
// when a multi-proxy pool offers independent upstream paths, strictly
// sequential for direct connections so the origin never sees parallel
// same-IP requests.
func (pm *prefetchManager) batchWidth() int64 {
	pool := pm.fetcher.Pool()
	if pool.Size() > 0 {
		width := int64(pool.Size())
		if width > maxPrefetchBatch {
			width = maxPrefetchBatch
		}
		return width
	}
	return 1
}

func (pm *prefetchManager) run(ctx context.Context, task *prefetchTask, key cache.ContentKey, originURL, effectiveURL string, totalSize, startChunk int64) {
	chunkSize := pm.store.ChunkSize()
	totalChunks := (totalSize + chunkSize - 1) / chunkSize
	width := pm.batchWidth()
	log.Debugf("Prefetch starting at chunk %d/%d (batch width %d) for %s", startChunk, totalChunks-1, width, key.Shard())

	var fetched atomic.Int64
	for batchStart := startChunk; batchStart < totalChunks; batchStart += width {
		if ctx.Err() != nil || task.abandoned.Load() {
			log.Debugf("Prefetch stopped at chunk %d for %s", batchStart, key.Shard())
			return
		}
		batchEnd := batchStart + width
		if batchEnd > totalChunks {
			batchEnd = totalChunks
		}

		var wg sync.WaitGroup
		var batchErr atomic.Bool
		for idx := batchStart; idx < batchEnd; idx++ {
			if pm.store.HasChunk(key, idx) {
				continue
			}
			if task.abandoned.Load() {
				return
			}
			wg.Add(1)
			go func(idx int64) {
				defer wg.Done()
				if _, err := pm.fetcher.GetChunk(ctx, originURL, effectiveURL, idx, totalSize, false); err != nil {
					log.Warningf("Prefetch of chunk %d failed for %s: %v", idx, key.Shard(), err)
					batchErr.Store(true)
					return
				}
				fetched.Add(1)
			}(idx)
		}
		wg.Wait()

		if batchErr.Load() {
			// Upstream trouble; stop this run rather than hammering on.
			log.Debugf("Prefetch run stopped after errors for %s", key.Shard())
			return
		}
		if width > 1 && batchEnd < totalChunks {
			select {
			case <-ctx.Done():
				return
			case <-time.After(batchPause):
			}
		}
	}
	log.Debugf("Prefetch completed, %d chunks fetched for %s", fetched.Load(), key.Shard())
}

// stop waits for all in-flight prefetch runs to observe cancellation and
// exit.
func (pm *prefetchManager) stop() {
	pm.wg.Wait()
}
