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

package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// entryInfo describes one cache entry for eviction decisions. The
// meta.json mtime serves as the entry's last-touched stamp because the
// sidecar is rewritten whenever the entry is accessed for streaming.
type entryInfo struct {
	dir   string
	mtime time.Time
	size  int64
}

// Janitor periodically enforces the cache age and size limits, evicting
// oldest entries first.
type Janitor struct {
	store    *Store
	maxAge   time.Duration
	maxSize  int64
	interval time.Duration
}

func NewJanitor(store *Store, maxAge time.Duration, maxSize int64) *Janitor {
	return &Janitor{
		store:    store,
		maxAge:   maxAge,
		maxSize:  maxSize,
		interval: time.Hour,
	}
}

// Start launches the sweep loop. The first sweep runs shortly after
// startup so a long-stopped process reclaims space promptly.
func (j *Janitor) Start(ctx context.Context, egrp *errgroup.Group) {
	egrp.Go(func() error {
		timer := time.NewTimer(10 * time.Second)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
				removed, freed := j.store.Cleanup(j.maxAge, j.maxSize)
				if removed > 0 {
					log.Infof("Cache sweep removed %d entries, freed %.2f MB", removed, float64(freed)/(1024*1024))
				}
				timer.Reset(j.interval)
			}
		}
	})
}

// scanEntries walks the sharded tree and collects per-entry stats.
func (s *Store) scanEntries() []entryInfo {
	var entries []entryInfo
	shards, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.basePath, shard.Name())
		dirs, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, dir := range dirs {
			if !dir.IsDir() {
				continue
			}
			entryPath := filepath.Join(shardPath, dir.Name())
			metaStat, err := os.Stat(filepath.Join(entryPath, metaName))
			if err != nil {
				continue
			}
			entries = append(entries, entryInfo{
				dir:   entryPath,
				mtime: metaStat.ModTime(),
				size:  dirSize(entryPath),
			})
		}
	}
	return entries
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// CacheSize returns the total on-disk size of the cache in bytes.
func (s *Store) CacheSize() int64 {
	var total int64
	for _, e := range s.scanEntries() {
		total += e.size
	}
	return total
}

// Clear removes every cache entry, returning the number of entries
// removed and bytes freed.
func (s *Store) Clear() (removed int, freed int64) {
	entries := s.scanEntries()
	for _, e := range entries {
		freed += e.size
		removed++
	}
	if err := os.RemoveAll(s.basePath); err != nil {
		log.Warningf("Failed to clear cache: %v", err)
	}
	if err := os.MkdirAll(s.basePath, 0700); err != nil {
		log.Warningf("Failed to recreate cache directory: %v", err)
	}
	return removed, freed
}

// Cleanup enforces the age and size limits. Entries older than maxAge
// are removed first; then, while the total size exceeds maxSize, the
// oldest remaining entries are removed. An entry accessed recently is
// never evicted while the cache is under the size cap.
func (s *Store) Cleanup(maxAge time.Duration, maxSize int64) (removed int, freed int64) {
	entries := s.scanEntries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime.Before(entries[j].mtime) })

	cutoff := time.Now().Add(-maxAge)
	kept := entries[:0]
	for _, e := range entries {
		if maxAge > 0 && e.mtime.Before(cutoff) {
			if err := os.RemoveAll(e.dir); err != nil {
				log.Warningf("Failed to remove expired entry %s: %v", e.dir, err)
				kept = append(kept, e)
				continue
			}
			removed++
			freed += e.size
			continue
		}
		kept = append(kept, e)
	}

	var total int64
	for _, e := range kept {
		total += e.size
	}
	for _, e := range kept {
		if maxSize <= 0 || total <= maxSize {
			break
		}
		if err := os.RemoveAll(e.dir); err != nil {
			log.Warningf("Failed to remove entry %s for size cap: %v", e.dir, err)
			break
		}
		removed++
		freed += e.size
		total -= e.size
	}
	return removed, freed
}
