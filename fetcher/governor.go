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
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/chunkproxy/chunkproxy/cache"
)

const (
	lockReapIdle     = 10 * time.Minute
	lockReapInterval = 5 * time.Minute
)

// lockKey identifies a single chunk of a single content.
type lockKey struct {
	key   cache.ContentKey
	index int64
}

type chunkLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// Governor provides the two concurrency controls for upstream fetches:
// a global weighted semaphore bounding simultaneous fetches across all
// streams and prefetch tasks, and per-(content,chunk) mutexes ensuring at
// most one upstream fetch per missing chunk. Idle locks are reaped so the
// map stays bounded over a long-running process.
type Governor struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	locks map[lockKey]*chunkLock
}

func NewGovernor(maxConcurrent int) *Governor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Governor{
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
		locks: make(map[lockKey]*chunkLock),
	}
}

// Acquire blocks until a global fetch slot is available.
func (g *Governor) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release frees a global fetch slot.
func (g *Governor) Release() {
	g.sem.Release(1)
}

// ChunkLock returns the dedup mutex for a chunk, creating it on demand
// and stamping its last-used time.
func (g *Governor) ChunkLock(key cache.ContentKey, index int64) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lk := lockKey{key: key, index: index}
	cl, ok := g.locks[lk]
	if !ok {
		cl = &chunkLock{}
		g.locks[lk] = cl
	}
	cl.lastUsed = time.Now()
	return &cl.mu
}

// ActiveLocks returns the current size of the lock map.
func (g *Governor) ActiveLocks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

// reapIdleLocks drops locks idle beyond the threshold. A lock is removed
// only if it is not currently held.
func (g *Governor) reapIdleLocks(idleFor time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := time.Now().Add(-idleFor)
	reaped := 0
	for lk, cl := range g.locks {
		if cl.lastUsed.After(cutoff) {
			continue
		}
		if cl.mu.TryLock() {
			cl.mu.Unlock()
			delete(g.locks, lk)
			reaped++
		}
	}
	return reaped
}

// StartReaper launches the periodic idle-lock sweep.
func (g *Governor) StartReaper(ctx context.Context, egrp *errgroup.Group) {
	egrp.Go(func() error {
		ticker := time.NewTicker(lockReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := g.reapIdleLocks(lockReapIdle); n > 0 {
					log.Debugf("Reaped %d idle chunk locks", n)
				}
			}
		}
	})
}
