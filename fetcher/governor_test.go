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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkproxy/chunkproxy/cache"
)

func TestChunkLockIdentity(t *testing.T) {
	g := NewGovernor(4)
	key := cache.KeyForURL("https://example.com/lock.mp4")

	mu1 := g.ChunkLock(key, 0)
	mu2 := g.ChunkLock(key, 0)
	assert.Same(t, mu1, mu2)

	other := g.ChunkLock(key, 1)
	assert.NotSame(t, mu1, other)

	otherKey := g.ChunkLock(cache.KeyForURL("https://example.com/other.mp4"), 0)
	assert.NotSame(t, mu1, otherKey)

	assert.Equal(t, 3, g.ActiveLocks())
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	g := NewGovernor(2)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))

	// Third slot must block until one is released
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := g.Acquire(blockedCtx)
	require.Error(t, err)

	g.Release()
	require.NoError(t, g.Acquire(ctx))
	g.Release()
	g.Release()
}

func TestReapIdleLocks(t *testing.T) {
	g := NewGovernor(1)
	key := cache.KeyForURL("https://example.com/reap.mp4")

	g.ChunkLock(key, 0)
	held := g.ChunkLock(key, 1)
	held.Lock()
	defer held.Unlock()

	// Nothing is old enough yet
	assert.Zero(t, g.reapIdleLocks(time.Minute))
	assert.Equal(t, 2, g.ActiveLocks())

	// With a zero idle threshold both qualify, but the held lock stays
	reaped := g.reapIdleLocks(0)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 1, g.ActiveLocks())
}
