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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyForURL(t *testing.T) {
	key := KeyForURL("https://example.com/video.mp4")
	assert.Len(t, string(key), 64)
	assert.Equal(t, string(key)[:2], key.Shard())

	// Stable across calls, distinct across URLs
	assert.Equal(t, key, KeyForURL("https://example.com/video.mp4"))
	assert.NotEqual(t, key, KeyForURL("https://example.com/other.mp4"))
}

func TestUnwrapProxyURL(t *testing.T) {
	origin := "https://example.com/media/file.mp4?sig=abc"
	wrapped := "http://127.0.0.1:18443/proxy?url=https%3A%2F%2Fexample.com%2Fmedia%2Ffile.mp4%3Fsig%3Dabc"

	assert.Equal(t, origin, UnwrapProxyURL(wrapped))
	assert.Equal(t, origin, UnwrapProxyURL(origin))
	assert.Equal(t, "not a url", UnwrapProxyURL("not a url"))
}

func TestStoreChunkRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), MinChunkSize)
	require.NoError(t, err)

	key := KeyForURL("https://example.com/a.mp4")
	assert.False(t, store.HasChunk(key, 0))
	_, ok := store.GetChunk(key, 0)
	assert.False(t, ok)

	payload := bytes.Repeat([]byte{0x42}, 1024)
	require.NoError(t, store.PutChunk(key, 0, payload))
	assert.True(t, store.HasChunk(key, 0))

	got, ok := store.GetChunk(key, 0)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	// Chunk files land under the two-character shard directory
	assert.DirExists(t, filepath.Join(store.BasePath(), key.Shard(), string(key)))
}

func TestStoreChunkSizeFloor(t *testing.T) {
	store, err := NewStore(t.TempDir(), 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(MinChunkSize), store.ChunkSize())
}

func TestStoreEmptyChunkIsMiss(t *testing.T) {
	store, err := NewStore(t.TempDir(), MinChunkSize)
	require.NoError(t, err)

	key := KeyForURL("https://example.com/empty.mp4")
	require.NoError(t, store.PutChunk(key, 3, []byte("data")))

	// Truncate the file behind the store's back
	path := filepath.Join(store.BasePath(), key.Shard(), string(key), "chunk_3.bin")
	require.NoError(t, os.Truncate(path, 0))

	_, ok := store.GetChunk(key, 3)
	assert.False(t, ok)
	assert.False(t, store.HasChunk(key, 3))
}

func TestMetadataRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), MinChunkSize)
	require.NoError(t, err)

	key := KeyForURL("https://example.com/b.mp4")
	meta, err := store.ReadMetadata(key)
	require.NoError(t, err)
	assert.Nil(t, meta)

	in := &Metadata{
		URL:         "https://example.com/b.mp4",
		ChunkSize:   MinChunkSize,
		TotalSize:   1_000_000,
		ContentType: "video/mp4",
		ResolvedURL: "https://cdn.example.com/b.mp4",
	}
	require.NoError(t, store.WriteMetadata(key, in))

	out, err := store.ReadMetadata(key)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.URL, out.URL)
	assert.Equal(t, in.TotalSize, out.TotalSize)
	assert.Equal(t, in.ResolvedURL, out.ResolvedURL)
	assert.Greater(t, out.UpdatedAt, int64(0))
	assert.True(t, out.SizeKnown())
	assert.Equal(t, int64(4), out.NumChunks())
}

func TestCorruptMetadataTreatedAsMissing(t *testing.T) {
	store, err := NewStore(t.TempDir(), MinChunkSize)
	require.NoError(t, err)

	key := KeyForURL("https://example.com/corrupt.mp4")
	require.NoError(t, store.WriteMetadata(key, &Metadata{URL: "https://example.com/corrupt.mp4"}))

	path := filepath.Join(store.BasePath(), key.Shard(), string(key), "meta.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	meta, err := store.ReadMetadata(key)
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.NoFileExists(t, path)
}

func TestUpsertMetadataMerges(t *testing.T) {
	store, err := NewStore(t.TempDir(), MinChunkSize)
	require.NoError(t, err)
	originURL := "https://example.com/upsert.mp4"
	key := KeyForURL(originURL)

	require.NoError(t, store.UpsertMetadata(originURL, func(m *Metadata) {
		m.TotalSize = 500
	}))
	require.NoError(t, store.UpsertMetadata(originURL, func(m *Metadata) {
		m.ContentType = "video/webm"
	}))

	meta, err := store.ReadMetadata(key)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, originURL, meta.URL)
	assert.Equal(t, int64(500), meta.TotalSize)
	assert.Equal(t, "video/webm", meta.ContentType)
}

func TestCachedRangesMergesAdjacent(t *testing.T) {
	store, err := NewStore(t.TempDir(), MinChunkSize)
	require.NoError(t, err)
	chunkSize := store.ChunkSize()

	originURL := "https://example.com/ranges.mp4"
	key := KeyForURL(originURL)
	totalSize := 3*chunkSize + 100
	require.NoError(t, store.WriteMetadata(key, &Metadata{
		URL: originURL, ChunkSize: chunkSize, TotalSize: totalSize,
	}))

	full := bytes.Repeat([]byte{1}, int(chunkSize))
	require.NoError(t, store.PutChunk(key, 0, full))
	require.NoError(t, store.PutChunk(key, 1, full))
	require.NoError(t, store.PutChunk(key, 3, bytes.Repeat([]byte{1}, 100)))

	gotTotal, ranges := store.CachedRanges(key)
	assert.Equal(t, totalSize, gotTotal)
	require.Len(t, ranges, 2)
	assert.Equal(t, ByteRange{Start: 0, End: 2*chunkSize - 1}, ranges[0])
	assert.Equal(t, ByteRange{Start: 3 * chunkSize, End: 3*chunkSize + 99}, ranges[1])
}

func TestCachedPercentageMonotonic(t *testing.T) {
	store, err := NewStore(t.TempDir(), MinChunkSize)
	require.NoError(t, err)
	chunkSize := store.ChunkSize()

	originURL := "https://example.com/pct.mp4"
	key := KeyForURL(originURL)
	totalSize := int64(1_000_000)
	numChunks := (totalSize + chunkSize - 1) / chunkSize
	require.NoError(t, store.WriteMetadata(key, &Metadata{
		URL: originURL, ChunkSize: chunkSize, TotalSize: totalSize,
	}))

	assert.Zero(t, store.CachedPercentage(key))

	prev := 0.0
	for i := int64(0); i < numChunks; i++ {
		size := chunkSize
		if (i+1)*chunkSize > totalSize {
			size = totalSize - i*chunkSize
		}
		require.NoError(t, store.PutChunk(key, i, bytes.Repeat([]byte{9}, int(size))))
		pct := store.CachedPercentage(key)
		assert.GreaterOrEqual(t, pct, prev)
		assert.LessOrEqual(t, pct, 100.0)
		prev = pct
	}
	assert.Equal(t, 100.0, store.CachedPercentage(key))
}

func TestAssembleAllOrNothing(t *testing.T) {
	store, err := NewStore(t.TempDir(), MinChunkSize)
	require.NoError(t, err)
	chunkSize := store.ChunkSize()

	originURL := "https://example.com/assemble.mp4"
	key := KeyForURL(originURL)
	totalSize := int64(1_000_000)
	numChunks := (totalSize + chunkSize - 1) / chunkSize
	require.NoError(t, store.WriteMetadata(key, &Metadata{
		URL: originURL, ChunkSize: chunkSize, TotalSize: totalSize,
	}))

	var want []byte
	for i := int64(0); i < numChunks; i++ {
		size := chunkSize
		if (i+1)*chunkSize > totalSize {
			size = totalSize - i*chunkSize
		}
		payload := bytes.Repeat([]byte{byte(i + 1)}, int(size))
		want = append(want, payload...)
		if i == numChunks-1 {
			// Hold the last chunk back to exercise the missing-chunk path
			break
		}
		require.NoError(t, store.PutChunk(key, i, payload))
	}

	dest := filepath.Join(t.TempDir(), "out.mp4")
	err = store.Assemble(key, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.NoFileExists(t, dest)

	lastSize := totalSize - (numChunks-1)*chunkSize
	require.NoError(t, store.PutChunk(key, numChunks-1, bytes.Repeat([]byte{byte(numChunks)}, int(lastSize))))

	require.NoError(t, store.Assemble(key, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, totalSize, int64(len(got)))
	assert.Equal(t, want, got)
}

func TestAssembleRequiresMetadata(t *testing.T) {
	store, err := NewStore(t.TempDir(), MinChunkSize)
	require.NoError(t, err)

	err = store.Assemble(KeyForURL("https://example.com/nometa.mp4"), filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)

	key := KeyForURL("https://example.com/nosize.mp4")
	require.NoError(t, store.WriteMetadata(key, &Metadata{URL: "https://example.com/nosize.mp4", ChunkSize: MinChunkSize}))
	err = store.Assemble(key, filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
}
