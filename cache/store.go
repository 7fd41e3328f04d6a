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

// Package cache implements the on-disk chunk store backing the range
// proxy. Content is stored as immutable fixed-size chunk files under a
// two-level sharded directory tree, with a meta.json sidecar per content
// key. A chunk file's existence on disk is the sole source of truth for
// whether that chunk is cached.
package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// MinChunkSize is the floor applied to configured chunk sizes.
	MinChunkSize = 256 * 1024

	chunkPrefix = "chunk_"
	chunkSuffix = ".bin"
	metaName    = "meta.json"
)

// Metadata is the meta.json sidecar for a content key. TotalSize <= 0
// means the origin's size is unknown.
type Metadata struct {
	URL         string `json:"url"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalSize   int64  `json:"total_size"`
	ContentType string `json:"content_type,omitempty"`
	ResolvedURL string `json:"resolved_url,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

// SizeKnown reports whether the origin's total size has been discovered.
func (m *Metadata) SizeKnown() bool {
	return m != nil && m.TotalSize > 0
}

// NumChunks returns how many chunk files a fully cached entry has.
func (m *Metadata) NumChunks() int64 {
	if !m.SizeKnown() || m.ChunkSize <= 0 {
		return 0
	}
	return (m.TotalSize + m.ChunkSize - 1) / m.ChunkSize
}

// ByteRange is a closed interval of byte offsets.
type ByteRange struct {
	Start int64
	End   int64
}

// Store is the sharded on-disk chunk cache.
type Store struct {
	basePath  string
	chunkSize int64
}

func NewStore(basePath string, chunkSize int64) (*Store, error) {
	if basePath == "" {
		return nil, errors.New("cache data location is not set")
	}
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}
	return &Store{basePath: basePath, chunkSize: chunkSize}, nil
}

// ChunkSize returns the store's configured chunk width in bytes.
func (s *Store) ChunkSize() int64 {
	return s.chunkSize
}

// BasePath returns the cache root directory.
func (s *Store) BasePath() string {
	return s.basePath
}

func (s *Store) entryDir(key ContentKey) string {
	return filepath.Join(s.basePath, key.Shard(), string(key))
}

func (s *Store) chunkPath(key ContentKey, index int64) string {
	return filepath.Join(s.entryDir(key), fmt.Sprintf("%s%d%s", chunkPrefix, index, chunkSuffix))
}

func (s *Store) metaPath(key ContentKey) string {
	return filepath.Join(s.entryDir(key), metaName)
}

// HasChunk reports whether the chunk file exists on disk.
func (s *Store) HasChunk(key ContentKey, index int64) bool {
	info, err := os.Stat(s.chunkPath(key, index))
	return err == nil && info.Size() > 0
}

// GetChunk returns the cached bytes for (key, index), or ok=false on a
// miss. An unreadable chunk file is removed and reported as a miss so
// the caller refetches it.
func (s *Store) GetChunk(key ContentKey, index int64) (data []byte, ok bool) {
	path := s.chunkPath(key, index)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warningf("Removing unreadable chunk %d for %s: %v", index, key.Shard(), err)
			_ = os.Remove(path)
		}
		return nil, false
	}
	if len(data) == 0 {
		_ = os.Remove(path)
		return nil, false
	}
	return data, true
}

// PutChunk durably persists a chunk. The write goes to a temp file in the
// entry directory followed by an atomic rename, so concurrent readers
// never observe a torn chunk.
func (s *Store) PutChunk(key ContentKey, index int64, data []byte) error {
	dir := s.entryDir(key)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "failed to create cache entry directory")
	}
	tmp, err := os.CreateTemp(dir, chunkPrefix+"*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp chunk file")
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to write chunk data")
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to close temp chunk file")
	}
	if err = os.Rename(tmpName, s.chunkPath(key, index)); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to rename chunk into place")
	}
	return nil
}

// ReadMetadata loads the meta.json sidecar. A missing sidecar returns
// (nil, nil); a corrupt one is deleted and treated as missing.
func (s *Store) ReadMetadata(key ContentKey) (*Metadata, error) {
	path := s.metaPath(key)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read cache metadata")
	}
	meta := &Metadata{}
	if err = json.Unmarshal(raw, meta); err != nil {
		log.Warningf("Removing corrupt metadata for %s: %v", key.Shard(), err)
		_ = os.Remove(path)
		return nil, nil
	}
	return meta, nil
}

// WriteMetadata persists the sidecar, stamping UpdatedAt.
func (s *Store) WriteMetadata(key ContentKey, meta *Metadata) error {
	meta.UpdatedAt = time.Now().Unix()
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "failed to encode cache metadata")
	}
	dir := s.entryDir(key)
	if err = os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "failed to create cache entry directory")
	}
	tmp, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp metadata file")
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(raw); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to write cache metadata")
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to close temp metadata file")
	}
	if err = os.Rename(tmpName, s.metaPath(key)); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to rename metadata into place")
	}
	return nil
}

// UpsertMetadata merges new information into an existing sidecar, or
// creates one. The update callback sees the current (possibly zero)
// metadata and mutates it in place.
func (s *Store) UpsertMetadata(originURL string, update func(*Metadata)) error {
	key := KeyForURL(originURL)
	meta, err := s.ReadMetadata(key)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &Metadata{URL: originURL, ChunkSize: s.chunkSize}
	}
	update(meta)
	return s.WriteMetadata(key, meta)
}

// CachedRanges enumerates the chunk files for a key and returns the
// merged set of cached byte spans plus the known total size (or <= 0 if
// unknown). The merged set is authoritative, derived from actual file
// sizes so a short final chunk is accounted for.
func (s *Store) CachedRanges(key ContentKey) (totalSize int64, merged []ByteRange) {
	chunkSize := s.chunkSize
	if meta, err := s.ReadMetadata(key); err == nil && meta != nil {
		totalSize = meta.TotalSize
		if meta.ChunkSize > 0 {
			chunkSize = meta.ChunkSize
		}
	}

	entries, err := os.ReadDir(s.entryDir(key))
	if err != nil {
		return totalSize, nil
	}

	var ranges []ByteRange
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		index, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, chunkPrefix), chunkSuffix), 10, 64)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() <= 0 {
			continue
		}
		start := index * chunkSize
		ranges = append(ranges, ByteRange{Start: start, End: start + info.Size() - 1})
	}
	if len(ranges) == 0 {
		return totalSize, nil
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	merged = append(merged, ranges[0])
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
		} else {
			merged = append(merged, r)
		}
	}
	return totalSize, merged
}

// CachedPercentage reports how much of the content is cached, 0-100.
// It is monotonic non-decreasing as chunks are persisted and reaches
// exactly 100 once every chunk exists.
func (s *Store) CachedPercentage(key ContentKey) float64 {
	totalSize, ranges := s.CachedRanges(key)
	if totalSize <= 0 || len(ranges) == 0 {
		return 0.0
	}
	var cached int64
	for _, r := range ranges {
		cached += r.End - r.Start + 1
	}
	pct := float64(cached) / float64(totalSize) * 100.0
	if pct > 100.0 {
		pct = 100.0
	}
	return pct
}

// Assemble writes the fully cached content for a key to the destination
// path. It is all-or-nothing: if any chunk from 0 to the last index is
// missing, nothing is written and an error is returned; if a write fails
// midway, the partial output file is removed.
func (s *Store) Assemble(key ContentKey, destination string) error {
	meta, err := s.ReadMetadata(key)
	if err != nil {
		return err
	}
	if meta == nil {
		return errors.New("no cache metadata; cannot assemble")
	}
	if !meta.SizeKnown() {
		return errors.New("total size unknown; cannot assemble")
	}
	numChunks := meta.NumChunks()

	missing := int64(0)
	for i := int64(0); i < numChunks; i++ {
		if !s.HasChunk(key, i) {
			missing++
		}
	}
	if missing > 0 {
		return errors.Errorf("missing %d of %d chunks", missing, numChunks)
	}

	if err = os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return errors.Wrap(err, "failed to create destination directory")
	}
	out, err := os.Create(destination)
	if err != nil {
		return errors.Wrap(err, "failed to create destination file")
	}

	var written int64
	copyAll := func() error {
		for i := int64(0); i < numChunks; i++ {
			fd, err := os.Open(s.chunkPath(key, i))
			if err != nil {
				return errors.Wrapf(err, "failed to open chunk %d", i)
			}
			n, err := io.Copy(out, fd)
			fd.Close()
			if err != nil {
				return errors.Wrapf(err, "failed to copy chunk %d", i)
			}
			written += n
		}
		return nil
	}
	if err = copyAll(); err != nil {
		out.Close()
		_ = os.Remove(destination)
		return err
	}
	if err = out.Close(); err != nil {
		_ = os.Remove(destination)
		return errors.Wrap(err, "failed to close destination file")
	}

	if written != meta.TotalSize {
		// Sanity check only; the assembled file is still delivered.
		log.Warningf("Assembled size mismatch for %s: expected %d, wrote %d", key.Shard(), meta.TotalSize, written)
	}
	log.Infof("Assembled %d chunks (%d bytes) to %s", numChunks, written, destination)
	return nil
}
