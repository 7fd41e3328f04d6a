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
	"crypto/sha256"
	"encoding/hex"
	"net/url"
)

// ContentKey is a stable, content-addressed identifier for an origin URL.
// It namespaces all cached chunks and metadata for that URL.
type ContentKey string

// KeyForURL derives the content key from the canonical origin URL.
func KeyForURL(originURL string) ContentKey {
	sum := sha256.Sum256([]byte(originURL))
	return ContentKey(hex.EncodeToString(sum[:]))
}

// Shard returns the two-character shard prefix bounding directory fanout.
func (k ContentKey) Shard() string {
	if len(k) < 2 {
		return "00"
	}
	return string(k[:2])
}

// UnwrapProxyURL accepts either an origin URL or a loopback proxy URL of
// the form http://host:port/proxy?url=<encoded> and returns the origin
// URL in both cases. Callers hold proxy URLs after handing them to a
// player, so the external cache operations must accept both shapes.
func UnwrapProxyURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.RawQuery == "" {
		return rawURL
	}
	target := parsed.Query().Get("url")
	if target == "" {
		return rawURL
	}
	return target
}
