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
	"strconv"
	"strings"
)

// rangeSpec is a parsed Range header. hasEnd is false for half-open
// "start-" requests whose end must come from the total size.
type rangeSpec struct {
	start  int64
	end    int64
	hasEnd bool
}

// parseRange interprets a Range header value against a (possibly
// unknown, <= 0) total size. It returns nil with ok=true when no header
// is present (full stream) and nil with ok=false when the header exists
// but cannot be applied, which sends the request down the passthrough
// path. Only the first comma-separated range is honored.
func parseRange(header string, totalSize int64) (spec *rangeSpec, ok bool) {
	if header == "" {
		return nil, true
	}
	if !strings.HasPrefix(header, "bytes=") {
		return nil, false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if idx := strings.Index(raw, ","); idx >= 0 {
		raw = strings.TrimSpace(raw[:idx])
	}

	// Suffix form: bytes=-N, the final N bytes of the resource. Needs a
	// known total size to resolve; a suffix longer than the resource
	// means the whole resource.
	if strings.HasPrefix(raw, "-") {
		if totalSize <= 0 {
			return nil, false
		}
		length, err := strconv.ParseInt(raw[1:], 10, 64)
		if err != nil || length <= 0 {
			return nil, false
		}
		start := totalSize - length
		if start < 0 {
			start = 0
		}
		return &rangeSpec{start: start, end: totalSize - 1, hasEnd: true}, true
	}

	sep := strings.Index(raw, "-")
	if sep < 0 {
		return nil, false
	}
	startStr, endStr := raw[:sep], raw[sep+1:]
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, false
	}
	if endStr == "" {
		return &rangeSpec{start: start}, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil, false
	}
	return &rangeSpec{start: start, end: end, hasEnd: true}, true
}
